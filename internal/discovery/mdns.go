// Package discovery implements a lightweight same-link mDNS adapter
// satisfying client.DiscoveryAdapter (spec.md §6, SPEC_FULL.md §5.4),
// grounded on the "lightweight" discovery backend named in
// original_source alongside the out-of-scope Bonjour/Avahi variants.
package discovery

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"rdmnet-go/internal/client"
	"rdmnet-go/internal/rdm"
	"rdmnet-go/internal/transport"
)

const (
	mdnsAddr     = "224.0.0.251:5353"
	serviceType  = "_rdmnet._tcp.local."
	queryPeriod  = 10 * time.Second
	staleAfter   = 3 * queryPeriod
	txnScopeKey  = "scope"
	txnCIDKey    = "cid"
	txnUIDKey    = "uid"
	txnModelKey  = "model"
	txnMfrKey    = "manufacturer"
)

// monitorState is one StartMonitoring subscription.
type monitorState struct {
	scope rdm.Scope
	cb    client.MonitorCallbacks
	known map[string]*seenBroker // keyed by service instance name
}

type seenBroker struct {
	info     client.BrokerInfo
	lastSeen time.Time
}

// registration is one RegisterBroker advertisement.
type registration struct {
	info     client.BrokerInfo
	instance string
	conflict bool // true once a numerically-higher CID was observed on the same scope
}

// MDNSAdapter implements client.DiscoveryAdapter over a single multicast
// UDP socket, polled by a transport.PollCore tick like every other
// component in this repo (spec.md §6 "tick").
type MDNSAdapter struct {
	conn   *net.UDPConn
	logger zerolog.Logger

	mu            sync.Mutex
	monitors      map[uint64]*monitorState
	registrations map[uint64]*registration
	nextHandle    uint64
	nextQuery     time.Time

	pollID uint64
}

// NewMDNSAdapter opens the mDNS multicast socket and registers the
// adapter with core.
func NewMDNSAdapter(core *transport.PollCore) (*MDNSAdapter, error) {
	group, err := net.ResolveUDPAddr("udp4", mdnsAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenMulticastUDP("udp4", nil, group)
	if err != nil {
		return nil, fmt.Errorf("discovery: join mdns group: %w", err)
	}
	conn.SetReadBuffer(65536)

	a := &MDNSAdapter{
		conn:          conn,
		logger:        log.With().Str("component", "mdns").Logger(),
		monitors:      make(map[uint64]*monitorState),
		registrations: make(map[uint64]*registration),
	}
	go a.readLoop()
	a.pollID = core.Register(a)
	return a, nil
}

func (a *MDNSAdapter) readLoop() {
	buf := make([]byte, 9000)
	for {
		n, _, err := a.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		msg := new(dns.Msg)
		if err := msg.Unpack(buf[:n]); err != nil {
			continue
		}
		if len(msg.Answer) > 0 {
			a.handleResponse(msg)
		}
		if len(msg.Question) > 0 {
			a.handleQuery(msg)
		}
	}
}

// StartMonitoring begins watching for brokers on cfg.Scope (spec.md §6).
func (a *MDNSAdapter) StartMonitoring(cfg client.ScopeConfig, cb client.MonitorCallbacks) (uint64, error) {
	a.mu.Lock()
	a.nextHandle++
	handle := a.nextHandle
	a.monitors[handle] = &monitorState{scope: cfg.Scope, cb: cb, known: make(map[string]*seenBroker)}
	a.mu.Unlock()
	a.sendQuery()
	return handle, nil
}

// StopMonitoring ends a StartMonitoring subscription.
func (a *MDNSAdapter) StopMonitoring(handle uint64) {
	a.mu.Lock()
	delete(a.monitors, handle)
	a.mu.Unlock()
}

// RegisterBroker advertises info on its scope and begins watching the
// same scope for a conflicting broker so the CID tie-break rule (spec.md
// §6: the numerically smaller CID is the "loser" and must withdraw) can
// be applied.
func (a *MDNSAdapter) RegisterBroker(info client.BrokerInfo) (uint64, error) {
	instance := info.ServiceInstanceName
	if instance == "" {
		instance = info.CID.String()
	}
	a.mu.Lock()
	a.nextHandle++
	handle := a.nextHandle
	a.registrations[handle] = &registration{info: info, instance: instance}
	a.mu.Unlock()
	a.announce(info, instance)
	return handle, nil
}

// DeregisterBroker withdraws a broker advertisement.
func (a *MDNSAdapter) DeregisterBroker(handle uint64) {
	a.mu.Lock()
	delete(a.registrations, handle)
	a.mu.Unlock()
}

// Tick implements transport.Pollable: re-queries every watched scope
// periodically and expires brokers that have gone quiet (spec.md §6).
func (a *MDNSAdapter) Tick(now time.Time) {
	a.mu.Lock()
	due := a.nextQuery.IsZero() || !now.Before(a.nextQuery)
	if due {
		a.nextQuery = now.Add(queryPeriod)
	}
	var toNotifyLost []struct {
		cb   client.MonitorCallbacks
		name string
		cid  rdm.CID
	}
	for _, m := range a.monitors {
		for name, seen := range m.known {
			if now.Sub(seen.lastSeen) > staleAfter {
				delete(m.known, name)
				toNotifyLost = append(toNotifyLost, struct {
					cb   client.MonitorCallbacks
					name string
					cid  rdm.CID
				}{m.cb, name, seen.info.CID})
			}
		}
	}
	a.mu.Unlock()

	for _, n := range toNotifyLost {
		n.cb.BrokerLost(n.name, n.cid)
	}
	if due && len(a.monitorsSnapshot()) > 0 {
		a.sendQuery()
	}
	if due {
		a.reannounceAll()
	}
}

func (a *MDNSAdapter) monitorsSnapshot() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]uint64, 0, len(a.monitors))
	for h := range a.monitors {
		out = append(out, h)
	}
	return out
}

func (a *MDNSAdapter) reannounceAll() {
	a.mu.Lock()
	regs := make([]*registration, 0, len(a.registrations))
	for _, r := range a.registrations {
		if !r.conflict {
			regs = append(regs, r)
		}
	}
	a.mu.Unlock()
	for _, r := range regs {
		a.announce(r.info, r.instance)
	}
}

func (a *MDNSAdapter) sendQuery() {
	msg := new(dns.Msg)
	msg.SetQuestion(serviceType, dns.TypePTR)
	a.send(msg)
}

func (a *MDNSAdapter) announce(info client.BrokerInfo, instance string) {
	fqdn := instance + "." + serviceType
	msg := new(dns.Msg)
	msg.Response = true
	msg.Answer = append(msg.Answer, &dns.PTR{
		Hdr: dns.RR_Header{Name: serviceType, Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: 120},
		Ptr: fqdn,
	})
	txt := []string{
		txnScopeKey + "=" + string(info.Scope),
		txnCIDKey + "=" + info.CID.String(),
		txnUIDKey + "=" + info.UID.String(),
	}
	if info.Manufacturer != "" {
		txt = append(txt, txnMfrKey+"="+info.Manufacturer)
	}
	if info.Model != "" {
		txt = append(txt, txnModelKey+"="+info.Model)
	}
	for k, v := range info.Extras {
		txt = append(txt, k+"="+v)
	}
	msg.Answer = append(msg.Answer, &dns.TXT{
		Hdr: dns.RR_Header{Name: fqdn, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 120},
		Txt: txt,
	})
	for _, addr := range info.ListenAddrs {
		host, port := splitHostPort(addr)
		msg.Answer = append(msg.Answer, &dns.SRV{
			Hdr:      dns.RR_Header{Name: fqdn, Rrtype: dns.TypeSRV, Class: dns.ClassINET, Ttl: 120},
			Priority: 0, Weight: 0, Port: port, Target: host + ".",
		})
	}
	a.send(msg)
}

func (a *MDNSAdapter) handleQuery(msg *dns.Msg) {
	for _, q := range msg.Question {
		if q.Qtype != dns.TypePTR && q.Qtype != dns.TypeANY {
			continue
		}
		if q.Name != serviceType {
			continue
		}
		a.reannounceAll()
		return
	}
}

func (a *MDNSAdapter) handleResponse(msg *dns.Msg) {
	fields := make(map[string]map[string]string) // fqdn -> txt key/value
	var ptrs []string
	addrs := make(map[string][]string) // fqdn -> host:port

	for _, rr := range msg.Answer {
		switch rec := rr.(type) {
		case *dns.PTR:
			ptrs = append(ptrs, rec.Ptr)
		case *dns.TXT:
			kv := make(map[string]string)
			for _, s := range rec.Txt {
				for i := 0; i < len(s); i++ {
					if s[i] == '=' {
						kv[s[:i]] = s[i+1:]
						break
					}
				}
			}
			fields[rec.Hdr.Name] = kv
		case *dns.SRV:
			addrs[rec.Hdr.Name] = append(addrs[rec.Hdr.Name], fmt.Sprintf("%s:%d", trimDot(rec.Target), rec.Port))
		}
	}

	for _, fqdn := range ptrs {
		kv, ok := fields[fqdn]
		if !ok {
			continue
		}
		info := client.BrokerInfo{
			ServiceInstanceName: trimDot(fqdn),
			Scope:               rdm.Scope(kv[txnScopeKey]),
			Manufacturer:        kv[txnMfrKey],
			Model:               kv[txnModelKey],
			ListenAddrs:         addrs[fqdn],
			Extras:              kv,
		}
		if cid, err := parseCID(kv[txnCIDKey]); err == nil {
			info.CID = cid
		}
		info.UID = parseUID(kv[txnUIDKey])
		a.observe(info)
	}
}

// observe delivers info to every monitor watching its scope, and applies
// the CID tie-break rule against any of this adapter's own registrations
// advertising the same scope.
func (a *MDNSAdapter) observe(info client.BrokerInfo) {
	a.mu.Lock()
	var toFound, toUpdated []client.MonitorCallbacks
	for _, m := range a.monitors {
		if m.scope != info.Scope {
			continue
		}
		if seen, ok := m.known[info.ServiceInstanceName]; ok {
			seen.info = info
			seen.lastSeen = time.Now()
			toUpdated = append(toUpdated, m.cb)
		} else {
			m.known[info.ServiceInstanceName] = &seenBroker{info: info, lastSeen: time.Now()}
			toFound = append(toFound, m.cb)
		}
	}
	var lostSelf []*registration
	for _, r := range a.registrations {
		if r.conflict || r.info.Scope != info.Scope || r.info.CID == info.CID {
			continue
		}
		if r.info.CID.Compare(info.CID) >= 0 {
			continue // our CID is not smaller, so the other broker is the loser
		}
		r.conflict = true
		lostSelf = append(lostSelf, r)
	}
	a.mu.Unlock()

	for _, cb := range toFound {
		cb.BrokerFound(info)
	}
	for _, cb := range toUpdated {
		cb.BrokerUpdated(info)
	}
	for _, r := range lostSelf {
		a.logger.Warn().Str("scope", string(r.info.Scope)).Str("cid", r.info.CID.String()).
			Msg("discovery: withdrawing broker advertisement, lost CID tie-break")
	}
}

func (a *MDNSAdapter) send(msg *dns.Msg) {
	buf, err := msg.Pack()
	if err != nil {
		a.logger.Warn().Err(err).Msg("discovery: failed to pack mdns message")
		return
	}
	group, _ := net.ResolveUDPAddr("udp4", mdnsAddr)
	if _, err := a.conn.WriteToUDP(buf, group); err != nil {
		a.logger.Warn().Err(err).Msg("discovery: failed to send mdns message")
	}
}

// Close releases the adapter's multicast socket.
func (a *MDNSAdapter) Close() error {
	return a.conn.Close()
}

func trimDot(s string) string {
	if len(s) > 0 && s[len(s)-1] == '.' {
		return s[:len(s)-1]
	}
	return s
}

func splitHostPort(addr string) (string, uint16) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	var port uint16
	fmt.Sscanf(portStr, "%d", &port)
	return host, port
}

func parseCID(s string) (rdm.CID, error) {
	return rdm.ParseCID(s)
}

func parseUID(s string) rdm.UID {
	var mfr uint16
	var dev uint32
	fmt.Sscanf(s, "%04x:%08x", &mfr, &dev)
	return rdm.UID{Manufacturer: mfr, Device: dev}
}
