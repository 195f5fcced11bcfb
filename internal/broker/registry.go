// Package broker implements the RDMnet broker: the server side of the RPT
// connection protocol (spec.md §4.4 "Broker-side throttling"), accepting
// client TCP links, tracking connected clients, and routing RPT traffic
// between controllers and devices.
package broker

import (
	"sync"

	"github.com/patrickmn/go-cache"

	"rdmnet-go/internal/codec"
	"rdmnet-go/internal/rdm"
)

// ClientRecord is one connected RPT or EPT client as tracked by the
// broker, keyed by CID with UID as the addressable identity controllers
// and devices use on the wire. A UID belongs to at most one connected
// client: a Connect carrying a static UID already in use is rejected with
// ConnectStatusDuplicateUID.
type ClientRecord struct {
	CID   rdm.CID
	Entry codec.ClientEntry
	Scope rdm.Scope
	Conn  *ServerConn
}

// Registry tracks every currently-connected client. It is built on
// patrickmn/go-cache, the same session-store library used for
// idle-session tracking elsewhere in this codebase, with expiration
// disabled: a broker client's lifetime is the TCP connection's lifetime,
// not a TTL, so removal is always explicit (ServerConn.closeAndShutdown,
// through Service.onClientDisconnected), never janitor-driven.
type Registry struct {
	store *cache.Cache

	mu    sync.RWMutex
	byUID map[rdm.UID]*ClientRecord
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		store: cache.New(cache.NoExpiration, 0),
		byUID: make(map[rdm.UID]*ClientRecord),
	}
}

// Add registers rec, keyed by its CID and indexed by its UID.
func (r *Registry) Add(rec *ClientRecord) {
	r.store.Set(rec.CID.String(), rec, cache.NoExpiration)
	r.mu.Lock()
	r.byUID[rec.Entry.UID] = rec
	r.mu.Unlock()
}

// Remove drops cid from the registry.
func (r *Registry) Remove(cid rdm.CID) {
	if v, ok := r.store.Get(cid.String()); ok {
		rec := v.(*ClientRecord)
		r.mu.Lock()
		if r.byUID[rec.Entry.UID] == rec {
			delete(r.byUID, rec.Entry.UID)
		}
		r.mu.Unlock()
	}
	r.store.Delete(cid.String())
}

// ByCID looks up a client by its component ID.
func (r *Registry) ByCID(cid rdm.CID) (*ClientRecord, bool) {
	v, ok := r.store.Get(cid.String())
	if !ok {
		return nil, false
	}
	return v.(*ClientRecord), true
}

// ByUID looks up a client by its RDM UID.
func (r *Registry) ByUID(uid rdm.UID) (*ClientRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byUID[uid]
	return rec, ok
}

// HasUID reports whether uid is already claimed by a connected client,
// used to reject a Connect carrying a duplicate static UID.
func (r *Registry) HasUID(uid rdm.UID) bool {
	_, ok := r.ByUID(uid)
	return ok
}

// Snapshot returns every connected client's record. The returned slice is
// a point-in-time copy safe to range over without the registry's lock.
func (r *Registry) Snapshot() []*ClientRecord {
	items := r.store.Items()
	out := make([]*ClientRecord, 0, len(items))
	for _, item := range items {
		out = append(out, item.Object.(*ClientRecord))
	}
	return out
}

// Count returns the number of connected clients.
func (r *Registry) Count() int {
	return r.store.ItemCount()
}

// DynamicUIDAllocator assigns device IDs to dynamic-UID clients and
// third-party hardware requested via RequestDynamicUidList, keyed by
// hardware ID so the same hardware always receives the same UID for the
// life of the broker process (spec.md §3, §6).
type DynamicUIDAllocator struct {
	mu       sync.Mutex
	next     map[uint16]uint32
	assigned map[[6]byte]rdm.UID
	reverse  map[rdm.UID][6]byte
}

// NewDynamicUIDAllocator constructs an empty allocator.
func NewDynamicUIDAllocator() *DynamicUIDAllocator {
	return &DynamicUIDAllocator{
		next:     make(map[uint16]uint32),
		assigned: make(map[[6]byte]rdm.UID),
		reverse:  make(map[rdm.UID][6]byte),
	}
}

// Assign returns the UID for (manufacturerID, hardwareID), allocating a
// fresh device ID the first time this hardware ID is seen.
func (d *DynamicUIDAllocator) Assign(manufacturerID uint16, hardwareID [6]byte) rdm.UID {
	d.mu.Lock()
	defer d.mu.Unlock()
	if uid, ok := d.assigned[hardwareID]; ok {
		return uid
	}
	d.next[manufacturerID]++
	uid := rdm.UID{Manufacturer: manufacturerID, Device: d.next[manufacturerID]}
	d.assigned[hardwareID] = uid
	d.reverse[uid] = hardwareID
	return uid
}

// HardwareID returns the hardware ID a previously-assigned UID maps back
// to, for FetchDynamicUidList lookups.
func (d *DynamicUIDAllocator) HardwareID(uid rdm.UID) ([6]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	hw, ok := d.reverse[uid]
	return hw, ok
}

// hardwareIDFromCID derives a stand-in 6-byte hardware ID from a client's
// CID, used when a dynamic-UID client's ClientEntry carries no separate
// hardware address of its own (spec.md leaves the source of the hardware
// ID for a dynamic RPT client's own UID unspecified beyond "manufacturer
// bit 0x8000 marks dynamic, not yet assigned").
func hardwareIDFromCID(cid rdm.CID) [6]byte {
	var hw [6]byte
	copy(hw[:], cid[10:16])
	return hw
}
