// Command llrpctl runs one LLRP discovery sweep against the local link
// and prints every responding target (spec.md §4.6), a diagnostic tool
// in the spirit of a secondary flag-based binary alongside the primary
// cobra-driven broker.
package main

import (
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"rdmnet-go/internal/codec"
	"rdmnet-go/internal/llrp"
	"rdmnet-go/internal/rdm"
	"rdmnet-go/internal/transport"
)

func main() {
	logLevel := flag.String("log-level", "warn", "Log level: debug/info/warn/error")
	timeout := flag.Duration("timeout", 10*time.Second, "How long to wait for the discovery sweep to finish")
	brokersOnly := flag.Bool("brokers-only", false, "Only probe for brokers")
	flag.Parse()

	zerolog.SetGlobalLevel(parseLevel(*logLevel))
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	core := transport.NewPollCore()
	go core.Run()
	defer core.Stop()

	cb := &cliCallbacks{done: make(chan struct{})}
	managerUID := rdm.UID{Manufacturer: rdm.DynamicUIDRequestBit | 0x7a70, Device: 0}
	mgr, err := llrp.NewManager(core, rdm.NewCID(), managerUID, cb)
	if err != nil {
		log.Fatal().Err(err).Msg("llrpctl: failed to start discovery manager")
	}
	defer mgr.Close()

	var filter codec.ProbeRequestFilter
	if *brokersOnly {
		filter = codec.FilterBrokersOnly
	}
	fmt.Println("llrpctl: starting discovery sweep...")
	mgr.Start(filter)

	select {
	case <-cb.done:
	case <-time.After(*timeout):
		fmt.Println("llrpctl: timed out waiting for discovery to finish")
	}

	targets := cb.snapshot()
	fmt.Printf("llrpctl: %d target(s) found\n", len(targets))
	for _, t := range targets {
		fmt.Printf("  uid=%s cid=%s\n", t.UID, t.CID)
	}
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.WarnLevel
	}
}

// cliCallbacks implements llrp.ManagerCallbacks, accumulating discovered
// targets for a one-shot CLI sweep.
type cliCallbacks struct {
	mu      sync.Mutex
	targets []llrp.DiscoveredTarget
	done    chan struct{}
	closed  bool
}

func (c *cliCallbacks) TargetDiscovered(t llrp.DiscoveredTarget) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.targets = append(c.targets, t)
}

func (c *cliCallbacks) DiscoveryFinished() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}

func (c *cliCallbacks) RdmResponseReceived(resp rdm.Response, transactionNum uint32) {}

func (c *cliCallbacks) snapshot() []llrp.DiscoveredTarget {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]llrp.DiscoveredTarget, len(c.targets))
	copy(out, c.targets)
	return out
}
