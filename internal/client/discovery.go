// Package client implements the Client façade: a controller, device, or
// EPT-client instance composing one rptconn.Connection per scope with one
// shared llrp.Target, and the external DiscoveryAdapter interface it
// consumes to find brokers (spec.md §4.7, §6).
package client

import "rdmnet-go/internal/rdm"

// BrokerInfo describes one discovered (or self-registered) broker
// (spec.md §6 "DiscoveryAdapter interface").
type BrokerInfo struct {
	CID                 rdm.CID
	UID                 rdm.UID
	ServiceInstanceName string
	ListenAddrs         []string
	Scope               rdm.Scope
	Manufacturer        string
	Model               string
	Extras              map[string]string
}

// ScopeConfig parameterizes a monitoring session.
type ScopeConfig struct {
	Scope rdm.Scope
}

// MonitorCallbacks receives broker discovery events (spec.md §6).
type MonitorCallbacks interface {
	BrokerFound(info BrokerInfo)
	BrokerUpdated(info BrokerInfo)
	BrokerLost(serviceName string, cid rdm.CID)
}

// DiscoveryAdapter is the external interface a Client (to find brokers)
// and a broker (to advertise itself and apply the CID tie-break rule
// against conflicting brokers on the same scope) both consume (spec.md
// §6 "DiscoveryAdapter interface (consumed)").
type DiscoveryAdapter interface {
	StartMonitoring(cfg ScopeConfig, cb MonitorCallbacks) (uint64, error)
	StopMonitoring(handle uint64)

	// RegisterBroker advertises this process as a broker for info.Scope
	// and returns a handle for DeregisterBroker. Implementations must
	// also begin monitoring the same scope for conflicting brokers and
	// apply the CID tie-break rule (spec.md §6).
	RegisterBroker(info BrokerInfo) (uint64, error)
	DeregisterBroker(handle uint64)
}
