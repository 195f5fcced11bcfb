// Package rptconn implements the RPT Connection state machine: one
// instance per client-to-broker TCP link, driven entirely from the
// transport.PollCore goroutine (spec.md §4.4).
package rptconn

import (
	"rdmnet-go/internal/codec"
	"rdmnet-go/internal/rdm"
)

// State is one of the six states a Connection may occupy.
type State int

const (
	NotConnected State = iota
	Connecting
	BackoffPending
	RdmnetConnPending
	Heartbeat
	Shutdown
)

func (s State) String() string {
	switch s {
	case NotConnected:
		return "NotConnected"
	case Connecting:
		return "Connecting"
	case BackoffPending:
		return "BackoffPending"
	case RdmnetConnPending:
		return "RdmnetConnPending"
	case Heartbeat:
		return "Heartbeat"
	case Shutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

// ConnectFailReason classifies why a connection attempt did not reach
// Heartbeat (spec.md §4.4).
type ConnectFailReason int

const (
	FailTCP ConnectFailReason = iota
	FailNoReply
	FailRejected
	FailRedirectLoop
)

func (r ConnectFailReason) String() string {
	switch r {
	case FailTCP:
		return "tcp"
	case FailNoReply:
		return "no_reply"
	case FailRejected:
		return "rejected"
	case FailRedirectLoop:
		return "redirect_loop"
	default:
		return "unknown"
	}
}

// DisconnectReason classifies why a Heartbeat connection moved to Shutdown.
type DisconnectReason int

const (
	DisconnectNoHeartbeat DisconnectReason = iota
	DisconnectRemote
	DisconnectSocket
	DisconnectUser
)

func (r DisconnectReason) String() string {
	switch r {
	case DisconnectNoHeartbeat:
		return "no_heartbeat"
	case DisconnectRemote:
		return "remote"
	case DisconnectSocket:
		return "socket"
	case DisconnectUser:
		return "user"
	default:
		return "unknown"
	}
}

// Callbacks are invoked from the PollCore goroutine with no connection
// locks held (spec.md §4.7 "Callback reentrance"). Implementations must
// not block.
type Callbacks interface {
	Connected(handle uint64)
	ConnectFailed(handle uint64, reason ConnectFailReason, status codec.ConnectStatus)
	Disconnected(handle uint64, reason DisconnectReason, detail string)
	RdmCommandReceived(handle uint64, hdr codec.RptHeader, cmd rdm.Command)
	RdmResponseReceived(handle uint64, hdr codec.RptHeader, resp rdm.Response)
	StatusReceived(handle uint64, hdr codec.RptHeader, code codec.RPTStatusCode, msg string)

	// BrokerMessage surfaces any broker-layer PDU the Connection itself
	// does not interpret (ClientList, ClientAdd/Remove, dynamic-UID
	// traffic) to the owning Client façade.
	BrokerMessage(handle uint64, vector uint16, payload []byte)
}
