// Package rdm holds the identifiers and command/response types shared by
// every RDMnet transport: the 48-bit RDM UID, the 128-bit component CID,
// and the bounded RDM command/response payload (ANSI E1.20).
package rdm

import (
	"fmt"

	"github.com/google/uuid"
)

// UID is a 48-bit RDM unit identifier: a 16-bit manufacturer ID and a
// 32-bit device ID (ANSI E1.20).
type UID struct {
	Manufacturer uint16
	Device       uint32
}

// BroadcastUID addresses every device in a scope.
var BroadcastUID = UID{Manufacturer: 0xFFFF, Device: 0xFFFFFFFF}

// DynamicUIDRequestBit marks a manufacturer ID as "dynamic, not yet
// assigned" inside a dynamic-UID request (spec.md §3).
const DynamicUIDRequestBit uint16 = 0x8000

// IsDynamic reports whether the manufacturer ID carries the dynamic bit.
func (u UID) IsDynamic() bool {
	return u.Manufacturer&DynamicUIDRequestBit != 0
}

// IsBroadcast reports whether u addresses every device.
func (u UID) IsBroadcast() bool {
	return u == BroadcastUID
}

func (u UID) String() string {
	return fmt.Sprintf("%04x:%08x", u.Manufacturer, u.Device)
}

// Compare orders two UIDs numerically by (manufacturer, device), the
// ordering the LLRP Manager's binary-search discovery walks (spec.md §4.6).
func (u UID) Compare(other UID) int {
	switch {
	case u.Manufacturer != other.Manufacturer:
		if u.Manufacturer < other.Manufacturer {
			return -1
		}
		return 1
	case u.Device != other.Device:
		if u.Device < other.Device {
			return -1
		}
		return 1
	default:
		return 0
	}
}

// CID identifies a single component instance (RDMnet component, LLRP
// target or manager). It is a standard 128-bit UUID.
type CID uuid.UUID

// NewCID generates a random (v4) CID.
func NewCID() CID {
	return CID(uuid.New())
}

// NilCID is the zero-value CID, used as a sentinel for "not yet assigned".
var NilCID = CID(uuid.Nil)

// ParseCID parses a CID's standard UUID string form.
func ParseCID(s string) (CID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return CID{}, err
	}
	return CID(u), nil
}

func (c CID) String() string {
	return uuid.UUID(c).String()
}

// Compare orders two CIDs numerically. Used by the discovery tie-break
// rule (spec.md §6): the CID that compares smaller is the "loser".
func (c CID) Compare(other CID) int {
	a, b := uuid.UUID(c), uuid.UUID(other)
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Endpoint addresses a sub-device within a responder. 0 is the root
// endpoint, 0xFFFF is the endpoint broadcast address.
type Endpoint uint16

const (
	RootEndpoint      Endpoint = 0
	BroadcastEndpoint Endpoint = 0xFFFF
)

// Scope is the logical RDMnet network name carried on CONNECT (spec.md §3).
type Scope string

// DefaultScope is the well-known scope name used when none is configured.
const DefaultScope Scope = "default"

// MaxScopeLen is the maximum encoded length of a scope string, in bytes.
const MaxScopeLen = 62

// Valid reports whether s satisfies the length and encoding constraints
// for a scope string.
func (s Scope) Valid() bool {
	if len(s) == 0 || len(s) > MaxScopeLen {
		return false
	}
	for _, r := range string(s) {
		if r == 0 {
			return false
		}
	}
	return true
}
