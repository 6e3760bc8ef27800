package registry

import (
	"net"

	"github.com/lighthouse-project/lighthouse/internal/addrmap"
)

// State describes a slot's lifecycle. Everything above StateUnused occupies
// a slot and sits in a hash bucket; everything above StateUninitialized has
// answered a getinfo probe and may be published to clients.
type State int

const (
	StateUnused State = iota
	StateUninitialized
	StateEmpty
	StateOccupied
	StateFull
)

var stateWords = map[State]string{
	StateUnused:        "unused",
	StateUninitialized: "notInitialized",
	StateEmpty:         "empty",
	StateOccupied:      "occupied",
	StateFull:          "full",
}

// String returns the snapshot word for the state.
func (s State) String() string {
	if word, ok := stateWords[s]; ok {
		return word
	}
	return "unknown"
}

// MarshalJSON serializes the state as its snapshot word.
func (s State) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Server is one slot of the registry. Slots are preallocated and reused;
// State tells whether the slot currently holds a live record. Fields are
// written only by registry methods, under the registry lock.
type Server struct {
	Address Address
	// UDPAddr is the socket address the server registered from, kept in
	// its original form for diagnostics.
	UDPAddr *net.UDPAddr

	State State
	// Timeout is the absolute second the record dies at. A record whose
	// timeout is strictly in the past is evicted by the next activity
	// check that touches it.
	Timeout int64

	GameName string
	Protocol int32
	GameType int32
	MapName  string
	HostName string

	Challenge        string
	ChallengeTimeout int64

	// Mapping is the address substitution applied when this server is
	// published, nil when none matched at registration time.
	Mapping *addrmap.Mapping

	// bucket links, as slot indices
	prev int
	next int
}
