// Package protocol implements the out-of-band datagram protocol spoken
// between game servers, clients and the master. Every message is a single
// UDP datagram prefixed with four 0xFF bytes, followed by a command word
// and its arguments. Servers announce themselves with heartbeats and answer
// getinfo probes; clients ask for server lists with getservers and its
// dual-stack extension.
package protocol

import "errors"

// OOBHeader opens every out-of-band datagram.
var OOBHeader = []byte{0xFF, 0xFF, 0xFF, 0xFF}

// Command words. The master consumes the first group and emits the second.
const (
	CmdHeartbeat     = "heartbeat"
	CmdInfoResponse  = "infoResponse"
	CmdGetServers    = "getservers"
	CmdGetServersExt = "getserversExt"

	CmdGetInfo               = "getinfo"
	CmdGetServersResponse    = "getserversResponse"
	CmdGetServersExtResponse = "getserversExtResponse"
)

// Datagram sizing. Inbound reads use MaxDatagramSize; outbound responses
// are chunked so each datagram stays at or below MaxPacketSize, which keeps
// them under a typical path MTU.
const (
	MaxDatagramSize = 2048
	MaxPacketSize   = 1400
)

var (
	ErrNotOOB         = errors.New("datagram is not out-of-band")
	ErrUnknownCommand = errors.New("unknown command")
	ErrMalformed      = errors.New("malformed message")
)

// Message is one parsed inbound datagram.
type Message interface {
	message()
}

// Heartbeat is a server announcing itself. The tag names the protocol
// family the server speaks ("DarkPlaces" for the native flavour); the
// authoritative game name arrives later in the infoResponse.
type Heartbeat struct {
	Tag string
}

// InfoResponse carries the server's answer to a getinfo probe.
type InfoResponse struct {
	Info InfoString
}

// GetServers is a client asking for the IPv4 server list. An empty Game
// means the master's default game.
type GetServers struct {
	Game     string
	Protocol int32
	Empty    bool
	Full     bool
}

// GetServersExt is the dual-stack list query. WantIPv4 and WantIPv6 are
// both set unless the client restricted the answer to one family.
type GetServersExt struct {
	Game     string
	Protocol int32
	Empty    bool
	Full     bool
	WantIPv4 bool
	WantIPv6 bool
}

func (Heartbeat) message()     {}
func (InfoResponse) message()  {}
func (GetServers) message()    {}
func (GetServersExt) message() {}
