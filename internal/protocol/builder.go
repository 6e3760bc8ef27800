package protocol

import (
	"bytes"
	"encoding/binary"
)

// ServerEntry is one endpoint in a getservers response. IPv4 entries use
// the first four bytes of IP.
type ServerEntry struct {
	IPv6 bool
	IP   [16]byte
	Port uint16
}

// entry sizes on the wire: a separator byte, the address, a big-endian port
const (
	entrySizeIPv4 = 1 + 4 + 2
	entrySizeIPv6 = 1 + 16 + 2
)

// endOfTransmission closes the last packet of a response.
const endOfTransmission = "\\EOT\x00\x00\x00"

// BuildGetInfo builds the liveness probe sent to a server after its
// heartbeat. The server echoes the challenge in its infoResponse.
func BuildGetInfo(challenge string) []byte {
	var buf bytes.Buffer
	buf.Write(OOBHeader)
	buf.WriteString(CmdGetInfo)
	buf.WriteByte(' ')
	buf.WriteString(challenge)
	return buf.Bytes()
}

// BuildGetServersResponse packs IPv4 entries into getserversResponse
// datagrams of at most maxSize bytes each. The last one carries the EOT
// marker; an empty entry list still produces that final packet.
func BuildGetServersResponse(entries []ServerEntry, maxSize int) [][]byte {
	return buildEntryPackets(CmdGetServersResponse, entries, maxSize)
}

// BuildGetServersExtResponse is the dual-stack variant: IPv4 entries keep
// the '\' separator, IPv6 entries use '/' and the full sixteen bytes.
func BuildGetServersExtResponse(entries []ServerEntry, maxSize int) [][]byte {
	return buildEntryPackets(CmdGetServersExtResponse, entries, maxSize)
}

func buildEntryPackets(command string, entries []ServerEntry, maxSize int) [][]byte {
	prefixLen := len(OOBHeader) + len(command)
	var packets [][]byte

	var buf bytes.Buffer
	begin := func() {
		buf.Reset()
		buf.Write(OOBHeader)
		buf.WriteString(command)
	}
	flush := func() {
		packets = append(packets, append([]byte(nil), buf.Bytes()...))
	}

	begin()
	for _, entry := range entries {
		need := entrySizeIPv4
		if entry.IPv6 {
			need = entrySizeIPv6
		}
		// Every packet keeps room for the EOT marker, so closing the
		// response never overflows the last one.
		if buf.Len() > prefixLen && buf.Len()+need > maxSize-len(endOfTransmission) {
			flush()
			begin()
		}
		if entry.IPv6 {
			buf.WriteByte('/')
			buf.Write(entry.IP[:])
		} else {
			buf.WriteByte('\\')
			buf.Write(entry.IP[:4])
		}
		var port [2]byte
		binary.BigEndian.PutUint16(port[:], entry.Port)
		buf.Write(port[:])
	}
	buf.WriteString(endOfTransmission)
	flush()
	return packets
}
