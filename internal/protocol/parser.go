package protocol

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Parse decodes one inbound out-of-band datagram. The returned Message is
// one of Heartbeat, InfoResponse, GetServers or GetServersExt.
func Parse(data []byte) (Message, error) {
	if len(data) < len(OOBHeader) || !bytes.HasPrefix(data, OOBHeader) {
		return nil, ErrNotOOB
	}
	body := string(data[len(OOBHeader):])

	switch {
	case strings.HasPrefix(body, CmdHeartbeat):
		return parseHeartbeat(body[len(CmdHeartbeat):])
	case strings.HasPrefix(body, CmdInfoResponse):
		return parseInfoResponse(body[len(CmdInfoResponse):])
	// getserversExt shares its prefix with getservers, so it goes first.
	case strings.HasPrefix(body, CmdGetServersExt):
		return parseGetServersExt(body[len(CmdGetServersExt):])
	case strings.HasPrefix(body, CmdGetServers):
		return parseGetServers(body[len(CmdGetServers):])
	default:
		command := body
		if i := strings.IndexAny(command, " \n\\"); i >= 0 {
			command = command[:i]
		}
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, command)
	}
}

// parseHeartbeat reads the protocol tag from the rest of the heartbeat
// line: "heartbeat DarkPlaces\n".
func parseHeartbeat(rest string) (Message, error) {
	if line, _, found := strings.Cut(rest, "\n"); found {
		rest = line
	}
	tag := strings.TrimSpace(rest)
	if tag == "" {
		return nil, fmt.Errorf("%w: heartbeat without a protocol tag", ErrMalformed)
	}
	return Heartbeat{Tag: tag}, nil
}

// parseInfoResponse finds the infostring after the command word. The
// payload conventionally starts on the next line but some servers skip
// straight to the first separator.
func parseInfoResponse(rest string) (Message, error) {
	i := strings.IndexByte(rest, '\\')
	if i < 0 {
		return nil, fmt.Errorf("%w: infoResponse without an infostring", ErrMalformed)
	}
	return InfoResponse{Info: ParseInfoString(rest[i:])}, nil
}

// parseGetServers reads "getservers [game] protocol [empty] [full]". The
// game name is optional; legacy clients send the protocol number directly
// and get the master's default game.
func parseGetServers(rest string) (Message, error) {
	fields := strings.Fields(firstLine(rest))
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: getservers without a protocol number", ErrMalformed)
	}

	msg := GetServers{}
	if _, err := strconv.ParseInt(fields[0], 10, 32); err != nil {
		msg.Game = fields[0]
		fields = fields[1:]
		if len(fields) == 0 {
			return nil, fmt.Errorf("%w: getservers without a protocol number", ErrMalformed)
		}
	}

	protocol, err := strconv.ParseInt(fields[0], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: bad protocol number %q", ErrMalformed, fields[0])
	}
	msg.Protocol = int32(protocol)

	for _, opt := range fields[1:] {
		switch opt {
		case "empty":
			msg.Empty = true
		case "full":
			msg.Full = true
		}
	}
	return msg, nil
}

// parseGetServersExt reads "getserversExt game protocol [empty] [full]
// [ipv4] [ipv6]". The game name is mandatory here; the family words narrow
// the answer to one family.
func parseGetServersExt(rest string) (Message, error) {
	fields := strings.Fields(firstLine(rest))
	if len(fields) < 2 {
		return nil, fmt.Errorf("%w: getserversExt needs a game name and a protocol number", ErrMalformed)
	}

	protocol, err := strconv.ParseInt(fields[1], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: bad protocol number %q", ErrMalformed, fields[1])
	}

	msg := GetServersExt{Game: fields[0], Protocol: int32(protocol)}
	var v4, v6 bool
	for _, opt := range fields[2:] {
		switch opt {
		case "empty":
			msg.Empty = true
		case "full":
			msg.Full = true
		case "ipv4":
			v4 = true
		case "ipv6":
			v6 = true
		}
	}
	msg.WantIPv4 = v4 || !v6
	msg.WantIPv6 = v6 || !v4
	return msg, nil
}

func firstLine(s string) string {
	if line, _, found := strings.Cut(s, "\n"); found {
		return line
	}
	return s
}
