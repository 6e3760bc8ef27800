package protocol

import (
	"bytes"
	"strings"
	"testing"
)

func v4Entry(a, b, c, d byte, port uint16) ServerEntry {
	return ServerEntry{IP: [16]byte{0: a, 1: b, 2: c, 3: d}, Port: port}
}

func TestBuildGetInfo(t *testing.T) {
	got := BuildGetInfo("A_ch4Lleng3")
	want := append(append([]byte(nil), OOBHeader...), "getinfo A_ch4Lleng3"...)
	if !bytes.Equal(got, want) {
		t.Errorf("BuildGetInfo = %q, want %q", got, want)
	}
}

func TestGetServersResponseWireFormat(t *testing.T) {
	packets := BuildGetServersResponse([]ServerEntry{
		v4Entry(192, 0, 2, 1, 27960),
		v4Entry(10, 11, 12, 13, 26000),
	}, MaxPacketSize)
	if len(packets) != 1 {
		t.Fatalf("got %d packets, want 1", len(packets))
	}

	var want bytes.Buffer
	want.Write(OOBHeader)
	want.WriteString(CmdGetServersResponse)
	want.Write([]byte{'\\', 192, 0, 2, 1, 0x6D, 0x38})    // 27960 = 0x6D38
	want.Write([]byte{'\\', 10, 11, 12, 13, 0x65, 0x90})  // 26000 = 0x6590
	want.WriteString(endOfTransmission)

	if !bytes.Equal(packets[0], want.Bytes()) {
		t.Errorf("packet = %q, want %q", packets[0], want.Bytes())
	}
}

func TestGetServersResponseChunking(t *testing.T) {
	entries := make([]ServerEntry, 5)
	for i := range entries {
		entries[i] = v4Entry(10, 0, 0, byte(i+1), 27960)
	}

	// Room for just one entry per packet.
	maxSize := len(OOBHeader) + len(CmdGetServersResponse) + entrySizeIPv4 + len(endOfTransmission)
	packets := BuildGetServersResponse(entries, maxSize)
	if len(packets) != 5 {
		t.Fatalf("got %d packets, want 5", len(packets))
	}

	prefix := append(append([]byte(nil), OOBHeader...), CmdGetServersResponse...)
	total := 0
	for i, pkt := range packets {
		if len(pkt) > maxSize {
			t.Errorf("packet %d is %d bytes, exceeds %d", i, len(pkt), maxSize)
		}
		if !bytes.HasPrefix(pkt, prefix) {
			t.Errorf("packet %d does not start with the response header", i)
		}
		body := pkt[len(prefix):]
		hasEOT := bytes.HasSuffix(body, []byte(endOfTransmission))
		if hasEOT != (i == len(packets)-1) {
			t.Errorf("packet %d EOT marker = %v", i, hasEOT)
		}
		if hasEOT {
			body = body[:len(body)-len(endOfTransmission)]
		}
		if len(body)%entrySizeIPv4 != 0 {
			t.Fatalf("packet %d body length %d is not a whole number of entries", i, len(body))
		}
		total += len(body) / entrySizeIPv4
	}
	if total != len(entries) {
		t.Errorf("recovered %d entries across packets, want %d", total, len(entries))
	}
}

func TestGetServersExtResponseMixedFamilies(t *testing.T) {
	v6 := ServerEntry{IPv6: true, Port: 26000}
	copy(v6.IP[:], []byte{0x20, 0x01, 0x0d, 0xb8, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 7})

	packets := BuildGetServersExtResponse([]ServerEntry{
		v4Entry(192, 0, 2, 1, 27960),
		v6,
	}, MaxPacketSize)
	if len(packets) != 1 {
		t.Fatalf("got %d packets, want 1", len(packets))
	}

	var want bytes.Buffer
	want.Write(OOBHeader)
	want.WriteString(CmdGetServersExtResponse)
	want.Write([]byte{'\\', 192, 0, 2, 1, 0x6D, 0x38})
	want.WriteByte('/')
	want.Write(v6.IP[:])
	want.Write([]byte{0x65, 0x90})
	want.WriteString(endOfTransmission)

	if !bytes.Equal(packets[0], want.Bytes()) {
		t.Errorf("packet = %q, want %q", packets[0], want.Bytes())
	}
}

func TestEmptyResponseStillClosed(t *testing.T) {
	packets := BuildGetServersResponse(nil, MaxPacketSize)
	if len(packets) != 1 {
		t.Fatalf("got %d packets, want 1", len(packets))
	}
	want := append(append([]byte(nil), OOBHeader...), CmdGetServersResponse+endOfTransmission...)
	if !bytes.Equal(packets[0], want) {
		t.Errorf("packet = %q, want bare EOT response %q", packets[0], want)
	}
}

func TestNewChallengeProperties(t *testing.T) {
	for i := 0; i < 200; i++ {
		c := NewChallenge(nil)
		if len(c) < ChallengeMinLength || len(c) > ChallengeMaxLength {
			t.Fatalf("challenge %q has length %d, want %d..%d",
				c, len(c), ChallengeMinLength, ChallengeMaxLength)
		}
		if strings.ContainsAny(c, "\\;\"%/") {
			t.Fatalf("challenge %q contains a separator character", c)
		}
		for _, r := range c {
			if r < 33 || r > 126 {
				t.Fatalf("challenge %q contains non-printable %q", c, r)
			}
		}
	}
}

func TestNewChallengeDeterministicWithInjectedRand(t *testing.T) {
	zero := func(int) int { return 0 }
	c := NewChallenge(zero)
	if len(c) != ChallengeMinLength {
		t.Errorf("len = %d, want the minimum %d", len(c), ChallengeMinLength)
	}
	if c != strings.Repeat(string(challengeAlphabet[0]), ChallengeMinLength) {
		t.Errorf("challenge = %q, want a run of %q", c, challengeAlphabet[0])
	}
}
