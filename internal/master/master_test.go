package master

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sort"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/lighthouse-project/lighthouse/internal/addrmap"
	"github.com/lighthouse-project/lighthouse/internal/clock"
	"github.com/lighthouse-project/lighthouse/internal/config"
	"github.com/lighthouse-project/lighthouse/internal/events"
	"github.com/lighthouse-project/lighthouse/internal/games"
	"github.com/lighthouse-project/lighthouse/internal/protocol"
	"github.com/lighthouse-project/lighthouse/internal/registry"
)

type testMaster struct {
	*Master
	clk    *clock.Clock
	reg    *registry.Registry
	policy *games.Policy
}

// newTestMaster wires a handler around a small registry with a pinned
// clock. mappings may be nil.
func newTestMaster(t *testing.T, mappings *addrmap.Table) *testMaster {
	t.Helper()
	clk := clock.New()
	clk.Set(1000)
	reg, err := registry.New(registry.DefaultOptions(), clk, mappings, zerolog.Nop())
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	policy := games.NewPolicy(zerolog.Nop())
	bus := events.NewEventBus()
	t.Cleanup(bus.Stop)

	cfg := config.DefaultConfig()
	return &testMaster{
		Master: New(cfg, reg, policy, clk, bus, nil),
		clk:    clk,
		reg:    reg,
		policy: policy,
	}
}

func udp(host string, port int) *net.UDPAddr {
	ip := net.ParseIP(host)
	if ip == nil {
		panic("bad address literal " + host)
	}
	return &net.UDPAddr{IP: ip, Port: port}
}

func oob(body string) []byte {
	return append(append([]byte{}, protocol.OOBHeader...), body...)
}

// heartbeat announces addr and returns the challenge from the getinfo
// probe sent back.
func (tm *testMaster) heartbeat(t *testing.T, addr *net.UDPAddr) string {
	t.Helper()
	replies := tm.HandlePacket(context.Background(), oob("heartbeat DarkPlaces\x0A"), addr)
	if len(replies) != 1 {
		t.Fatalf("heartbeat replies = %d, want 1", len(replies))
	}
	prefix := string(protocol.OOBHeader) + protocol.CmdGetInfo + " "
	reply := string(replies[0])
	if !strings.HasPrefix(reply, prefix) {
		t.Fatalf("heartbeat reply = %q, want a getinfo probe", reply)
	}
	return reply[len(prefix):]
}

// infoPacket builds an infoResponse datagram answering challenge. over
// replaces default field values; an empty value drops the field, a key
// outside the defaults is appended.
func infoPacket(challenge string, over map[string]string) []byte {
	fields := []struct{ key, value string }{
		{"challenge", challenge},
		{"gamename", "DarkPlaces"},
		{"protocol", "3"},
		{"sv_maxclients", "16"},
		{"clients", "4"},
		{"mapname", "aggressor"},
		{"hostname", "test server"},
	}

	var b strings.Builder
	b.WriteString(protocol.CmdInfoResponse)
	b.WriteString("\x0A")
	known := make(map[string]bool, len(fields))
	for _, f := range fields {
		known[f.key] = true
		value := f.value
		if v, ok := over[f.key]; ok {
			value = v
		}
		if value == "" {
			continue
		}
		b.WriteString("\\" + f.key + "\\" + value)
	}
	var extra []string
	for k := range over {
		if !known[k] && over[k] != "" {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	for _, k := range extra {
		b.WriteString("\\" + k + "\\" + over[k])
	}
	return oob(b.String())
}

// register walks addr through the full handshake.
func (tm *testMaster) register(t *testing.T, addr *net.UDPAddr, over map[string]string) {
	t.Helper()
	challenge := tm.heartbeat(t, addr)
	tm.HandlePacket(context.Background(), infoPacket(challenge, over), addr)
}

// record fetches the registry record for addr.
func (tm *testMaster) record(t *testing.T, addr *net.UDPAddr) *registry.Server {
	t.Helper()
	sv, err := tm.reg.GetOrAdd(addr, false)
	if err != nil {
		t.Fatalf("no record for %s: %v", addr, err)
	}
	return sv
}

func (tm *testMaster) query(t *testing.T, q string) [][]byte {
	t.Helper()
	return tm.HandlePacket(context.Background(), oob(q), udp("198.51.100.9", 54321))
}

// decodeServersResponse unpacks a single getserversResponse packet into
// "ip:port" strings, checking the trailing EOT marker.
func decodeServersResponse(t *testing.T, pkt []byte) []string {
	t.Helper()
	prefix := string(protocol.OOBHeader) + protocol.CmdGetServersResponse
	if !strings.HasPrefix(string(pkt), prefix) {
		t.Fatalf("reply = %q, want a getserversResponse", pkt)
	}
	rest := pkt[len(prefix):]
	var entries []string
	for len(rest) > 0 {
		if string(rest) == "\\EOT\x00\x00\x00" {
			return entries
		}
		if len(rest) < 7 || rest[0] != '\\' {
			t.Fatalf("malformed entry bytes %q", rest)
		}
		ip := net.IP(rest[1:5])
		port := binary.BigEndian.Uint16(rest[5:7])
		entries = append(entries, fmt.Sprintf("%s:%d", ip, port))
		rest = rest[7:]
	}
	t.Fatal("reply without an EOT marker")
	return nil
}

// decodeServersExtResponse is the dual-stack variant: '\' opens an IPv4
// entry, '/' an IPv6 one.
func decodeServersExtResponse(t *testing.T, pkt []byte) []string {
	t.Helper()
	prefix := string(protocol.OOBHeader) + protocol.CmdGetServersExtResponse
	if !strings.HasPrefix(string(pkt), prefix) {
		t.Fatalf("reply = %q, want a getserversExtResponse", pkt)
	}
	rest := pkt[len(prefix):]
	var entries []string
	for len(rest) > 0 {
		if string(rest) == "\\EOT\x00\x00\x00" {
			return entries
		}
		switch rest[0] {
		case '\\':
			if len(rest) < 7 {
				t.Fatalf("truncated IPv4 entry %q", rest)
			}
			ip := net.IP(rest[1:5])
			port := binary.BigEndian.Uint16(rest[5:7])
			entries = append(entries, fmt.Sprintf("%s:%d", ip, port))
			rest = rest[7:]
		case '/':
			if len(rest) < 19 {
				t.Fatalf("truncated IPv6 entry %q", rest)
			}
			ip := net.IP(rest[1:17])
			port := binary.BigEndian.Uint16(rest[17:19])
			entries = append(entries, fmt.Sprintf("[%s]:%d", ip, port))
			rest = rest[19:]
		default:
			t.Fatalf("bad entry separator 0x%02X", rest[0])
		}
	}
	t.Fatal("reply without an EOT marker")
	return nil
}

func joinSorted(entries []string) string {
	sorted := append([]string(nil), entries...)
	sort.Strings(sorted)
	return strings.Join(sorted, " ")
}

func TestHeartbeatSendsGetInfo(t *testing.T) {
	tm := newTestMaster(t, nil)
	addr := udp("192.0.2.10", 26000)

	challenge := tm.heartbeat(t, addr)
	if n := len(challenge); n < protocol.ChallengeMinLength || n > protocol.ChallengeMaxLength {
		t.Errorf("challenge length = %d, want %d..%d", n, protocol.ChallengeMinLength, protocol.ChallengeMaxLength)
	}

	sv := tm.record(t, addr)
	if sv.State != registry.StateUninitialized {
		t.Errorf("state after heartbeat = %v, want notInitialized", sv.State)
	}
	if sv.Challenge != challenge {
		t.Errorf("stored challenge = %q, want %q", sv.Challenge, challenge)
	}
	if got := tm.CounterValues().Heartbeats; got != 1 {
		t.Errorf("Heartbeats = %d, want 1", got)
	}
}

func TestServerVerification(t *testing.T) {
	tm := newTestMaster(t, nil)

	cases := []struct {
		name    string
		clients string
		want    registry.State
	}{
		{"empty", "0", registry.StateEmpty},
		{"occupied", "4", registry.StateOccupied},
		{"full", "16", registry.StateFull},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			addr := udp("192.0.2.10", 26000+i)
			tm.register(t, addr, map[string]string{"clients": tc.clients})
			if sv := tm.record(t, addr); sv.State != tc.want {
				t.Errorf("state = %v, want %v", sv.State, tc.want)
			}
		})
	}

	sv := tm.record(t, udp("192.0.2.10", 26001))
	if sv.GameName != "DarkPlaces" || sv.Protocol != 3 {
		t.Errorf("record = %s protocol %d, want DarkPlaces protocol 3", sv.GameName, sv.Protocol)
	}
	if sv.MapName != "aggressor" || sv.HostName != "test server" {
		t.Errorf("record map %q host %q, want aggressor / test server", sv.MapName, sv.HostName)
	}
	if want := tm.clk.Now() + registry.InfoResponseLife; sv.Timeout != want {
		t.Errorf("Timeout = %d, want %d", sv.Timeout, want)
	}
	if got := tm.CounterValues().InfoResponses; got != 3 {
		t.Errorf("InfoResponses = %d, want 3", got)
	}
}

func TestInfoResponseUnknownSender(t *testing.T) {
	tm := newTestMaster(t, nil)

	// No heartbeat first: the infoResponse must not create a record.
	tm.HandlePacket(context.Background(), infoPacket("whatever", nil), udp("192.0.2.77", 26000))

	if n := tm.reg.Len(); n != 0 {
		t.Errorf("registry length = %d, want 0", n)
	}
	if got := tm.CounterValues().InfoResponses; got != 1 {
		t.Errorf("InfoResponses = %d, want 1", got)
	}
}

func TestChallengeValidation(t *testing.T) {
	t.Run("wrong challenge", func(t *testing.T) {
		tm := newTestMaster(t, nil)
		addr := udp("192.0.2.20", 26000)
		tm.heartbeat(t, addr)

		tm.HandlePacket(context.Background(), infoPacket("not-the-challenge", nil), addr)
		if sv := tm.record(t, addr); sv.State != registry.StateUninitialized {
			t.Errorf("state = %v, want notInitialized", sv.State)
		}
		if got := tm.CounterValues().ChallengeMismatches; got != 1 {
			t.Errorf("ChallengeMismatches = %d, want 1", got)
		}
	})

	t.Run("missing challenge", func(t *testing.T) {
		tm := newTestMaster(t, nil)
		addr := udp("192.0.2.21", 26000)
		tm.heartbeat(t, addr)

		tm.HandlePacket(context.Background(), infoPacket("", map[string]string{"challenge": ""}), addr)
		if sv := tm.record(t, addr); sv.State != registry.StateUninitialized {
			t.Errorf("state = %v, want notInitialized", sv.State)
		}
		if got := tm.CounterValues().ChallengeMismatches; got != 1 {
			t.Errorf("ChallengeMismatches = %d, want 1", got)
		}
	})

	t.Run("expired challenge", func(t *testing.T) {
		tm := newTestMaster(t, nil)
		addr := udp("192.0.2.22", 26000)
		challenge := tm.heartbeat(t, addr)

		// Expire just the challenge window. Moving the clock would also
		// expire the record itself, which is a different code path.
		sv := tm.record(t, addr)
		sv.ChallengeTimeout = -1

		tm.HandlePacket(context.Background(), infoPacket(challenge, nil), addr)
		if sv.State != registry.StateUninitialized {
			t.Errorf("state = %v, want notInitialized", sv.State)
		}
		if got := tm.CounterValues().ChallengeMismatches; got != 1 {
			t.Errorf("ChallengeMismatches = %d, want 1", got)
		}
	})
}

func TestGamePolicy(t *testing.T) {
	t.Run("reject mode", func(t *testing.T) {
		tm := newTestMaster(t, nil)
		if err := tm.policy.Declare(games.ModeReject, []string{"SpamGame"}); err != nil {
			t.Fatalf("Declare: %v", err)
		}

		banned := udp("192.0.2.30", 26000)
		tm.register(t, banned, map[string]string{"gamename": "SpamGame"})
		if sv := tm.record(t, banned); sv.State != registry.StateUninitialized {
			t.Errorf("banned game state = %v, want notInitialized", sv.State)
		}
		if got := tm.CounterValues().PolicyRejections; got != 1 {
			t.Errorf("PolicyRejections = %d, want 1", got)
		}

		allowed := udp("192.0.2.31", 26000)
		tm.register(t, allowed, nil)
		if sv := tm.record(t, allowed); sv.State != registry.StateOccupied {
			t.Errorf("allowed game state = %v, want occupied", sv.State)
		}
	})

	t.Run("accept mode", func(t *testing.T) {
		tm := newTestMaster(t, nil)
		if err := tm.policy.Declare(games.ModeAccept, []string{"Nexuiz"}); err != nil {
			t.Fatalf("Declare: %v", err)
		}

		listed := udp("192.0.2.32", 26000)
		tm.register(t, listed, map[string]string{"gamename": "Nexuiz"})
		if sv := tm.record(t, listed); sv.State != registry.StateOccupied {
			t.Errorf("listed game state = %v, want occupied", sv.State)
		}

		unlisted := udp("192.0.2.33", 26000)
		tm.register(t, unlisted, nil)
		if sv := tm.record(t, unlisted); sv.State != registry.StateUninitialized {
			t.Errorf("unlisted game state = %v, want notInitialized", sv.State)
		}
	})

	t.Run("default game fills in", func(t *testing.T) {
		tm := newTestMaster(t, nil)
		addr := udp("192.0.2.34", 26000)
		tm.register(t, addr, map[string]string{"gamename": ""})
		if sv := tm.record(t, addr); sv.GameName != tm.DefaultGame() {
			t.Errorf("GameName = %q, want the default %q", sv.GameName, tm.DefaultGame())
		}
	})
}

func TestInfoResponseFieldValidation(t *testing.T) {
	cases := []struct {
		name string
		over map[string]string
	}{
		{"bad protocol", map[string]string{"protocol": "three"}},
		{"missing protocol", map[string]string{"protocol": ""}},
		{"missing maxclients", map[string]string{"sv_maxclients": ""}},
		{"zero maxclients", map[string]string{"sv_maxclients": "0"}},
		{"negative clients", map[string]string{"clients": "-1"}},
		{"clients above maxclients", map[string]string{"clients": "17"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tm := newTestMaster(t, nil)
			addr := udp("192.0.2.40", 26000)
			tm.register(t, addr, tc.over)
			if sv := tm.record(t, addr); sv.State != registry.StateUninitialized {
				t.Errorf("state = %v, want notInitialized", sv.State)
			}
		})
	}

	t.Run("non-numeric gametype collapses to zero", func(t *testing.T) {
		tm := newTestMaster(t, nil)
		addr := udp("192.0.2.41", 26000)
		tm.register(t, addr, map[string]string{"gametype": "ctf"})
		sv := tm.record(t, addr)
		if sv.State != registry.StateOccupied {
			t.Fatalf("state = %v, want occupied", sv.State)
		}
		if sv.GameType != 0 {
			t.Errorf("GameType = %d, want 0", sv.GameType)
		}
	})
}

func TestGetServersFiltering(t *testing.T) {
	tm := newTestMaster(t, nil)
	tm.register(t, udp("192.0.2.1", 26000), map[string]string{"clients": "4"})
	tm.register(t, udp("192.0.2.2", 26000), map[string]string{"clients": "0"})
	tm.register(t, udp("192.0.2.3", 26000), map[string]string{"clients": "16"})
	tm.register(t, udp("192.0.2.4", 26000), map[string]string{"protocol": "68"})
	tm.register(t, udp("192.0.2.5", 26000), map[string]string{"gamename": "Nexuiz"})

	cases := []struct {
		name  string
		query string
		want  []string
	}{
		{"plain", "getservers DarkPlaces 3",
			[]string{"192.0.2.1:26000"}},
		{"empty flag", "getservers DarkPlaces 3 empty",
			[]string{"192.0.2.1:26000", "192.0.2.2:26000"}},
		{"full flag", "getservers DarkPlaces 3 full",
			[]string{"192.0.2.1:26000", "192.0.2.3:26000"}},
		{"both flags", "getservers DarkPlaces 3 empty full",
			[]string{"192.0.2.1:26000", "192.0.2.2:26000", "192.0.2.3:26000"}},
		{"protocol filter", "getservers DarkPlaces 68 empty full",
			[]string{"192.0.2.4:26000"}},
		{"game filter", "getservers Nexuiz 3 empty full",
			[]string{"192.0.2.5:26000"}},
		{"unknown game", "getservers OpenArena 3 empty full", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			replies := tm.query(t, tc.query)
			if len(replies) != 1 {
				t.Fatalf("replies = %d, want 1", len(replies))
			}
			got := decodeServersResponse(t, replies[0])
			if joinSorted(got) != joinSorted(tc.want) {
				t.Errorf("servers = %q, want %q", joinSorted(got), joinSorted(tc.want))
			}
		})
	}
}

func TestGetServersDefaultGame(t *testing.T) {
	tm := newTestMaster(t, nil)
	tm.register(t, udp("192.0.2.1", 26000), nil)

	// Legacy query without a game name falls back to the default game.
	replies := tm.query(t, "getservers 3")
	if len(replies) != 1 {
		t.Fatalf("replies = %d, want 1", len(replies))
	}
	got := decodeServersResponse(t, replies[0])
	if joinSorted(got) != "192.0.2.1:26000" {
		t.Errorf("servers = %q, want the default game server", got)
	}
	if queries := tm.CounterValues().Queries; queries != 1 {
		t.Errorf("Queries = %d, want 1", queries)
	}
}

func TestGetServersHidesUnverified(t *testing.T) {
	tm := newTestMaster(t, nil)
	tm.heartbeat(t, udp("192.0.2.9", 26000))

	replies := tm.query(t, "getservers DarkPlaces 3 empty full")
	if len(replies) != 1 {
		t.Fatalf("replies = %d, want 1", len(replies))
	}
	if got := decodeServersResponse(t, replies[0]); len(got) != 0 {
		t.Errorf("servers = %q, want none before the handshake completes", got)
	}
}

func TestGetServersExtFamilies(t *testing.T) {
	tm := newTestMaster(t, nil)
	tm.register(t, udp("192.0.2.1", 26000), nil)
	tm.register(t, udp("2001:db8::1", 26000), nil)

	v4 := "192.0.2.1:26000"
	v6 := "[2001:db8::1]:26000"

	cases := []struct {
		name  string
		query string
		want  []string
	}{
		{"both families", "getserversExt DarkPlaces 3", []string{v4, v6}},
		{"ipv4 only", "getserversExt DarkPlaces 3 ipv4", []string{v4}},
		{"ipv6 only", "getserversExt DarkPlaces 3 ipv6", []string{v6}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			replies := tm.query(t, tc.query)
			if len(replies) != 1 {
				t.Fatalf("replies = %d, want 1", len(replies))
			}
			got := decodeServersExtResponse(t, replies[0])
			if joinSorted(got) != joinSorted(tc.want) {
				t.Errorf("servers = %q, want %q", joinSorted(got), joinSorted(tc.want))
			}
		})
	}

	t.Run("plain getservers stays IPv4", func(t *testing.T) {
		replies := tm.query(t, "getservers DarkPlaces 3")
		if len(replies) != 1 {
			t.Fatalf("replies = %d, want 1", len(replies))
		}
		got := decodeServersResponse(t, replies[0])
		if joinSorted(got) != v4 {
			t.Errorf("servers = %q, want only the IPv4 one", got)
		}
	})
}

func TestGetServersAppliesMapping(t *testing.T) {
	table := addrmap.NewTable(zerolog.Nop())
	table.SetResolver(func(_ context.Context, host string) ([]net.IP, error) {
		return []net.IP{net.ParseIP(host)}, nil
	})
	if err := table.Add("192.0.2.50:26000=203.0.113.7:27960"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := table.ResolveAll(context.Background()); err != nil {
		t.Fatalf("ResolveAll: %v", err)
	}

	tm := newTestMaster(t, table)
	tm.register(t, udp("192.0.2.50", 26000), nil)
	tm.register(t, udp("192.0.2.51", 26000), nil)

	replies := tm.query(t, "getservers DarkPlaces 3")
	if len(replies) != 1 {
		t.Fatalf("replies = %d, want 1", len(replies))
	}
	got := decodeServersResponse(t, replies[0])
	want := []string{"203.0.113.7:27960", "192.0.2.51:26000"}
	if joinSorted(got) != joinSorted(want) {
		t.Errorf("servers = %q, want %q", joinSorted(got), joinSorted(want))
	}
}

func TestInvalidPackets(t *testing.T) {
	tm := newTestMaster(t, nil)
	from := udp("192.0.2.60", 26000)

	packets := [][]byte{
		[]byte("getservers DarkPlaces 3"), // missing OOB header
		oob("bogus command"),
		oob("heartbeat \x0A"), // no protocol tag
		oob("getservers"),     // no protocol number
	}
	for _, pkt := range packets {
		if replies := tm.HandlePacket(context.Background(), pkt, from); replies != nil {
			t.Errorf("HandlePacket(%q) = %d replies, want none", pkt, len(replies))
		}
	}
	if got := tm.CounterValues().InvalidPackets; got != uint64(len(packets)) {
		t.Errorf("InvalidPackets = %d, want %d", got, len(packets))
	}
	if n := tm.reg.Len(); n != 0 {
		t.Errorf("registry length = %d, want 0", n)
	}
}
