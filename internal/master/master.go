// Package master implements the message handling at the core of the server
// browser: heartbeats and infoResponses from game servers feed the registry,
// getservers queries from clients read it back out. Handlers take parsed
// datagrams and return reply payloads, so the whole exchange can be driven
// without a socket.
package master

import (
	"context"
	"net"
	"strconv"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lighthouse-project/lighthouse/internal/clock"
	"github.com/lighthouse-project/lighthouse/internal/config"
	"github.com/lighthouse-project/lighthouse/internal/events"
	"github.com/lighthouse-project/lighthouse/internal/games"
	"github.com/lighthouse-project/lighthouse/internal/protocol"
	"github.com/lighthouse-project/lighthouse/internal/registry"
)

// Counters accumulate wire activity. They are atomics because the metrics
// and telemetry readers sample them from other goroutines.
type Counters struct {
	Heartbeats          atomic.Uint64
	InfoResponses       atomic.Uint64
	Queries             atomic.Uint64
	InvalidPackets      atomic.Uint64
	ChallengeMismatches atomic.Uint64
	PolicyRejections    atomic.Uint64
}

// CounterValues is a point-in-time copy of the wire counters.
type CounterValues struct {
	Heartbeats          uint64 `json:"heartbeats"`
	InfoResponses       uint64 `json:"info_responses"`
	Queries             uint64 `json:"queries"`
	InvalidPackets      uint64 `json:"invalid_packets"`
	ChallengeMismatches uint64 `json:"challenge_mismatches"`
	PolicyRejections    uint64 `json:"policy_rejections"`
}

// Master consumes inbound datagrams and produces replies. One instance
// serves every listening socket; the registry lock keeps concurrent
// dispatch safe.
type Master struct {
	registry *registry.Registry
	policy   *games.Policy
	clk      *clock.Clock
	bus      *events.EventBus
	logger   zerolog.Logger

	defaultGame string
	randInt     func(n int) int

	counters Counters
}

// New builds the handler. randInt follows the registry convention: nil
// means the default source, tests inject a fixed one.
func New(cfg *config.Config, reg *registry.Registry, policy *games.Policy, clk *clock.Clock, bus *events.EventBus, randInt func(n int) int) *Master {
	return &Master{
		registry:    reg,
		policy:      policy,
		clk:         clk,
		bus:         bus,
		logger:      log.With().Str("component", "master").Logger(),
		defaultGame: cfg.GetMasterData().DefaultGame,
		randInt:     randInt,
	}
}

// HandlePacket parses one datagram and returns the packets to send back to
// its sender. The caller is expected to have advanced the clock for this
// batch of traffic. All failures are soft: bad datagrams are counted and
// dropped, the loop keeps going.
func (m *Master) HandlePacket(ctx context.Context, data []byte, from *net.UDPAddr) [][]byte {
	msg, err := protocol.Parse(data)
	if err != nil {
		m.counters.InvalidPackets.Add(1)
		m.logger.Debug().
			Err(err).
			Str("from", from.String()).
			Int("bytes", len(data)).
			Msg("dropped datagram")
		return nil
	}

	switch msg := msg.(type) {
	case protocol.Heartbeat:
		return m.handleHeartbeat(ctx, msg, from)
	case protocol.InfoResponse:
		m.handleInfoResponse(ctx, msg, from)
		return nil
	case protocol.GetServers:
		return m.handleGetServers(ctx, msg, from)
	case protocol.GetServersExt:
		return m.handleGetServersExt(ctx, msg, from)
	}
	return nil
}

// CounterValues copies the wire counters.
func (m *Master) CounterValues() CounterValues {
	return CounterValues{
		Heartbeats:          m.counters.Heartbeats.Load(),
		InfoResponses:       m.counters.InfoResponses.Load(),
		Queries:             m.counters.Queries.Load(),
		InvalidPackets:      m.counters.InvalidPackets.Load(),
		ChallengeMismatches: m.counters.ChallengeMismatches.Load(),
		PolicyRejections:    m.counters.PolicyRejections.Load(),
	}
}

// DefaultGame returns the game name used for queries that do not name one.
func (m *Master) DefaultGame() string {
	return m.defaultGame
}

// handleHeartbeat registers or refreshes the sender and arms a getinfo
// probe. The reply challenge must come back in the infoResponse before the
// record is published.
func (m *Master) handleHeartbeat(ctx context.Context, hb protocol.Heartbeat, from *net.UDPAddr) [][]byte {
	m.counters.Heartbeats.Add(1)

	sv, err := m.registry.GetOrAdd(from, true)
	if err != nil {
		m.logger.Debug().
			Err(err).
			Str("from", from.String()).
			Msg("heartbeat not registered")
		return nil
	}

	challenge := protocol.NewChallenge(m.randInt)
	m.registry.SetChallenge(sv, challenge)

	m.logger.Debug().
		Str("from", from.String()).
		Str("tag", hb.Tag).
		Msg("heartbeat, sending getinfo")
	m.bus.Emit(ctx, events.Event{
		Type:   events.EventServerHeartbeat,
		Source: "master",
		Payload: events.ServerHeartbeatPayload{
			Address: from.String(),
			Tag:     hb.Tag,
		},
	})
	return [][]byte{protocol.BuildGetInfo(challenge)}
}

// handleInfoResponse validates a getinfo answer and promotes the sender's
// record. The sender must already be registered, echo a live challenge and
// pass the game policy.
func (m *Master) handleInfoResponse(ctx context.Context, ir protocol.InfoResponse, from *net.UDPAddr) {
	m.counters.InfoResponses.Add(1)

	sv, err := m.registry.GetOrAdd(from, false)
	if err != nil {
		m.logger.Debug().
			Str("from", from.String()).
			Msg("infoResponse from an unknown server")
		return
	}

	challenge := ir.Info.Get("challenge")
	if challenge == "" || challenge != sv.Challenge || sv.ChallengeTimeout < m.clk.Now() {
		m.counters.ChallengeMismatches.Add(1)
		m.logger.Warn().
			Str("from", from.String()).
			Msg("infoResponse with a wrong or outdated challenge")
		return
	}

	game := ir.Info.Get("gamename")
	if game == "" {
		game = m.defaultGame
	}
	if !m.policy.IsAccepted(game) {
		m.counters.PolicyRejections.Add(1)
		m.logger.Warn().
			Str("from", from.String()).
			Str("game", game).
			Msg("server rejected by the game policy")
		return
	}

	proto, err := strconv.ParseInt(ir.Info.Get("protocol"), 10, 32)
	if err != nil {
		m.logger.Warn().
			Str("from", from.String()).
			Str("protocol", ir.Info.Get("protocol")).
			Msg("infoResponse with a bad protocol number")
		return
	}
	maxClients, err := strconv.Atoi(ir.Info.Get("sv_maxclients"))
	if err != nil || maxClients <= 0 {
		m.logger.Warn().
			Str("from", from.String()).
			Str("sv_maxclients", ir.Info.Get("sv_maxclients")).
			Msg("infoResponse with a bad maximum client count")
		return
	}
	clients, err := strconv.Atoi(ir.Info.Get("clients"))
	if err != nil || clients < 0 || clients > maxClients {
		m.logger.Warn().
			Str("from", from.String()).
			Str("clients", ir.Info.Get("clients")).
			Msg("infoResponse with a bad client count")
		return
	}
	// gametype is optional and non-numeric values collapse to 0
	gameType, _ := strconv.ParseInt(ir.Info.Get("gametype"), 10, 32)

	m.registry.UpdateInfo(sv, registry.Info{
		GameName:   game,
		Protocol:   int32(proto),
		GameType:   int32(gameType),
		MapName:    ir.Info.Get("mapname"),
		HostName:   ir.Info.Get("hostname"),
		Clients:    clients,
		MaxClients: maxClients,
	})

	m.logger.Info().
		Str("server", from.String()).
		Str("game", game).
		Int64("protocol", proto).
		Str("state", sv.State.String()).
		Msg("server verified")
	m.bus.Emit(ctx, events.Event{
		Type:   events.EventServerVerified,
		Source: "master",
		Payload: events.ServerVerifiedPayload{
			Address:  from.String(),
			Game:     game,
			Protocol: int32(proto),
			State:    sv.State.String(),
			Map:      ir.Info.Get("mapname"),
			HostName: ir.Info.Get("hostname"),
		},
	})
}

func (m *Master) handleGetServers(ctx context.Context, q protocol.GetServers, from *net.UDPAddr) [][]byte {
	m.counters.Queries.Add(1)

	game := q.Game
	if game == "" {
		game = m.defaultGame
	}
	entries := m.collectEntries(game, q.Protocol, q.Empty, q.Full, true, false)

	m.logger.Info().
		Str("client", from.String()).
		Str("game", game).
		Int32("protocol", q.Protocol).
		Int("servers", len(entries)).
		Msg("getservers")
	m.emitQueryServed(ctx, from, game, q.Protocol, len(entries), false)
	return protocol.BuildGetServersResponse(entries, protocol.MaxPacketSize)
}

func (m *Master) handleGetServersExt(ctx context.Context, q protocol.GetServersExt, from *net.UDPAddr) [][]byte {
	m.counters.Queries.Add(1)

	entries := m.collectEntries(q.Game, q.Protocol, q.Empty, q.Full, q.WantIPv4, q.WantIPv6)

	m.logger.Info().
		Str("client", from.String()).
		Str("game", q.Game).
		Int32("protocol", q.Protocol).
		Int("servers", len(entries)).
		Msg("getserversExt")
	m.emitQueryServed(ctx, from, q.Game, q.Protocol, len(entries), true)
	return protocol.BuildGetServersExtResponse(entries, protocol.MaxPacketSize)
}

// collectEntries runs one randomized registry pass and keeps the servers
// matching the query. Published endpoints go through the server's address
// mapping when one exists.
func (m *Master) collectEntries(game string, proto int32, wantEmpty, wantFull, wantIPv4, wantIPv6 bool) []protocol.ServerEntry {
	var entries []protocol.ServerEntry
	m.registry.Iterate(func(sv *registry.Server) bool {
		if sv.State == registry.StateUninitialized {
			return true
		}
		if sv.GameName != game || sv.Protocol != proto {
			return true
		}
		if sv.State == registry.StateEmpty && !wantEmpty {
			return true
		}
		if sv.State == registry.StateFull && !wantFull {
			return true
		}

		switch sv.Address.Family {
		case registry.FamilyIPv4:
			if !wantIPv4 {
				return true
			}
			entry := protocol.ServerEntry{Port: sv.Address.Port}
			copy(entry.IP[:4], sv.Address.IP[:4])
			if sv.Mapping != nil {
				addr, port := sv.Mapping.Rewrite(sv.Address.Port)
				copy(entry.IP[:4], addr[:])
				entry.Port = port
			}
			entries = append(entries, entry)
		case registry.FamilyIPv6:
			if !wantIPv6 {
				return true
			}
			entries = append(entries, protocol.ServerEntry{
				IPv6: true,
				IP:   sv.Address.IP,
				Port: sv.Address.Port,
			})
		}
		return true
	})
	return entries
}

func (m *Master) emitQueryServed(ctx context.Context, from *net.UDPAddr, game string, proto int32, servers int, extended bool) {
	m.bus.Emit(ctx, events.Event{
		Type:   events.EventQueryServed,
		Source: "master",
		Payload: events.QueryServedPayload{
			Client:   from.String(),
			Game:     game,
			Protocol: proto,
			Servers:  servers,
			Extended: extended,
		},
	})
}
