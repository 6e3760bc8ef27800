// Package network owns the sockets: the master UDP listener and the socket
// options shared with the HTTP API listener.
package network

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lighthouse-project/lighthouse/internal/clock"
	"github.com/lighthouse-project/lighthouse/internal/config"
	"github.com/lighthouse-project/lighthouse/internal/master"
	"github.com/lighthouse-project/lighthouse/internal/protocol"
)

// recvBufferBytes is requested for the master socket. Heartbeat bursts after
// a network blip arrive faster than the handler drains them and the default
// kernel buffer drops the tail.
const recvBufferBytes = 1 << 20

// UDPListener owns the master server socket. It reads datagrams, advances
// the registry clock once per datagram, feeds the master message handler and
// writes whatever replies the handler produced.
type UDPListener struct {
	cfg  *config.Config
	mst  *master.Master
	clk  *clock.Clock
	conn *net.UDPConn
}

// NewUDPListener creates the master UDP listener. Start must be called
// before any traffic flows.
func NewUDPListener(cfg *config.Config, mst *master.Master, clk *clock.Clock) *UDPListener {
	return &UDPListener{
		cfg: cfg,
		mst: mst,
		clk: clk,
	}
}

// Start binds the socket and runs the read loop until ctx is cancelled.
func (l *UDPListener) Start(ctx context.Context) error {
	md := l.cfg.GetMasterData()
	addr := net.JoinHostPort(md.ListenAddress, strconv.Itoa(md.Port))

	// SO_REUSEADDR allows immediate rebinding after a restart;
	// the receive buffer is sized for heartbeat bursts.
	lc := UDPListenConfig(recvBufferBytes)
	pc, err := lc.ListenPacket(ctx, listenNetwork(md), addr)
	if err != nil {
		return fmt.Errorf("failed to bind master socket on %s: %w", addr, err)
	}
	l.conn = pc.(*net.UDPConn)

	log.Info().
		Str("addr", l.conn.LocalAddr().String()).
		Bool("ipv4", md.EnableIPv4).
		Bool("ipv6", md.EnableIPv6).
		Msg("master UDP listener started")

	// Close when context is cancelled
	go func() {
		<-ctx.Done()
		l.conn.Close()
	}()

	buf := make([]byte, protocol.MaxDatagramSize)
	for {
		n, remoteAddr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				log.Info().Msg("master UDP listener stopping")
				return nil
			default:
				log.Error().Err(err).Msg("UDP read error")
				continue
			}
		}

		if n < 1 {
			continue
		}

		l.clk.Tick()
		for _, reply := range l.mst.HandlePacket(ctx, buf[:n], remoteAddr) {
			if _, err := l.conn.WriteToUDP(reply, remoteAddr); err != nil {
				log.Warn().
					Err(err).
					Str("remote", remoteAddr.String()).
					Msg("failed to send reply")
			}
		}
	}
}

// listenNetwork picks the socket family. With both families enabled a single
// wildcard socket carries IPv4 traffic as mapped addresses, which the
// registry folds back to plain IPv4 on arrival.
func listenNetwork(md config.MasterData) string {
	switch {
	case md.EnableIPv4 && !md.EnableIPv6:
		return "udp4"
	case md.EnableIPv6 && !md.EnableIPv4:
		return "udp6"
	default:
		return "udp"
	}
}

// SelfTest queries the running listener the way a game client would and
// checks that a server list comes back. Run after Start.
func (l *UDPListener) SelfTest() error {
	md := l.cfg.GetMasterData()

	network := "udp4"
	ip := net.IPv4(127, 0, 0, 1)
	if !md.EnableIPv4 {
		network = "udp6"
		ip = net.IPv6loopback
	}
	addr := &net.UDPAddr{IP: ip, Port: md.Port}

	conn, err := net.DialUDP(network, nil, addr)
	if err != nil {
		return fmt.Errorf("self-test dial failed: %w", err)
	}
	defer conn.Close()

	// A getservers without a game name asks for the default game and is
	// always answered, even when the registry is empty.
	query := append(append([]byte{}, protocol.OOBHeader...), "getservers 0 empty full"...)
	if _, err := conn.Write(query); err != nil {
		return fmt.Errorf("self-test write failed: %w", err)
	}

	buf := make([]byte, protocol.MaxDatagramSize)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		return fmt.Errorf("self-test read failed: %w", err)
	}

	want := append(append([]byte{}, protocol.OOBHeader...), protocol.CmdGetServersResponse...)
	if !bytes.HasPrefix(buf[:n], want) {
		return fmt.Errorf("self-test got unexpected reply (%d bytes)", n)
	}

	log.Debug().Int("port", md.Port).Msg("master listener self-test passed")
	return nil
}

// Stop closes the UDP socket.
func (l *UDPListener) Stop() error {
	if l.conn != nil {
		return l.conn.Close()
	}
	return nil
}
