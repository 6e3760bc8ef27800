// Package registry implements the server registry at the heart of the
// master: a fixed pool of server records indexed by per-family hash tables,
// with lazy timeout eviction. Expired records are not reaped by a timer;
// they are removed by whichever lookup, iteration or sweep touches them
// next, so the cost of expiry is carried by the traffic that encounters it.
//
// The registry is built once from Options and its sizing knobs never change
// afterward. A single mutex serializes access: the packet loop is the only
// writer, while the diagnostic surfaces read through copying accessors.
package registry

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lighthouse-project/lighthouse/internal/addrmap"
	"github.com/lighthouse-project/lighthouse/internal/clock"
)

// Registration timeouts, in clock seconds.
const (
	// HeartbeatGrace is how long a fresh registration lives before the
	// getinfo handshake must have promoted it.
	HeartbeatGrace = 2
	// ChallengeWindow is how long a server has to echo its challenge.
	ChallengeWindow = 2
	// InfoResponseLife is how long a verified server stays listed without
	// a new heartbeat.
	InfoResponseLife = 15 * 60
)

// Sizing limits and defaults.
const (
	DefaultHashSize      = 4
	MaxHashSize          = 12
	DefaultMaxServers    = 4096
	DefaultMaxPerAddress = 8
)

// Registration failures reported by GetOrAdd. All of them are steady-state
// conditions: the caller logs and drops, the master keeps running.
var (
	ErrBadAddress        = errors.New("unusable socket address")
	ErrFamilyDisabled    = errors.New("address family not enabled")
	ErrNotFound          = errors.New("server not registered")
	ErrQuotaExceeded     = errors.New("per-address server quota reached")
	ErrLoopbackForbidden = errors.New("loopback servers not allowed")
	ErrFull              = errors.New("server list is full")
)

const noSlot = -1

// Options configure a Registry. Start from DefaultOptions; the zero value
// enables no address family and fails validation.
type Options struct {
	// HashSize is the bucket index width in bits, 1 to MaxHashSize.
	HashSize uint
	// MaxServers caps the number of simultaneous registrations.
	MaxServers int
	// MaxPerAddress caps registrations per public host, 0 for no cap.
	MaxPerAddress int
	// HashPorts folds ports into the bucket index. It spreads many
	// servers on one test host across buckets, but makes the same-host
	// count seen by lookups partial, so it cannot be combined with
	// MaxPerAddress.
	HashPorts bool
	// AllowLoopback permits registrations from loopback addresses even
	// without an address mapping to publish for them.
	AllowLoopback bool

	EnableIPv4 bool
	EnableIPv6 bool

	// Rand picks randomized iteration starting points. Defaults to
	// math/rand/v2; tests inject a fixed sequence.
	Rand func(n int) int
}

// DefaultOptions returns the stock sizing: 16 buckets per family, 4096
// servers, 8 per address, both families enabled.
func DefaultOptions() Options {
	return Options{
		HashSize:      DefaultHashSize,
		MaxServers:    DefaultMaxServers,
		MaxPerAddress: DefaultMaxPerAddress,
		AllowLoopback: true,
		EnableIPv4:    true,
		EnableIPv6:    true,
	}
}

// Counters accumulate registry activity for the diagnostic surfaces.
type Counters struct {
	Registrations      uint64 `json:"registrations"`
	Evictions          uint64 `json:"evictions"`
	QuotaRejections    uint64 `json:"quota_rejections"`
	FullRejections     uint64 `json:"full_rejections"`
	LoopbackRejections uint64 `json:"loopback_rejections"`
}

// Registry is the server record pool. Every exported method locks; the
// unexported ones expect the lock held.
type Registry struct {
	mu sync.Mutex

	opts     Options
	clk      *clock.Clock
	mappings *addrmap.Table
	logger   zerolog.Logger
	randInt  func(n int) int

	servers   []Server
	nbServers int

	bucketsV4 []int
	bucketsV6 []int

	// firstFreeSlot is the lowest unused slot, noSlot when the pool is
	// exhausted. lastUsedSlot is the highest used slot, noSlot when the
	// pool is empty; iteration and sweeps only walk up to it.
	firstFreeSlot int
	lastUsedSlot  int

	// iteration cursors, clamped by remove so an eviction mid-pass can
	// never strand them past lastUsedSlot
	crtServerInd  int
	lastServerInd int

	counters Counters
}

// New validates the options and allocates the record pool and the bucket
// tables for the enabled families. mappings may be nil when no address
// substitution is configured.
func New(opts Options, clk *clock.Clock, mappings *addrmap.Table, logger zerolog.Logger) (*Registry, error) {
	if opts.HashSize < 1 || opts.HashSize > MaxHashSize {
		return nil, fmt.Errorf("hash size %d out of range [1, %d]", opts.HashSize, MaxHashSize)
	}
	if opts.MaxServers < 1 {
		return nil, fmt.Errorf("max servers must be positive, got %d", opts.MaxServers)
	}
	if !opts.EnableIPv4 && !opts.EnableIPv6 {
		return nil, errors.New("at least one address family must be enabled")
	}
	if opts.HashPorts && opts.MaxPerAddress > 0 {
		return nil, errors.New("hash_ports cannot be combined with a per-address quota")
	}
	if clk == nil {
		return nil, errors.New("registry needs a clock")
	}

	randInt := opts.Rand
	if randInt == nil {
		randInt = rand.IntN
	}

	r := &Registry{
		opts:          opts,
		clk:           clk,
		mappings:      mappings,
		logger:        logger,
		randInt:       randInt,
		servers:       make([]Server, opts.MaxServers),
		firstFreeSlot: 0,
		lastUsedSlot:  noSlot,
		crtServerInd:  noSlot,
		lastServerInd: noSlot,
	}

	nbBuckets := 1 << opts.HashSize
	if opts.EnableIPv4 {
		r.bucketsV4 = newBucketTable(nbBuckets)
	}
	if opts.EnableIPv6 {
		r.bucketsV6 = newBucketTable(nbBuckets)
	}

	logger.Info().
		Int("max_servers", opts.MaxServers).
		Int("buckets", nbBuckets).
		Bool("ipv4", opts.EnableIPv4).
		Bool("ipv6", opts.EnableIPv6).
		Msg("server registry allocated")
	return r, nil
}

func newBucketTable(n int) []int {
	table := make([]int, n)
	for i := range table {
		table[i] = noSlot
	}
	return table
}

// GetOrAdd looks up the sender's record, registering a new one when
// addIfMissing is set and the endpoint passes the quota, loopback and
// capacity checks. A fresh record starts uninitialized with a short grace
// timeout; it is only published once UpdateInfo promotes it.
func (r *Registry) GetOrAdd(ua *net.UDPAddr, addIfMissing bool) (*Server, error) {
	addr, ok := FromUDPAddr(ua)
	if !ok {
		return nil, ErrBadAddress
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	table := r.bucketTable(addr.Family)
	if table == nil {
		return nil, ErrFamilyDisabled
	}
	hash := addr.Hash(r.opts.HashSize, r.opts.HashPorts)

	ind, samePublic := r.lookup(addr, table, hash)
	if ind != noSlot {
		return &r.servers[ind], nil
	}
	if !addIfMissing {
		return nil, ErrNotFound
	}

	if r.opts.MaxPerAddress > 0 && samePublic >= r.opts.MaxPerAddress {
		r.counters.QuotaRejections++
		r.logger.Warn().
			Str("server", addr.String()).
			Int("quota", r.opts.MaxPerAddress).
			Msg("server rejected, per-address quota reached")
		return nil, ErrQuotaExceeded
	}

	// A loopback server may still register when a mapping publishes a
	// routable address in its place.
	var mapping *addrmap.Mapping
	if addr.Family == FamilyIPv4 {
		mapping = r.lookupMapping(addr)
	}
	if !r.opts.AllowLoopback && addr.IsLoopback() {
		if addr.Family != FamilyIPv4 || mapping == nil {
			r.counters.LoopbackRejections++
			r.logger.Warn().
				Str("server", addr.String()).
				Msg("server rejected, loopback address without an address mapping")
			return nil, ErrLoopbackForbidden
		}
	}

	if r.nbServers == len(r.servers) {
		r.sweepLocked()
		if r.nbServers == len(r.servers) {
			r.counters.FullRejections++
			r.logger.Warn().
				Str("server", addr.String()).
				Msg("server rejected, registry is full")
			return nil, ErrFull
		}
	}

	ind = r.firstFreeSlot
	sv := &r.servers[ind]
	*sv = Server{
		Address: addr,
		UDPAddr: ua,
		Mapping: mapping,
		State:   StateUninitialized,
		Timeout: r.clk.Now() + HeartbeatGrace,
		prev:    noSlot,
		next:    noSlot,
	}
	r.addToBucket(ind, hash, table)
	if r.lastUsedSlot < ind {
		r.lastUsedSlot = ind
	}
	r.nbServers++
	r.counters.Registrations++

	// Find the next free slot. Records on the way whose timeout has
	// passed are reclaimed by the activity check, which may publish a
	// lower free slot than the scan itself lands on.
	r.firstFreeSlot = noSlot
	for next := ind + 1; next < len(r.servers); next++ {
		if !r.isActive(next) {
			if r.firstFreeSlot == noSlot || next < r.firstFreeSlot {
				r.firstFreeSlot = next
			}
			break
		}
	}

	r.logger.Info().
		Str("server", addr.String()).
		Int("registered", r.nbServers).
		Int("same_address", samePublic+1).
		Msg("new server added")
	r.logger.Debug().
		Int("slot", ind).
		Str("hash", fmt.Sprintf("0x%04X", hash)).
		Msg("slot assigned")
	return sv, nil
}

// Info carries the fields of a validated infoResponse.
type Info struct {
	GameName   string
	Protocol   int32
	GameType   int32
	MapName    string
	HostName   string
	Clients    int
	MaxClients int
}

// SetChallenge arms the getinfo handshake: the server must echo the
// challenge before the window closes for its infoResponse to count.
func (r *Registry) SetChallenge(sv *Server, challenge string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sv.Challenge = challenge
	sv.ChallengeTimeout = r.clk.Now() + ChallengeWindow
}

// UpdateInfo applies a validated infoResponse, deriving the occupancy state
// from the client counts and extending the record's life.
func (r *Registry) UpdateInfo(sv *Server, info Info) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sv.GameName = info.GameName
	sv.Protocol = info.Protocol
	sv.GameType = info.GameType
	sv.MapName = info.MapName
	sv.HostName = info.HostName
	switch {
	case info.Clients <= 0:
		sv.State = StateEmpty
	case info.Clients >= info.MaxClients:
		sv.State = StateFull
	default:
		sv.State = StateOccupied
	}
	sv.Timeout = r.clk.Now() + InfoResponseLife
}

// Iterate runs one randomized pass over the active records, stopping early
// when visit returns false. Every active record is visited exactly once per
// pass; expired records encountered on the way are evicted, exactly as a
// lookup would evict them.
func (r *Registry) Iterate(visit func(*Server) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for sv := r.getFirst(); sv != nil; sv = r.getNext() {
		if !visit(sv) {
			return
		}
	}
}

// Sweep evicts every record whose timeout has passed and reports how many
// records went.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	before := r.nbServers
	r.sweepLocked()
	return before - r.nbServers
}

// Len returns the number of occupied slots, counting records that have
// expired but not yet been touched.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nbServers
}

// getFirst starts a randomized pass. Starting at a random slot and wrapping
// once means no server is structurally favored in query responses.
func (r *Registry) getFirst() *Server {
	if r.nbServers <= 0 {
		return nil
	}
	r.crtServerInd = r.randInt(r.lastUsedSlot + 1)
	if r.crtServerInd == 0 {
		r.lastServerInd = r.lastUsedSlot
	} else {
		r.lastServerInd = r.crtServerInd - 1
	}
	if r.isActive(r.crtServerInd) {
		return &r.servers[r.crtServerInd]
	}
	return r.getNext()
}

// getNext advances the pass. Evictions triggered by the activity checks
// clamp the cursors, so the walk terminates even when the pool shrinks
// under it.
func (r *Registry) getNext() *Server {
	for r.crtServerInd != r.lastServerInd {
		r.crtServerInd = (r.crtServerInd + 1) % (r.lastUsedSlot + 1)
		if r.isActive(r.crtServerInd) {
			return &r.servers[r.crtServerInd]
		}
	}
	return nil
}

func (r *Registry) sweepLocked() {
	for ind := 0; ind <= r.lastUsedSlot; ind++ {
		r.isActive(ind)
	}
}

// isActive reports whether slot ind holds a live record, evicting it when
// its timeout has passed.
func (r *Registry) isActive(ind int) bool {
	sv := &r.servers[ind]
	if sv.State == StateUnused {
		return false
	}
	if sv.Timeout < r.clk.Now() {
		r.remove(ind)
		return false
	}
	return true
}

// lookup walks the bucket for addr, counting live records on the same
// public host and promoting an exact match to the bucket head before
// returning it. The next link is saved before each activity check because
// the check may evict the record it looks at.
func (r *Registry) lookup(addr Address, table []int, hash uint32) (int, int) {
	samePublic := 0
	for ind := table[hash]; ind != noSlot; {
		next := r.servers[ind].next
		if r.isActive(ind) {
			exact, public := SameAddress(r.servers[ind].Address, addr)
			if public {
				samePublic++
			}
			if exact {
				r.removeFromBucket(ind, hash, table)
				r.addToBucket(ind, hash, table)
				return ind, samePublic
			}
		}
		ind = next
	}
	return noSlot, samePublic
}

// remove unlinks a record and reclaims its slot, pulling the free and used
// watermarks and the iteration cursors back into range.
func (r *Registry) remove(ind int) {
	sv := &r.servers[ind]
	table := r.bucketTable(sv.Address.Family)
	r.removeFromBucket(ind, sv.Address.Hash(r.opts.HashSize, r.opts.HashPorts), table)
	sv.State = StateUnused

	if r.firstFreeSlot == noSlot || ind < r.firstFreeSlot {
		r.firstFreeSlot = ind
	}
	if r.lastUsedSlot == ind {
		r.lastUsedSlot--
		for r.lastUsedSlot >= 0 && r.servers[r.lastUsedSlot].State == StateUnused {
			r.lastUsedSlot--
		}
	}
	if r.lastServerInd > r.lastUsedSlot {
		r.lastServerInd = r.lastUsedSlot
	}
	if r.crtServerInd > r.lastUsedSlot {
		r.crtServerInd = r.lastUsedSlot
	}

	r.nbServers--
	r.counters.Evictions++
	r.logger.Info().
		Str("server", sv.Address.String()).
		Int("registered", r.nbServers).
		Msg("server timed out")
}

func (r *Registry) addToBucket(ind int, hash uint32, table []int) {
	sv := &r.servers[ind]
	sv.prev = noSlot
	sv.next = table[hash]
	if sv.next != noSlot {
		r.servers[sv.next].prev = ind
	}
	table[hash] = ind
}

func (r *Registry) removeFromBucket(ind int, hash uint32, table []int) {
	sv := &r.servers[ind]
	if sv.prev != noSlot {
		r.servers[sv.prev].next = sv.next
	} else {
		table[hash] = sv.next
	}
	if sv.next != noSlot {
		r.servers[sv.next].prev = sv.prev
	}
	sv.prev, sv.next = noSlot, noSlot
}

func (r *Registry) bucketTable(f Family) []int {
	if f == FamilyIPv6 {
		return r.bucketsV6
	}
	return r.bucketsV4
}

func (r *Registry) lookupMapping(addr Address) *addrmap.Mapping {
	if r.mappings == nil {
		return nil
	}
	var ip [4]byte
	copy(ip[:], addr.IP[:4])
	return r.mappings.Lookup(ip, addr.Port)
}
