// Package addrmap implements the address substitution table applied when
// publishing servers. A mapping rewrites the endpoint clients are told about,
// which lets a server behind NAT register from its private address and still
// be reachable. Rules come in two shapes: "addr:port" matches one endpoint
// exactly, "addr" matches every port on that address. The exact rule wins
// when both apply.
//
// Mappings are declared as raw "from=to" strings and resolved in a second
// phase, so a configuration full of host names fails fast at startup instead
// of during packet handling. IPv4 only; IPv6 servers are published as-is.
package addrmap

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

var (
	// ErrSyntax reports a malformed or forbidden mapping declaration.
	ErrSyntax = errors.New("invalid address mapping")
	// ErrResolutionFailed reports a host name that did not resolve to an
	// IPv4 address.
	ErrResolutionFailed = errors.New("address resolution failed")
	// ErrDuplicateMapping reports two mappings with the same from endpoint.
	ErrDuplicateMapping = errors.New("duplicate address mapping")
)

// Resolver turns a host name into candidate IP addresses. Tests inject a
// fixed table; the default asks the system resolver.
type Resolver func(ctx context.Context, host string) ([]net.IP, error)

// Mapping is one resolved rewrite rule. Server records keep a reference to
// their mapping for as long as they live, so a Mapping is never mutated once
// ResolveAll has published it.
type Mapping struct {
	FromString string
	ToString   string

	FromAddr [4]byte
	FromPort uint16 // 0 matches any port
	ToAddr   [4]byte
	ToPort   uint16 // 0 keeps the matched port
}

// Rewrite returns the published endpoint for a server listening on srcPort.
func (m *Mapping) Rewrite(srcPort uint16) ([4]byte, uint16) {
	if m.ToPort != 0 {
		return m.ToAddr, m.ToPort
	}
	return m.ToAddr, srcPort
}

// From renders the match side of the rule.
func (m *Mapping) From() string {
	return formatEndpoint(m.FromAddr, m.FromPort)
}

// To renders the rewrite side of the rule.
func (m *Mapping) To() string {
	return formatEndpoint(m.ToAddr, m.ToPort)
}

// String renders the whole rule in resolved form.
func (m *Mapping) String() string {
	return m.From() + " => " + m.To()
}

// key orders mappings by (address, port), the order Lookup scans in.
func (m *Mapping) key() uint64 {
	return uint64(binary.BigEndian.Uint32(m.FromAddr[:]))<<16 | uint64(m.FromPort)
}

// Table holds the mapping list. Add collects raw declarations, ResolveAll
// resolves and sorts them; Lookup is only meaningful afterward. The table is
// read-only once resolved.
type Table struct {
	pending  []*Mapping
	mappings []*Mapping
	resolver Resolver
	logger   zerolog.Logger
}

// NewTable returns an empty table using the system resolver.
func NewTable(logger zerolog.Logger) *Table {
	return &Table{
		resolver: systemResolver,
		logger:   logger,
	}
}

// SetResolver replaces the host name resolver. Call before ResolveAll.
func (t *Table) SetResolver(r Resolver) {
	t.resolver = r
}

// Add records an unresolved "from[:port]=to[:port]" declaration.
func (t *Table) Add(mapping string) error {
	from, to, ok := strings.Cut(mapping, "=")
	if !ok {
		return fmt.Errorf("%w: %q contains no '='", ErrSyntax, mapping)
	}
	t.pending = append(t.pending, &Mapping{FromString: from, ToString: to})
	return nil
}

// ResolveAll resolves every pending declaration and builds the sorted lookup
// list. All declarations are resolved before any is inserted, so an error
// report names the bad declaration rather than a half-built table.
func (t *Table) ResolveAll(ctx context.Context) error {
	for _, m := range t.pending {
		if err := t.resolve(ctx, m); err != nil {
			return err
		}
	}
	for _, m := range t.pending {
		if err := t.insert(m); err != nil {
			return err
		}
	}
	t.pending = nil
	return nil
}

// Lookup returns the mapping for an endpoint: the exact addr:port rule when
// one exists, else the port wildcard for the address, else nil.
func (t *Table) Lookup(addr [4]byte, port uint16) *Mapping {
	want := binary.BigEndian.Uint32(addr[:])
	var wildcard *Mapping
	for _, m := range t.mappings {
		from := binary.BigEndian.Uint32(m.FromAddr[:])
		if from > want {
			break
		}
		if from != want {
			continue
		}
		switch {
		case m.FromPort == port:
			return m
		case m.FromPort > port:
			return wildcard
		case m.FromPort == 0:
			wildcard = m
		}
	}
	return wildcard
}

// All returns the resolved mappings in lookup order.
func (t *Table) All() []*Mapping {
	out := make([]*Mapping, len(t.mappings))
	copy(out, t.mappings)
	return out
}

// Len returns the number of resolved mappings.
func (t *Table) Len() int {
	return len(t.mappings)
}

func (t *Table) resolve(ctx context.Context, m *Mapping) error {
	var err error
	if m.FromAddr, m.FromPort, err = t.resolveEndpoint(ctx, m.FromString); err != nil {
		return err
	}
	if m.ToAddr, m.ToPort, err = t.resolveEndpoint(ctx, m.ToString); err != nil {
		return err
	}
	if m.FromAddr == ([4]byte{}) || m.ToAddr == ([4]byte{}) {
		return fmt.Errorf("%w: %q=%q maps from or to 0.0.0.0", ErrSyntax, m.FromString, m.ToString)
	}
	if m.ToAddr[0] == 127 {
		return fmt.Errorf("%w: %q=%q maps to a loopback address", ErrSyntax, m.FromString, m.ToString)
	}
	return nil
}

// resolveEndpoint parses "host[:port]" and resolves host to an IPv4 address.
// An explicit port must be a non-zero 16-bit number; the wildcard is spelled
// by omitting the port entirely.
func (t *Table) resolveEndpoint(ctx context.Context, s string) ([4]byte, uint16, error) {
	host, portStr, hasPort := strings.Cut(s, ":")
	var port uint16
	if hasPort {
		n, err := strconv.ParseUint(portStr, 0, 16)
		if err != nil || n == 0 {
			return [4]byte{}, 0, fmt.Errorf("%w: %q is not a valid port number", ErrSyntax, portStr)
		}
		port = uint16(n)
	}

	ips, err := t.resolver(ctx, host)
	if err != nil {
		return [4]byte{}, 0, fmt.Errorf("%w: %s: %v", ErrResolutionFailed, host, err)
	}
	for _, ip := range ips {
		ip4 := ip.To4()
		if ip4 == nil {
			continue
		}
		var addr [4]byte
		copy(addr[:], ip4)
		t.logger.Debug().
			Str("name", host).
			Str("addr", net.IP(ip4).String()).
			Msg("mapping endpoint resolved")
		return addr, port, nil
	}
	return [4]byte{}, 0, fmt.Errorf("%w: %s has no IPv4 address", ErrResolutionFailed, host)
}

// insert places a resolved mapping into the sorted list. Two rules for the
// same from endpoint would make lookups order-dependent, so duplicates are
// an error.
func (t *Table) insert(m *Mapping) error {
	key := m.key()
	i := sort.Search(len(t.mappings), func(i int) bool { return t.mappings[i].key() >= key })
	if i < len(t.mappings) && t.mappings[i].key() == key {
		return fmt.Errorf("%w: several mappings declared for %s", ErrDuplicateMapping, m.From())
	}
	t.mappings = append(t.mappings, nil)
	copy(t.mappings[i+1:], t.mappings[i:])
	t.mappings[i] = m
	t.logger.Info().
		Str("from", m.From()).
		Str("to", m.To()).
		Msg("address mapping registered")
	return nil
}

func systemResolver(ctx context.Context, host string) ([]net.IP, error) {
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	ips := make([]net.IP, len(addrs))
	for i, a := range addrs {
		ips[i] = a.IP
	}
	return ips, nil
}

func formatEndpoint(addr [4]byte, port uint16) string {
	if port == 0 {
		return net.IP(addr[:]).String()
	}
	return fmt.Sprintf("%s:%d", net.IP(addr[:]).String(), port)
}
