// Package games implements the game name policy consulted before a server
// is listed. A master is usually run either for one game or for everything
// except a few: the policy is a sorted name set plus a single mode that
// decides whether listed names are the only ones accepted or the only ones
// rejected.
package games

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// Declaration modes accepted by Declare.
const (
	ModeAccept = "accept"
	ModeReject = "reject"
)

// ErrInvalidPolicy reports a malformed or contradictory policy declaration.
var ErrInvalidPolicy = errors.New("invalid game policy")

// Policy is the declared game name set and its decision mode. The mode is
// latched by the first declaration; later declarations may only add names
// under the same mode. With no names declared every game is accepted.
type Policy struct {
	names           []string
	rejectWhenKnown bool
	declared        bool
	logger          zerolog.Logger
}

// NewPolicy returns an empty policy that accepts every game.
func NewPolicy(logger zerolog.Logger) *Policy {
	return &Policy{
		rejectWhenKnown: true,
		logger:          logger,
	}
}

// Declare adds names to the policy under the given mode. The first call
// fixes the mode; a later call with the other mode fails and leaves the set
// unchanged. Duplicate names are ignored.
func (p *Policy) Declare(mode string, names []string) error {
	var reject bool
	switch mode {
	case ModeAccept:
		reject = false
	case ModeReject:
		reject = true
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidPolicy, mode)
	}

	if p.declared && reject != p.rejectWhenKnown {
		return fmt.Errorf("%w: mode %q conflicts with the earlier %q declaration",
			ErrInvalidPolicy, mode, p.Mode())
	}
	p.rejectWhenKnown = reject
	p.declared = true

	for _, name := range names {
		i, found := p.find(name)
		if found {
			continue
		}
		p.names = append(p.names, "")
		copy(p.names[i+1:], p.names[i:])
		p.names[i] = name
	}

	p.logger.Info().
		Str("mode", p.Mode()).
		Str("games", strings.Join(names, ", ")).
		Int("total", len(p.names)).
		Msg("game policy declared")
	return nil
}

// IsAccepted reports whether a game may be listed on this master. Listed
// names pass in accept mode, everything else passes in reject mode.
func (p *Policy) IsAccepted(name string) bool {
	_, found := p.find(name)
	return found != p.rejectWhenKnown
}

// Mode returns the declaration mode word.
func (p *Policy) Mode() string {
	if p.rejectWhenKnown {
		return ModeReject
	}
	return ModeAccept
}

// Names returns a copy of the declared names in sorted order.
func (p *Policy) Names() []string {
	out := make([]string, len(p.names))
	copy(out, p.names)
	return out
}

// Len returns the number of declared names.
func (p *Policy) Len() int {
	return len(p.names)
}

// find locates name in the sorted set, returning its index when present or
// the insertion index when not.
func (p *Policy) find(name string) (int, bool) {
	i := sort.SearchStrings(p.names, name)
	return i, i < len(p.names) && p.names[i] == name
}
