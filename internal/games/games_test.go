package games

import (
	"errors"
	"sort"
	"testing"

	"github.com/rs/zerolog"
)

func newTestPolicy() *Policy {
	return NewPolicy(zerolog.Nop())
}

func TestEmptyPolicyAcceptsEverything(t *testing.T) {
	p := newTestPolicy()
	for _, name := range []string{"Quake3Arena", "DarkPlaces", "Nexuiz", ""} {
		if !p.IsAccepted(name) {
			t.Errorf("IsAccepted(%q) = false with an empty policy", name)
		}
	}
}

func TestAcceptMode(t *testing.T) {
	p := newTestPolicy()
	if err := p.Declare(ModeAccept, []string{"Nexuiz", "DarkPlaces"}); err != nil {
		t.Fatalf("Declare: %v", err)
	}
	if !p.IsAccepted("DarkPlaces") || !p.IsAccepted("Nexuiz") {
		t.Error("declared games must be accepted in accept mode")
	}
	if p.IsAccepted("Quake3Arena") {
		t.Error("undeclared game accepted in accept mode")
	}
}

func TestRejectMode(t *testing.T) {
	p := newTestPolicy()
	if err := p.Declare(ModeReject, []string{"DarkPlaces"}); err != nil {
		t.Fatalf("Declare: %v", err)
	}
	if p.IsAccepted("DarkPlaces") {
		t.Error("declared game accepted in reject mode")
	}
	if !p.IsAccepted("Quake3Arena") {
		t.Error("undeclared game rejected in reject mode")
	}
}

func TestConflictingModeLeavesSetUnchanged(t *testing.T) {
	p := newTestPolicy()
	if err := p.Declare(ModeAccept, []string{"quake3"}); err != nil {
		t.Fatalf("Declare: %v", err)
	}
	err := p.Declare(ModeReject, []string{"doom"})
	if !errors.Is(err, ErrInvalidPolicy) {
		t.Fatalf("Declare with conflicting mode: err = %v, want ErrInvalidPolicy", err)
	}
	if got := p.Names(); len(got) != 1 || got[0] != "quake3" {
		t.Errorf("Names() = %v after failed declaration, want [quake3]", got)
	}
	if !p.IsAccepted("quake3") || p.IsAccepted("doom") {
		t.Error("decision flipped after a failed declaration")
	}
}

func TestUnknownModeWord(t *testing.T) {
	p := newTestPolicy()
	if err := p.Declare("allow", []string{"quake3"}); !errors.Is(err, ErrInvalidPolicy) {
		t.Errorf("Declare(allow) err = %v, want ErrInvalidPolicy", err)
	}
	if p.Len() != 0 {
		t.Errorf("Len() = %d after invalid declaration, want 0", p.Len())
	}
}

func TestRepeatedDeclarationsExtendTheSet(t *testing.T) {
	p := newTestPolicy()
	if err := p.Declare(ModeAccept, []string{"c", "a"}); err != nil {
		t.Fatalf("Declare: %v", err)
	}
	if err := p.Declare(ModeAccept, []string{"b", "a", "d"}); err != nil {
		t.Fatalf("second Declare: %v", err)
	}
	names := p.Names()
	if len(names) != 4 {
		t.Fatalf("Names() = %v, want 4 unique entries", names)
	}
	if !sort.StringsAreSorted(names) {
		t.Errorf("Names() = %v, want sorted order", names)
	}
	for _, name := range []string{"a", "b", "c", "d"} {
		if !p.IsAccepted(name) {
			t.Errorf("IsAccepted(%q) = false", name)
		}
	}
}

func TestModeWord(t *testing.T) {
	p := newTestPolicy()
	if got := p.Mode(); got != ModeReject {
		t.Errorf("Mode() = %q before any declaration, want %q", got, ModeReject)
	}
	if err := p.Declare(ModeAccept, nil); err != nil {
		t.Fatalf("Declare: %v", err)
	}
	if got := p.Mode(); got != ModeAccept {
		t.Errorf("Mode() = %q, want %q", got, ModeAccept)
	}
}
