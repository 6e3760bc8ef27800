package registry

import (
	"fmt"
	"io"
)

// ServerInfo is one active record, copied out for the diagnostic surfaces.
type ServerInfo struct {
	Address          string `json:"address"`
	MappedTo         string `json:"mapped_to,omitempty"`
	Family           string `json:"family"`
	State            State  `json:"state"`
	Game             string `json:"game,omitempty"`
	Protocol         int32  `json:"protocol"`
	GameType         int32  `json:"gametype"`
	Map              string `json:"map,omitempty"`
	HostName         string `json:"hostname,omitempty"`
	Timeout          int64  `json:"timeout"`
	ChallengeTimeout int64  `json:"challenge_timeout"`
}

// Stats is a point-in-time copy of the registry's occupancy and counters.
type Stats struct {
	Active   int            `json:"active"`
	Capacity int            `json:"capacity"`
	IPv4     int            `json:"ipv4"`
	IPv6     int            `json:"ipv6"`
	PerGame  map[string]int `json:"per_game"`
	Counters Counters       `json:"counters"`
}

// Snapshot copies every live record in slot order. It never evicts: a
// record past its timeout is skipped, not removed, so observing the
// registry does not change it.
func (r *Registry) Snapshot() []ServerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clk.Now()
	out := make([]ServerInfo, 0, r.nbServers)
	for ind := 0; ind <= r.lastUsedSlot; ind++ {
		sv := &r.servers[ind]
		if sv.State == StateUnused || sv.Timeout < now {
			continue
		}
		info := ServerInfo{
			Address:          sv.Address.String(),
			Family:           sv.Address.Family.String(),
			State:            sv.State,
			Game:             sv.GameName,
			Protocol:         sv.Protocol,
			GameType:         sv.GameType,
			Map:              sv.MapName,
			HostName:         sv.HostName,
			Timeout:          sv.Timeout,
			ChallengeTimeout: sv.ChallengeTimeout,
		}
		if sv.Mapping != nil {
			info.MappedTo = sv.Mapping.To()
		}
		out = append(out, info)
	}
	return out
}

// Stats aggregates occupancy without evicting anything.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clk.Now()
	st := Stats{
		Capacity: len(r.servers),
		PerGame:  make(map[string]int),
		Counters: r.counters,
	}
	for ind := 0; ind <= r.lastUsedSlot; ind++ {
		sv := &r.servers[ind]
		if sv.State == StateUnused || sv.Timeout < now {
			continue
		}
		st.Active++
		if sv.Address.Family == FamilyIPv6 {
			st.IPv6++
		} else {
			st.IPv4++
		}
		if sv.GameName != "" {
			st.PerGame[sv.GameName]++
		}
	}
	return st
}

// WriteInfo writes the plain-text snapshot, one line per live record:
//
//	endpoint,state,game,gametype,map,hostname,challenge_timeout
func (r *Registry) WriteInfo(w io.Writer) error {
	for _, sv := range r.Snapshot() {
		_, err := fmt.Fprintf(w, "%s,%s,%s,%d,%s,%s,%d\n",
			sv.Address, sv.State, sv.Game, sv.GameType, sv.Map, sv.HostName, sv.ChallengeTimeout)
		if err != nil {
			return err
		}
	}
	return nil
}
