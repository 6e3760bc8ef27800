package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfigIsValid(t *testing.T) {
	result := Validate(DefaultConfig())
	if !result.IsValid() {
		t.Fatalf("default config failed validation: %+v", result.Errors)
	}
}

func TestValidateMasterData(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*MasterData)
		wantField string
	}{
		{
			name:      "hash size zero",
			mutate:    func(d *MasterData) { d.HashSize = 0 },
			wantField: "master_data.hash_size",
		},
		{
			name:      "hash size too large",
			mutate:    func(d *MasterData) { d.HashSize = 13 },
			wantField: "master_data.hash_size",
		},
		{
			name:      "no servers",
			mutate:    func(d *MasterData) { d.MaxServers = 0 },
			wantField: "master_data.max_servers",
		},
		{
			name:      "negative quota",
			mutate:    func(d *MasterData) { d.MaxServersPerAddress = -1 },
			wantField: "master_data.max_servers_per_address",
		},
		{
			name:      "hash ports with quota",
			mutate:    func(d *MasterData) { d.HashPorts = true },
			wantField: "master_data.hash_ports",
		},
		{
			name: "both families disabled",
			mutate: func(d *MasterData) {
				d.EnableIPv4 = false
				d.EnableIPv6 = false
			},
			wantField: "master_data.enable_ipv4",
		},
		{
			name:      "bad listen address",
			mutate:    func(d *MasterData) { d.ListenAddress = "not-an-ip" },
			wantField: "master_data.listen_address",
		},
		{
			name:      "empty default game",
			mutate:    func(d *MasterData) { d.DefaultGame = " " },
			wantField: "master_data.default_game",
		},
		{
			name:      "unknown policy mode",
			mutate:    func(d *MasterData) { d.GamePolicy.Mode = "banish" },
			wantField: "master_data.game_policy.mode",
		},
		{
			name: "game list without mode",
			mutate: func(d *MasterData) {
				d.GamePolicy.Mode = ""
				d.GamePolicy.Games = []string{"Quake3Arena"}
			},
			wantField: "master_data.game_policy.mode",
		},
		{
			name:      "mapping without separator",
			mutate:    func(d *MasterData) { d.AddressMappings = []string{"1.2.3.4"} },
			wantField: "master_data.address_mappings",
		},
		{
			name: "duplicate mapping",
			mutate: func(d *MasterData) {
				d.AddressMappings = []string{"1.2.3.4=5.6.7.8", "1.2.3.4=9.9.9.9"}
			},
			wantField: "master_data.address_mappings",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg.MasterData)
			result := Validate(cfg)
			if result.IsValid() {
				t.Fatalf("expected validation error for field %s, got none", tt.wantField)
			}
			found := false
			for _, e := range result.Errors {
				if strings.HasPrefix(e.Field, tt.wantField) {
					found = true
				}
			}
			if !found {
				t.Errorf("expected error on %s, got %+v", tt.wantField, result.Errors)
			}
		})
	}
}

func TestValidateHashPortsWithoutQuota(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MasterData.HashPorts = true
	cfg.MasterData.MaxServersPerAddress = 0
	if result := Validate(cfg); !result.IsValid() {
		t.Fatalf("hash_ports without quota should validate, got %+v", result.Errors)
	}
}

func TestValidateApplicationData(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ApplicationData.MQTT.Enabled = true
	cfg.ApplicationData.MQTT.BrokerURL = ""
	result := Validate(cfg)
	if result.IsValid() {
		t.Fatal("expected error for enabled MQTT without broker URL")
	}

	cfg = DefaultConfig()
	cfg.ApplicationData.Snapshot.Enabled = true
	cfg.ApplicationData.Snapshot.Path = ""
	if result := Validate(cfg); result.IsValid() {
		t.Fatal("expected error for enabled snapshot without path")
	}

	cfg = DefaultConfig()
	cfg.ApplicationData.Stats.Enabled = true
	cfg.ApplicationData.Stats.SampleIntervalSec = 0
	if result := Validate(cfg); result.IsValid() {
		t.Fatal("expected error for enabled stats with zero interval")
	}
}

func TestLoadCreatesDefault(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.GetMasterData().Port != DefaultMasterPort {
		t.Errorf("expected default port %d, got %d", DefaultMasterPort, cfg.GetMasterData().Port)
	}
	if _, err := os.Stat(filepath.Join(dir, DefaultConfigFile)); err != nil {
		t.Errorf("default config file not written: %v", err)
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	raw := `{"master_data": {"listen_port": 27960, "default_game": "Quake3Arena"}}`
	if err := os.WriteFile(filepath.Join(dir, DefaultConfigFile), []byte(raw), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	md := cfg.GetMasterData()
	if md.Port != 27960 {
		t.Errorf("expected overlaid port 27960, got %d", md.Port)
	}
	if md.DefaultGame != "Quake3Arena" {
		t.Errorf("expected overlaid game, got %q", md.DefaultGame)
	}
	// Fields absent from the file keep their defaults.
	if md.HashSize != DefaultHashSize {
		t.Errorf("expected default hash size %d, got %d", DefaultHashSize, md.HashSize)
	}
	if !md.EnableIPv4 {
		t.Error("expected IPv4 default to survive overlay")
	}
}
