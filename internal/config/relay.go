package config

import (
	"fmt"
	"strings"

	"github.com/danmuck/coloc/internal/directory"
	"github.com/danmuck/coloc/internal/identity"
	"github.com/danmuck/coloc/internal/relay"
)

// relayctl config.toml key mapping to relay runtime settings.
type relayFile struct {
	Addr                  string      `toml:"addr"`
	AdminAddr             string      `toml:"admin_addr"`
	Token                 string      `toml:"token"`
	CORSOrigins           []string    `toml:"cors_origins"`
	ParticipantDuplicates string      `toml:"participant_duplicates"`
	IdentityDuplicates    string      `toml:"identity_duplicates"`
	Capacity              int         `toml:"capacity"`
	Session               SessionFile `toml:"session"`
}

// relayEnv overrides file settings; deployments inject the token this way.
type relayEnv struct {
	Addr      string `env:"COLOC_RELAY_ADDR"`
	AdminAddr string `env:"COLOC_RELAY_ADMIN_ADDR"`
	Token     string `env:"COLOC_RELAY_TOKEN"`
}

// LoadRelayConfig overlays path (optional) and COLOC_RELAY_* variables onto
// relay.DefaultConfig.
func LoadRelayConfig(path string) (relay.Config, error) {
	cfg := relay.DefaultConfig()

	if strings.TrimSpace(path) != "" {
		var raw relayFile
		meta, err := DecodeFile(path, &raw)
		if err != nil {
			return relay.Config{}, err
		}
		if meta.IsDefined("addr") {
			cfg.ListenAddr = strings.TrimSpace(raw.Addr)
		}
		if meta.IsDefined("admin_addr") {
			cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
		}
		if meta.IsDefined("token") {
			cfg.Token = strings.TrimSpace(raw.Token)
		}
		if meta.IsDefined("cors_origins") {
			cfg.CORSOrigins = raw.CORSOrigins
		}
		if meta.IsDefined("participant_duplicates") {
			policy, err := parseParticipantPolicy(raw.ParticipantDuplicates)
			if err != nil {
				return relay.Config{}, fmt.Errorf("load relay config: %w", err)
			}
			cfg.Directory.Duplicates = policy
		}
		if meta.IsDefined("identity_duplicates") {
			policy, err := parseIdentityPolicy(raw.IdentityDuplicates)
			if err != nil {
				return relay.Config{}, fmt.Errorf("load relay config: %w", err)
			}
			cfg.Identity.Duplicates = policy
		}
		if meta.IsDefined("capacity") {
			if raw.Capacity < 0 {
				return relay.Config{}, fmt.Errorf("load relay config: capacity must not be negative")
			}
			cfg.Directory.Capacity = raw.Capacity
		}
		cfg.Session = ApplySession(meta, raw.Session, cfg.Session)
	}

	var overlay relayEnv
	if err := ParseEnv(&overlay); err != nil {
		return relay.Config{}, err
	}
	if overlay.Addr != "" {
		cfg.ListenAddr = overlay.Addr
	}
	if overlay.AdminAddr != "" {
		cfg.AdminAddr = overlay.AdminAddr
	}
	if overlay.Token != "" {
		cfg.Token = overlay.Token
	}

	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return relay.Config{}, fmt.Errorf("load relay config: addr is required")
	}
	cfg.Session = cfg.Session.WithDefaults()
	return cfg, nil
}

func parseParticipantPolicy(raw string) (directory.DuplicatePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "allow":
		return directory.AllowDuplicates, nil
	case "replace":
		return directory.ReplaceExisting, nil
	default:
		return 0, fmt.Errorf("unsupported participant_duplicates %q (expected allow or replace)", raw)
	}
}

func parseIdentityPolicy(raw string) (identity.DuplicatePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "allow":
		return identity.AllowDuplicates, nil
	case "replace":
		return identity.ReplaceExisting, nil
	case "reject":
		return identity.RejectDuplicates, nil
	default:
		return 0, fmt.Errorf("unsupported identity_duplicates %q (expected allow, replace or reject)", raw)
	}
}
