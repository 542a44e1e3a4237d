// Package config holds the TOML and environment loading shared by the
// relay and peer binaries.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/danmuck/coloc/internal/protocol/session"
)

// Duration decodes TOML strings such as "250ms" or "5s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", string(text), err)
	}
	d.Duration = v
	return nil
}

// SessionFile is the [session] table shared by relayctl and peerctl.
type SessionFile struct {
	ConnectTimeout    Duration `toml:"connect_timeout"`
	HandshakeTimeout  Duration `toml:"handshake_timeout"`
	WriteTimeout      Duration `toml:"write_timeout"`
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	SessionDeadAfter  Duration `toml:"session_dead_after"`
	AttemptTimeout    Duration `toml:"attempt_timeout"`
	MintTimeout       Duration `toml:"mint_timeout"`
	BackoffInitial    Duration `toml:"backoff_initial"`
	BackoffMax        Duration `toml:"backoff_max"`
	BackoffMultiplier float64  `toml:"backoff_multiplier"`
	BackoffJitter     bool     `toml:"backoff_jitter"`
}

// DecodeFile reads path into out and returns the key metadata used for
// default overlays.
func DecodeFile(path string, out any) (toml.MetaData, error) {
	meta, err := toml.DecodeFile(path, out)
	if err != nil {
		return toml.MetaData{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return toml.MetaData{}, fmt.Errorf("config load failed (%s): unknown keys %s", path, strings.Join(keys, ", "))
	}
	return meta, nil
}

// ApplySession overlays the keys defined under [session] onto cfg.
func ApplySession(meta toml.MetaData, raw SessionFile, cfg session.Config) session.Config {
	defined := func(key string) bool { return meta.IsDefined("session", key) }
	if defined("connect_timeout") {
		cfg.ConnectTimeout = raw.ConnectTimeout.Duration
	}
	if defined("handshake_timeout") {
		cfg.HandshakeTimeout = raw.HandshakeTimeout.Duration
	}
	if defined("write_timeout") {
		cfg.WriteTimeout = raw.WriteTimeout.Duration
	}
	if defined("heartbeat_interval") {
		cfg.HeartbeatInterval = raw.HeartbeatInterval.Duration
	}
	if defined("session_dead_after") {
		cfg.SessionDeadAfter = raw.SessionDeadAfter.Duration
	}
	if defined("attempt_timeout") {
		cfg.AttemptTimeout = raw.AttemptTimeout.Duration
	}
	if defined("mint_timeout") {
		cfg.MintTimeout = raw.MintTimeout.Duration
	}
	if defined("backoff_initial") {
		cfg.Backoff.InitialDelay = raw.BackoffInitial.Duration
	}
	if defined("backoff_max") {
		cfg.Backoff.MaxDelay = raw.BackoffMax.Duration
	}
	if defined("backoff_multiplier") {
		cfg.Backoff.Multiplier = raw.BackoffMultiplier
	}
	if defined("backoff_jitter") {
		cfg.Backoff.Jitter = raw.BackoffJitter
	}
	return cfg.WithDefaults()
}

// ParseEnv fills the env-tagged fields of out from the environment. Unset
// variables leave fields untouched.
func ParseEnv(out any) error {
	if err := env.Parse(out); err != nil {
		return fmt.Errorf("config env: %w", err)
	}
	return nil
}
