package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/danmuck/coloc/internal/peer"
	"github.com/danmuck/coloc/internal/protocol"
)

// Colocation modes for peerctl.
const (
	ModeHost   = "host"
	ModeAuto   = "auto"
	ModeFollow = "follow"
)

// PeerConfig is the runtime configuration of one peerctl participant.
type PeerConfig struct {
	Client          peer.ClientConfig
	AnchorDB        string
	Mode            string
	Target          protocol.StableID
	CreateOnFailure bool
	AlignPasses     int
}

func DefaultPeerConfig() PeerConfig {
	return PeerConfig{
		Client:      peer.DefaultClientConfig(),
		AnchorDB:    "anchors.db",
		Mode:        ModeAuto,
		AlignPasses: 2,
	}
}

// peerctl config.toml key mapping to participant settings.
type peerFile struct {
	RelayAddr       string      `toml:"relay_addr"`
	StableID        int64       `toml:"stable_id"`
	DeviceID        string      `toml:"device_id"`
	Name            string      `toml:"name"`
	Token           string      `toml:"token"`
	AnchorDB        string      `toml:"anchor_db"`
	Mode            string      `toml:"mode"`
	Target          int64       `toml:"target"`
	CreateOnFailure bool        `toml:"create_on_failure"`
	AlignPasses     int         `toml:"align_passes"`
	ConnectAttempts int         `toml:"connect_attempts"`
	Session         SessionFile `toml:"session"`
}

type peerEnv struct {
	RelayAddr string `env:"COLOC_RELAY_ADDR"`
	StableID  string `env:"COLOC_PEER_STABLE_ID"`
	DeviceID  string `env:"COLOC_PEER_DEVICE_ID"`
	Token     string `env:"COLOC_RELAY_TOKEN"`
	AnchorDB  string `env:"COLOC_PEER_ANCHOR_DB"`
}

// LoadPeerConfig overlays path (optional) and COLOC_* variables onto
// DefaultPeerConfig. A missing device id is minted fresh.
func LoadPeerConfig(path string) (PeerConfig, error) {
	cfg := DefaultPeerConfig()

	if strings.TrimSpace(path) != "" {
		var raw peerFile
		meta, err := DecodeFile(path, &raw)
		if err != nil {
			return PeerConfig{}, err
		}
		if meta.IsDefined("relay_addr") {
			cfg.Client.Address = strings.TrimSpace(raw.RelayAddr)
		}
		if meta.IsDefined("stable_id") {
			if raw.StableID <= 0 {
				return PeerConfig{}, fmt.Errorf("load peer config: stable_id must be positive")
			}
			cfg.Client.StableID = protocol.StableID(raw.StableID)
		}
		if meta.IsDefined("device_id") && strings.TrimSpace(raw.DeviceID) != "" {
			device, err := protocol.ParseDeviceID(raw.DeviceID)
			if err != nil {
				return PeerConfig{}, fmt.Errorf("load peer config: %w", err)
			}
			cfg.Client.Device = device
		}
		if meta.IsDefined("name") {
			cfg.Client.Name = strings.TrimSpace(raw.Name)
		}
		if meta.IsDefined("token") {
			cfg.Client.Token = strings.TrimSpace(raw.Token)
		}
		if meta.IsDefined("anchor_db") {
			cfg.AnchorDB = strings.TrimSpace(raw.AnchorDB)
		}
		if meta.IsDefined("mode") {
			cfg.Mode = strings.ToLower(strings.TrimSpace(raw.Mode))
		}
		if meta.IsDefined("target") {
			if raw.Target < 0 {
				return PeerConfig{}, fmt.Errorf("load peer config: target must not be negative")
			}
			cfg.Target = protocol.StableID(raw.Target)
		}
		if meta.IsDefined("create_on_failure") {
			cfg.CreateOnFailure = raw.CreateOnFailure
		}
		if meta.IsDefined("align_passes") {
			cfg.AlignPasses = raw.AlignPasses
		}
		if meta.IsDefined("connect_attempts") {
			cfg.Client.MaxConnectAttempts = raw.ConnectAttempts
		}
		cfg.Client.Session = ApplySession(meta, raw.Session, cfg.Client.Session)
	}

	var overlay peerEnv
	if err := ParseEnv(&overlay); err != nil {
		return PeerConfig{}, err
	}
	if overlay.RelayAddr != "" {
		cfg.Client.Address = overlay.RelayAddr
	}
	if overlay.StableID != "" {
		id, err := strconv.ParseUint(overlay.StableID, 10, 64)
		if err != nil || id == 0 {
			return PeerConfig{}, fmt.Errorf("load peer config: COLOC_PEER_STABLE_ID %q is not a positive integer", overlay.StableID)
		}
		cfg.Client.StableID = protocol.StableID(id)
	}
	if overlay.DeviceID != "" {
		device, err := protocol.ParseDeviceID(overlay.DeviceID)
		if err != nil {
			return PeerConfig{}, fmt.Errorf("load peer config: %w", err)
		}
		cfg.Client.Device = device
	}
	if overlay.Token != "" {
		cfg.Client.Token = overlay.Token
	}
	if overlay.AnchorDB != "" {
		cfg.AnchorDB = overlay.AnchorDB
	}

	if err := cfg.finish(); err != nil {
		return PeerConfig{}, err
	}
	return cfg, nil
}

// finish validates the merged config and fills generated values.
func (c *PeerConfig) finish() error {
	if strings.TrimSpace(c.Client.Address) == "" {
		return fmt.Errorf("load peer config: relay_addr is required")
	}
	if c.Client.StableID == 0 {
		return fmt.Errorf("load peer config: stable_id is required")
	}
	switch c.Mode {
	case ModeHost, ModeAuto:
	case ModeFollow:
		if c.Target == 0 {
			return fmt.Errorf("load peer config: mode follow requires target")
		}
	default:
		return fmt.Errorf("load peer config: unsupported mode %q (expected host, auto or follow)", c.Mode)
	}
	if strings.TrimSpace(c.AnchorDB) == "" {
		return fmt.Errorf("load peer config: anchor_db is required")
	}
	if c.AlignPasses < 1 {
		c.AlignPasses = 1
	}
	if c.Client.Device == (protocol.DeviceID{}) {
		c.Client.Device = protocol.NewDeviceID()
	}
	c.Client.Session = c.Client.Session.WithDefaults()
	return nil
}
