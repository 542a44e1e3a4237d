package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/coloc/internal/directory"
	"github.com/danmuck/coloc/internal/identity"
	"github.com/danmuck/coloc/internal/protocol"
	"github.com/danmuck/coloc/internal/protocol/session"
	"github.com/danmuck/coloc/internal/relay"
	"github.com/danmuck/coloc/internal/testutil/testlog"
)

type sessionOnly struct {
	Session SessionFile `toml:"session"`
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestApplySessionOverlaysDefinedKeysOnly(t *testing.T) {
	testlog.Start(t)
	path := writeFile(t, `
[session]
heartbeat_interval = "2s"
attempt_timeout = "0s"
backoff_jitter = false
`)
	var raw sessionOnly
	meta, err := DecodeFile(path, &raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got := ApplySession(meta, raw.Session, session.DefaultConfig())
	def := session.DefaultConfig()

	if got.HeartbeatInterval != 2*time.Second {
		t.Fatalf("heartbeat got=%s want=2s", got.HeartbeatInterval)
	}
	if got.AttemptTimeout != 0 {
		t.Fatalf("attempt timeout got=%s want=0 (wait forever)", got.AttemptTimeout)
	}
	if got.Backoff.Jitter {
		t.Fatalf("backoff jitter not overlaid")
	}
	if got.WriteTimeout != def.WriteTimeout || got.MintTimeout != def.MintTimeout {
		t.Fatalf("undefined keys changed: write=%s mint=%s", got.WriteTimeout, got.MintTimeout)
	}
	if got.SessionDeadAfter <= got.HeartbeatInterval {
		t.Fatalf("dead-after %s must exceed heartbeat %s", got.SessionDeadAfter, got.HeartbeatInterval)
	}
}

func TestDecodeFileRejectsUnknownKeysAndBadDurations(t *testing.T) {
	testlog.Start(t)
	var raw sessionOnly
	if _, err := DecodeFile(writeFile(t, "[session]\nheartbeat = \"1s\"\n"), &raw); err == nil {
		t.Fatalf("expected unknown key error")
	}
	if _, err := DecodeFile(writeFile(t, "[session]\nwrite_timeout = \"soon\"\n"), &raw); err == nil {
		t.Fatalf("expected duration parse error")
	}
	if _, err := DecodeFile(filepath.Join(t.TempDir(), "missing.toml"), &raw); err == nil {
		t.Fatalf("expected missing file error")
	}
}

func TestParseEnvLeavesUnsetFields(t *testing.T) {
	testlog.Start(t)
	t.Setenv("COLOC_TEST_ADDR", "10.0.0.1:7400")
	out := struct {
		Addr  string `env:"COLOC_TEST_ADDR"`
		Token string `env:"COLOC_TEST_TOKEN_UNSET"`
	}{Token: "keep"}
	if err := ParseEnv(&out); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if out.Addr != "10.0.0.1:7400" || out.Token != "keep" {
		t.Fatalf("env overlay got=%+v", out)
	}
}

func TestWriteTemplate(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "relay.toml")
	if err := WriteTemplate(path, "relay", false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	if err := WriteTemplate(path, "relay", false); err == nil {
		t.Fatalf("expected refusal to overwrite")
	}
	if err := WriteTemplate(path, "peer", true); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if _, err := Template("ghost"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}

func TestLoadRelayConfigDefaultsAndOverrides(t *testing.T) {
	testlog.Start(t)
	path := writeFile(t, `
addr = "127.0.0.1:7500"
admin_addr = "127.0.0.1:7501"
token = "file-secret"
participant_duplicates = "replace"
identity_duplicates = "reject"
capacity = 8

[session]
session_dead_after = "30s"
`)
	t.Setenv("COLOC_RELAY_TOKEN", "env-secret")

	cfg, err := LoadRelayConfig(path)
	if err != nil {
		t.Fatalf("load relay config: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:7500" || cfg.AdminAddr != "127.0.0.1:7501" {
		t.Fatalf("addresses got listen=%q admin=%q", cfg.ListenAddr, cfg.AdminAddr)
	}
	if cfg.Token != "env-secret" {
		t.Fatalf("token got=%q want=env-secret", cfg.Token)
	}
	if cfg.Directory.Duplicates != directory.ReplaceExisting || cfg.Directory.Capacity != 8 {
		t.Fatalf("directory options got=%+v", cfg.Directory)
	}
	if cfg.Identity.Duplicates != identity.RejectDuplicates {
		t.Fatalf("identity options got=%+v", cfg.Identity)
	}
	if cfg.Session.SessionDeadAfter != 30*time.Second {
		t.Fatalf("dead-after got=%s", cfg.Session.SessionDeadAfter)
	}
}

func TestLoadRelayConfigWithoutFileUsesDefaults(t *testing.T) {
	testlog.Start(t)
	cfg, err := LoadRelayConfig("")
	if err != nil {
		t.Fatalf("load relay config: %v", err)
	}
	if cfg.ListenAddr != relay.DefaultConfig().ListenAddr {
		t.Fatalf("listen got=%q", cfg.ListenAddr)
	}
	if _, err := LoadRelayConfig(writeFile(t, `participant_duplicates = "reject"`)); err == nil {
		t.Fatalf("expected participant policy error")
	}
}

func TestLoadPeerConfig(t *testing.T) {
	testlog.Start(t)
	device := protocol.NewDeviceID()
	path := writeFile(t, `
relay_addr = "10.0.0.2:7400"
stable_id = 7
device_id = "`+device.String()+`"
mode = "follow"
target = 3
align_passes = 0

[session]
attempt_timeout = "45s"
`)
	cfg, err := LoadPeerConfig(path)
	if err != nil {
		t.Fatalf("load peer config: %v", err)
	}
	if cfg.Client.Address != "10.0.0.2:7400" || cfg.Client.StableID != 7 || cfg.Client.Device != device {
		t.Fatalf("client config got=%+v", cfg.Client)
	}
	if cfg.Mode != ModeFollow || cfg.Target != 3 {
		t.Fatalf("mode got=%q target=%s", cfg.Mode, cfg.Target)
	}
	if cfg.AlignPasses != 1 {
		t.Fatalf("align passes got=%d want=1", cfg.AlignPasses)
	}
	if cfg.Client.Session.AttemptTimeout != 45*time.Second {
		t.Fatalf("attempt timeout got=%s", cfg.Client.Session.AttemptTimeout)
	}
}

func TestLoadPeerConfigEnvAndValidation(t *testing.T) {
	testlog.Start(t)
	if _, err := LoadPeerConfig(""); err == nil {
		t.Fatalf("expected missing relay address error")
	}

	t.Setenv("COLOC_RELAY_ADDR", "127.0.0.1:7400")
	t.Setenv("COLOC_PEER_STABLE_ID", "42")
	cfg, err := LoadPeerConfig("")
	if err != nil {
		t.Fatalf("load peer config from env: %v", err)
	}
	if cfg.Client.StableID != 42 || cfg.Mode != ModeAuto {
		t.Fatalf("env config got id=%s mode=%q", cfg.Client.StableID, cfg.Mode)
	}
	if cfg.Client.Device == (protocol.DeviceID{}) {
		t.Fatalf("expected a generated device id")
	}

	if _, err := LoadPeerConfig(writeFile(t, `mode = "follow"`)); err == nil {
		t.Fatalf("expected follow without target to fail")
	}
	t.Setenv("COLOC_PEER_STABLE_ID", "zero")
	if _, err := LoadPeerConfig(""); err == nil {
		t.Fatalf("expected bad stable id error")
	}
}

func TestTemplatesLoad(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	relayPath := filepath.Join(dir, "relay.toml")
	peerPath := filepath.Join(dir, "peer.toml")
	if err := WriteTemplate(relayPath, "relay", false); err != nil {
		t.Fatalf("write relay template: %v", err)
	}
	if err := WriteTemplate(peerPath, "peer", false); err != nil {
		t.Fatalf("write peer template: %v", err)
	}
	if _, err := LoadRelayConfig(relayPath); err != nil {
		t.Fatalf("relay template: %v", err)
	}
	if _, err := LoadPeerConfig(peerPath); err != nil {
		t.Fatalf("peer template: %v", err)
	}
}
