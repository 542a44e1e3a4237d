package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "relay":
		return relayTemplate, nil
	case "peer":
		return peerTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const relayTemplate = `addr = ":7400"
admin_addr = "127.0.0.1:7401"
token = ""
cors_origins = ["http://localhost:3000"]
participant_duplicates = "allow"
identity_duplicates = "allow"

[session]
handshake_timeout = "5s"
write_timeout = "10s"
heartbeat_interval = "5s"
session_dead_after = "15s"
mint_timeout = "10s"
`

const peerTemplate = `relay_addr = "127.0.0.1:7400"
stable_id = 1001
device_id = ""
name = "headset-1"
token = ""
anchor_db = "anchors.db"
mode = "auto"
target = 0
create_on_failure = false
align_passes = 2

[session]
connect_timeout = "5s"
heartbeat_interval = "5s"
attempt_timeout = "30s"
mint_timeout = "10s"
backoff_initial = "250ms"
backoff_max = "5s"
backoff_multiplier = 2.0
backoff_jitter = true
`
