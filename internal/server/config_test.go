package server

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := validate(DefaultConfig()); err != nil {
		t.Fatalf("defaults fail validation: %v", err)
	}
}

func TestLoadConfigYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte(`
serial:
  device: /dev/ttyUSB0
  baud: 9600
team:
  id: 1082
  accept: [2001]
uplink:
  interval_ms: 500
storage:
  greptime:
    host: greptime.local
`), 0644)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	snap := cfg.Snapshot()
	if snap.Serial.Device != "/dev/ttyUSB0" || snap.Serial.Baud != 9600 {
		t.Errorf("serial = %+v", snap.Serial)
	}
	if snap.Team.ID != 1082 || len(snap.Team.Accept) != 1 || snap.Team.Accept[0] != 2001 {
		t.Errorf("team = %+v", snap.Team)
	}
	if snap.UplinkInterval().Milliseconds() != 500 {
		t.Errorf("interval = %v", snap.UplinkInterval())
	}
	// untouched sections keep their defaults
	if snap.Storage.Greptime.Host != "greptime.local" || snap.Storage.Greptime.Port != 4001 {
		t.Errorf("greptime = %+v", snap.Storage.Greptime)
	}
	if snap.Server.ListenAddr != ":8080" {
		t.Errorf("listen = %q", snap.Server.ListenAddr)
	}
}

func TestLoadConfigTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "station.toml")
	os.WriteFile(path, []byte(`
[serial]
device = "demo"
demo = true

[team]
id = 3003

[flight_log]
enabled = false
`), 0644)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	snap := cfg.Snapshot()
	if !snap.Serial.Demo || snap.Serial.Device != "demo" || snap.Team.ID != 3003 || snap.FlightLog.Enabled {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.Serial.Baud != 115200 {
		t.Fatalf("baud default lost: %d", snap.Serial.Baud)
	}
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Snapshot().Serial.Baud != 115200 {
		t.Fatalf("defaults not applied")
	}
}

func TestEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("team:\n  id: 1\n"), 0644)
	os.WriteFile(filepath.Join(dir, ".env"), []byte("# bench setup\nGS_LISTEN_ADDR=\":9090\"\nGS_BAUD=57600\n"), 0644)

	t.Setenv("GS_TEAM_ID", "1082")
	t.Setenv("GS_TEAM_ACCEPT", "2001, 2002")
	t.Setenv("GS_FLIGHT_LOG_DIR", filepath.Join(dir, "flights"))
	t.Setenv("GS_LOG_LEVEL", "debug")
	t.Setenv("GS_BAUD", "")
	t.Setenv("GS_LISTEN_ADDR", "")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	snap := cfg.Snapshot()
	if snap.Team.ID != 1082 || len(snap.Team.Accept) != 2 {
		t.Errorf("team = %+v", snap.Team)
	}
	if snap.FlightLog.Dir != filepath.Join(dir, "flights") || snap.Log.Level != "debug" {
		t.Errorf("flight log %q, level %q", snap.FlightLog.Dir, snap.Log.Level)
	}
	if snap.Server.ListenAddr != ":9090" || snap.Serial.Baud != 57600 {
		t.Errorf(".env not applied: listen %q baud %d", snap.Server.ListenAddr, snap.Serial.Baud)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("serial:\n  baud: 0\nlog:\n  level: chatty\n"), 0644)

	_, err := LoadConfig(path)
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestUpdateFromJSONDeepMerges(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.Greptime.Password = "secret"

	if err := cfg.UpdateFromJSON([]byte(`{"storage":{"greptime":{"host":"db"}},"uplink":{"intervalMs":250}}`)); err != nil {
		t.Fatal(err)
	}
	snap := cfg.Snapshot()
	if snap.Storage.Greptime.Host != "db" || snap.Storage.Greptime.Port != 4001 || snap.Uplink.IntervalMs != 250 {
		t.Fatalf("merge lost fields: %+v", snap)
	}
	if snap.Storage.Greptime.Password != "secret" {
		t.Fatalf("password dropped by JSON round trip")
	}

	if err := cfg.UpdateFromJSON([]byte(`{"uplink":{"intervalMs":1}}`)); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err = %v", err)
	}
	if cfg.Snapshot().Uplink.IntervalMs != 250 {
		t.Fatalf("rejected update was applied")
	}
}

func TestSaveRoundTrips(t *testing.T) {
	for _, name := range []string{"config.yaml", "config.toml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			cfg := DefaultConfig()
			cfg.path = path
			cfg.Team.ID = 1082
			cfg.Serial.Device = "/dev/ttyACM0"
			if err := cfg.Save(); err != nil {
				t.Fatal(err)
			}
			loaded, err := LoadConfig(path)
			if err != nil {
				t.Fatal(err)
			}
			if s := loaded.Snapshot(); s.Team.ID != 1082 || s.Serial.Device != "/dev/ttyACM0" {
				t.Fatalf("round trip = %+v", s)
			}
		})
	}
}
