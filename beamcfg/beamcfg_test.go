package beamcfg_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nasa-jpl/beamctl/beamcfg"
)

func TestDefaultHasFourAxesWithDirectionNegativeOne(t *testing.T) {
	cfg := beamcfg.Default()
	if len(cfg.Axes) != 4 {
		t.Fatalf("expected 4 axes by default, got %d", len(cfg.Axes))
	}
	for _, a := range cfg.Axes {
		if a.Direction != -1 {
			t.Errorf("axis %d: expected default direction -1, got %d", a.Index, a.Direction)
		}
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := beamcfg.Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	if err != nil {
		t.Fatalf("unexpected error for a missing config file: %v", err)
	}
	if len(cfg.Axes) != len(beamcfg.Default().Axes) {
		t.Fatalf("expected the default axis set, got %d axes", len(cfg.Axes))
	}
}

func TestLoadOverlaysFileOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "beamctl.toml")
	const doc = `
[transports.motor-bus]
addr = "10.0.0.5:5020"
connect_timeout_secs = 1.5
read_timeout_secs = 0.05
write_timeout_secs = 0.05
max_reopen_tries = 3

[[axes]]
index = 0
steps_per_unit = 1600
direction = 1
stepper_kind = "standa"
motor_transport = "motor-bus"
encoder_transport = "encoder-bus"

[axes.movement]
velocity = 800
acceleration = 1000
deceleration = 1000
position_window = 0.0005
time_limit_secs = 30
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("writing fixture config: %v", err)
	}

	cfg, err := beamcfg.Load(path)
	if err != nil {
		t.Fatalf("unexpected error loading config: %v", err)
	}

	bus, err := cfg.Transport("motor-bus")
	if err != nil {
		t.Fatalf("unexpected error looking up motor-bus: %v", err)
	}
	if bus.Addr != "10.0.0.5:5020" {
		t.Errorf("expected overridden addr, got %q", bus.Addr)
	}
	if bus.ConnectTimeout() != 1500*time.Millisecond {
		t.Errorf("expected a 1.5s connect timeout, got %v", bus.ConnectTimeout())
	}
	if bus.MaxReopenTries != 3 {
		t.Errorf("expected 3 reopen tries, got %d", bus.MaxReopenTries)
	}

	if len(cfg.Axes) != 1 {
		t.Fatalf("expected the file's single axis to replace the defaults, got %d", len(cfg.Axes))
	}
	axis := cfg.Axes[0]
	if axis.Direction != 1 {
		t.Errorf("expected overridden direction 1, got %d", axis.Direction)
	}
	if axis.Stepper != beamcfg.StepperStanda {
		t.Errorf("expected stepper kind standa, got %q", axis.Stepper)
	}
	if axis.Movement.TimeLimit() != 30*time.Second {
		t.Errorf("expected a 30s time limit, got %v", axis.Movement.TimeLimit())
	}
}

func TestAxisLookupOutOfRange(t *testing.T) {
	cfg := beamcfg.Default()
	if _, err := cfg.Axis(99); err == nil {
		t.Fatal("expected an error for an unconfigured axis index")
	}
}

func TestTransportLookupUnknownName(t *testing.T) {
	cfg := beamcfg.Default()
	if _, err := cfg.Transport("no-such-bus"); err == nil {
		t.Fatal("expected an error for an unknown transport name")
	}
}
