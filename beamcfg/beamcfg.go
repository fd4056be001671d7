/*Package beamcfg defines the typed configuration surface for a beamctl
instance — axis count, transport addresses, device identities, and
movement-parameter defaults — and loads it from a TOML file with koanf,
the same library the teacher's cmd/ binaries use for their own YAML
config. It does not parse the client-facing move/stop/get command
grammar; that is a northbound concern, not a config-file concern.
*/
package beamcfg

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/nasa-jpl/beamctl/util"
)

// StepperKind selects which wire implementation an axis's motor speaks.
type StepperKind string

const (
	StepperEM2RS  StepperKind = "em2rs"
	StepperStanda StepperKind = "standa"
)

// Transport is a TCP endpoint configuration shared by comm.LazyTransport.
// Timeouts are stored as floating-point seconds, the same representation
// koanf/TOML hands back for a bare numeric field, and converted to a
// time.Duration with util.SecsToDuration at the point of use.
type Transport struct {
	Addr               string  `koanf:"addr"`
	ConnectTimeoutSecs float64 `koanf:"connect_timeout_secs"`
	ReadTimeoutSecs    float64 `koanf:"read_timeout_secs"`
	WriteTimeoutSecs   float64 `koanf:"write_timeout_secs"`
	MaxReopenTries     int     `koanf:"max_reopen_tries"`
}

func (t Transport) ConnectTimeout() time.Duration { return util.SecsToDuration(t.ConnectTimeoutSecs) }
func (t Transport) ReadTimeout() time.Duration     { return util.SecsToDuration(t.ReadTimeoutSecs) }
func (t Transport) WriteTimeout() time.Duration    { return util.SecsToDuration(t.WriteTimeoutSecs) }

// MovementDefaults seeds axis.MovementParams for moves that don't
// override them explicitly.
type MovementDefaults struct {
	Velocity       uint16  `koanf:"velocity"`
	Acceleration   uint16  `koanf:"acceleration"`
	Deceleration   uint16  `koanf:"deceleration"`
	PositionWindow float32 `koanf:"position_window"`
	TimeLimitSecs  float64 `koanf:"time_limit_secs"`
}

func (m MovementDefaults) TimeLimit() time.Duration { return util.SecsToDuration(m.TimeLimitSecs) }

// AxisConfig describes one logical degree of freedom: its mechanical
// calibration and the identities of the devices it drives.
type AxisConfig struct {
	Index        int         `koanf:"index"`
	StepsPerUnit float32     `koanf:"steps_per_unit"`
	Direction    int8        `koanf:"direction"`
	Stepper      StepperKind `koanf:"stepper_kind"`

	// Motor and Encoder name a Transports entry by key; Thermometer may
	// be empty, meaning this axis has no thermometer.
	Motor       string `koanf:"motor_transport"`
	Encoder     string `koanf:"encoder_transport"`
	Thermometer string `koanf:"thermometer_transport"`

	// ModbusUnitID addresses this axis's motor on a shared Modbus bus
	// when Stepper is StepperEM2RS; cmd/beamctld also uses it as the
	// axis's RF256 encoder device id.
	ModbusUnitID byte `koanf:"modbus_unit_id"`

	// LowLimitBit/HighLimitBit are the SI-status bit indices (0..=7)
	// this axis's motor reports its limit switches on.
	LowLimitBit  uint `koanf:"low_limit_bit"`
	HighLimitBit uint `koanf:"high_limit_bit"`

	Movement MovementDefaults `koanf:"movement"`

	// SoftLimit, if non-nil, bounds every MoveTo target for this axis;
	// nil means unlimited.
	SoftLimit *util.Limiter `koanf:"soft_limit"`
}

// Config is the top-level beamctl configuration: a set of named
// transports shared across axes (one physical bus may carry several
// axes' motor or encoder traffic) and the axes themselves.
type Config struct {
	Transports map[string]Transport `koanf:"transports"`
	Axes       []AxisConfig         `koanf:"axes"`
}

// Default returns the configuration used when no config file is present
// or a loaded file omits a field: four axes (the spec's typical count),
// sharing two transports, direction -1 (this module's common wiring
// convention), with moderate movement defaults.
func Default() Config {
	movement := MovementDefaults{
		Velocity:       400,
		Acceleration:   500,
		Deceleration:   500,
		PositionWindow: 0.001,
		TimeLimitSecs:  60,
	}
	transport := func(addr string) Transport {
		return Transport{
			Addr:               addr,
			ConnectTimeoutSecs: 2,
			ReadTimeoutSecs:    0.1,
			WriteTimeoutSecs:   0.1,
			MaxReopenTries:     5,
		}
	}

	cfg := Config{
		Transports: map[string]Transport{
			"motor-bus":   transport("127.0.0.1:5020"),
			"encoder-bus": transport("127.0.0.1:5021"),
		},
	}
	for i := 0; i < 4; i++ {
		cfg.Axes = append(cfg.Axes, AxisConfig{
			Index:        i,
			StepsPerUnit: 800,
			Direction:    -1,
			Stepper:      StepperEM2RS,
			Motor:        "motor-bus",
			Encoder:      "encoder-bus",
			ModbusUnitID: byte(i + 1),
			LowLimitBit:  0,
			HighLimitBit: 1,
			Movement:     movement,
		})
	}
	return cfg
}

// Load reads path as TOML and overlays it onto Default(); a missing file
// is not an error — it simply leaves the defaults in place, matching the
// teacher's own "no such file, who cares" tolerance in cmd/multiserver.
func Load(path string) (Config, error) {
	cfg := Default()

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
		if !strings.Contains(err.Error(), "no such file") {
			return cfg, fmt.Errorf("beamcfg: loading %s: %w", path, err)
		}
		return cfg, nil
	}

	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, fmt.Errorf("beamcfg: unmarshaling %s: %w", path, err)
	}
	return cfg, nil
}

// Axis looks up one axis's configuration by its logical index.
func (c Config) Axis(index int) (AxisConfig, error) {
	for _, a := range c.Axes {
		if a.Index == index {
			return a, nil
		}
	}
	return AxisConfig{}, fmt.Errorf("beamcfg: no axis configured at index %d", index)
}

// Transport looks up a named transport entry.
func (c Config) Transport(name string) (Transport, error) {
	t, ok := c.Transports[name]
	if !ok {
		return Transport{}, fmt.Errorf("beamcfg: no transport named %q", name)
	}
	return t, nil
}
