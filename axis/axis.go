/*Package axis is the facade a northbound caller drives: one logical degree
of freedom, backed by one motor, one encoder, and optionally one
thermometer, sharing calibration and a moving flag. It owns exactly one
running position-loop task at a time and is the seam where C5's executors,
C6's loop, and C4's controllers come together for a single axis.

Grounded on the reference controller's SingleAxis: move_to_position
rejects a second move while one is in flight, stop() halts the motor and
joins the loop task, and get_axis_state fans out position/motor-state/
temperature queries concurrently, each carrying its own error so a partial
read is still useful.
*/
package axis

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nasa-jpl/beamctl/ctlerr"
	"github.com/nasa-jpl/beamctl/posloop"
	"github.com/nasa-jpl/beamctl/stepper"
	"github.com/nasa-jpl/beamctl/util"
)

// Thermometer reads a temperature sample. Implementations typically wrap
// an *executor.Executor fronting a thermometer bus; axis does not care how
// the sample is obtained.
type Thermometer interface {
	GetTemperature() (float32, error)
}

// Config holds an axis's immutable identity and calibration.
type Config struct {
	Index int

	// StepsPerUnit converts a position error into a step count; this is a
	// per-axis mechanical calibration, not a module-wide constant, since
	// different axis types (slit, filter, attenuator) share this engine
	// with different gearing.
	StepsPerUnit float32

	// Direction is +1 or -1, compensating for axes whose step direction
	// is wired opposite to the encoder's position convention.
	Direction int8

	// Limit is the axis's software travel limit, checked by MoveTo
	// against the requested target before anything is sent to the motor.
	// Nil means unlimited.
	Limit *util.Limiter
}

// MovementParams configures one move. Velocity matches the 16-bit width of
// the wire register every stepper.Controller implementation exposes, so it
// can never carry an out-of-range value in the first place.
type MovementParams struct {
	Acceleration   uint16
	Deceleration   uint16
	Velocity       uint16
	PositionWindow float32
	TimeLimit      time.Duration
}

// MotorState is the subset of stepper.State a state snapshot reports.
type MotorState struct {
	Moving   bool
	LimitLow bool
	LimitHigh bool
}

// Snapshot is a point-in-time read of an axis. Each field pairs a value
// with its own error, so an encoder fault does not hide a perfectly good
// motor-state read or vice versa.
type Snapshot struct {
	Position    float32
	PositionErr error

	Temperature    float32
	TemperatureErr error

	MotorState MotorState
	MotorErr   error

	IsMoving bool
}

// Axis drives one degree of freedom.
type Axis struct {
	cfg         Config
	position    posloop.Positioner
	motor       stepper.Controller
	thermometer Thermometer // nil if this axis has none

	mu         sync.Mutex
	moving     atomic.Bool
	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

// New builds an Axis. thermometer may be nil.
func New(cfg Config, position posloop.Positioner, motor stepper.Controller, thermometer Thermometer) *Axis {
	return &Axis{cfg: cfg, position: position, motor: motor, thermometer: thermometer}
}

// IsMoving reports whether a move is currently in progress.
func (a *Axis) IsMoving() bool {
	return a.moving.Load()
}

// MoveTo checks target against the soft limit, applies the motor's motion
// profile from params, and starts
// the closed-loop move in the background, returning as soon as it has been
// accepted — not once it converges. A second call while one move is still
// in flight is rejected rather than queued: exactly one loop task may run
// per axis at a time.
func (a *Axis) MoveTo(target float32, params MovementParams) error {
	if a.cfg.Limit != nil && !a.cfg.Limit.Check(float64(target)) {
		return ctlerr.New(ctlerr.KindInvalidInput, "axis.MoveTo", errSoftLimit(target))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.moving.Load() {
		return ctlerr.New(ctlerr.KindBusy, "axis.MoveTo", ErrBusy)
	}

	if err := a.motor.SetVelocity(params.Velocity); err != nil {
		return err
	}
	if err := a.motor.SetAcceleration(params.Acceleration); err != nil {
		return err
	}
	if err := a.motor.SetDeceleration(params.Deceleration); err != nil {
		return err
	}

	a.moving.Store(true)

	loopCtx, cancel := context.WithCancel(context.Background())
	a.loopCancel = cancel
	done := make(chan struct{})
	a.loopDone = done

	loop := posloop.New(a.position, a.motor, target, posloop.MovementParams{
		Acceleration:   params.Acceleration,
		Deceleration:   params.Deceleration,
		Velocity:       params.Velocity,
		PositionWindow: params.PositionWindow,
		TimeLimit:      params.TimeLimit,
		StepsPerUnit:   a.cfg.StepsPerUnit,
		Direction:      a.cfg.Direction,
	}, &a.moving)

	log.Printf("axis %d: starting move to %v", a.cfg.Index, target)
	go func() {
		defer close(done)
		if err := loop.Run(loopCtx); err != nil {
			log.Printf("axis %d: move to %v ended with error: %v", a.cfg.Index, target, err)
			return
		}
		log.Printf("axis %d: move to %v settled", a.cfg.Index, target)
	}()

	return nil
}

// Stop halts the motor immediately and waits for the loop task, if any, to
// exit. Stopping an axis that is not moving is not an error.
func (a *Axis) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.motor.Stop(); err != nil {
		return err
	}
	a.moving.Store(false)

	if a.loopCancel != nil {
		a.loopCancel()
	}
	if a.loopDone != nil {
		<-a.loopDone
		a.loopCancel = nil
		a.loopDone = nil
	}
	return nil
}

// GetState fans out position, motor-state, and temperature queries
// concurrently and waits for all three, each carrying its own error.
func (a *Axis) GetState() Snapshot {
	var snap Snapshot
	snap.IsMoving = a.IsMoving()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		snap.Position, snap.PositionErr = a.position.ReadPosition()
	}()

	go func() {
		defer wg.Done()
		st, err := a.motor.GetState()
		snap.MotorErr = err
		if err == nil {
			snap.MotorState = MotorState{
				Moving:    st.Moving,
				LimitLow:  st.Limits.Low(),
				LimitHigh: st.Limits.High(),
			}
		}
	}()

	if a.thermometer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap.Temperature, snap.TemperatureErr = a.thermometer.GetTemperature()
		}()
	} else {
		snap.TemperatureErr = ctlerr.New(ctlerr.KindInvalidInput, "axis.GetState", ErrNoThermometer)
	}

	wg.Wait()
	return snap
}
