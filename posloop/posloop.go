/*Package posloop implements the closed-loop move: read the absolute
encoder, compare against target, nudge the stepper, repeat until the
position settles within a window or a time budget runs out. It is the Go
reimplementation of the reference controller's MoveThread/Motor::run, kept
as a single-purpose loop rather than an async task so its lifetime is
ordinary goroutine lifetime, driven by context cancellation and a shared
atomic "moving" flag rather than a dropped future.
*/
package posloop

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/nasa-jpl/beamctl/ctlerr"
	"github.com/nasa-jpl/beamctl/stepper"
)

// pollInterval is how often the loop polls motion status and re-samples
// position while a move is settling.
const pollInterval = 10 * time.Millisecond

// subStepNudge is the fixed sub-step correction applied once the
// remaining error is too small to convert into even one full step.
const subStepNudge = 5

// subStepThreshold is the error magnitude below which the loop switches
// from whole-step moves to the fixed sub-step nudge.
const subStepThreshold = 0.001

// Positioner reads an absolute position sample for one axis.
// *rf256.Device satisfies it without modification.
type Positioner interface {
	ReadPosition() (float32, error)
}

// MovementParams configures one closed-loop move.
type MovementParams struct {
	Acceleration uint16
	Deceleration uint16
	Velocity     uint16

	// PositionWindow is the RMS error, in the same units as Positioner's
	// samples, that counts as "converged".
	PositionWindow float32

	// TimeLimit bounds how long the loop will keep trying before giving
	// up and returning control to the caller; exceeding it is not an
	// error, it simply ends the move where it stands.
	TimeLimit time.Duration

	// StepsPerUnit converts a position error into a step count.
	StepsPerUnit float32

	// Direction compensates for axes whose step direction is wired
	// opposite to the encoder's position convention. Must be +1 or -1;
	// defaults to -1 (the wiring convention this module's axes use),
	// chosen because inverted wiring versus the encoder's sign
	// convention is the norm, not the exception, in this mechanical
	// layout.
	Direction int8
}

// movingAverage is a fixed-capacity RMS filter over the most recent
// samples, a direct translation of the reference implementation's
// MovingAverage (Vec-backed ring buffer, oldest sample dropped first).
type movingAverage struct {
	values  []float32
	maxSize int
}

func newMovingAverage(maxSize int) *movingAverage {
	return &movingAverage{values: make([]float32, 0, maxSize), maxSize: maxSize}
}

func (m *movingAverage) add(v float32) {
	if len(m.values) >= m.maxSize {
		m.values = m.values[1:]
	}
	m.values = append(m.values, v)
}

func (m *movingAverage) rms() float32 {
	if len(m.values) == 0 {
		return 0
	}
	var sumSquares float32
	for _, v := range m.values {
		sumSquares += v * v
	}
	return float32(math.Sqrt(float64(sumSquares / float32(len(m.values)))))
}

// Loop drives one axis's closed-loop move to completion. A Loop is used
// once: construct it with New, call Run, discard it.
type Loop struct {
	position Positioner
	motor    stepper.Controller

	target float32
	params MovementParams

	filter *movingAverage
	moving *atomic.Bool

	startTime time.Time
}

// New builds a Loop moving to target. moving is shared with the axis
// facade that owns this Loop: the caller must set it true before calling
// Run (so IsMoving reports true the instant the move is accepted, not
// once the loop goroutine happens to be scheduled); Run then clears it
// unconditionally on return (the Drop-safety property — a loop that exits
// for any reason, including a caller-triggered Stop, always leaves the
// axis's moving flag false), and the axis facade may set it false from
// another goroutine to cooperatively cancel a move in progress.
func New(position Positioner, motor stepper.Controller, target float32, params MovementParams, moving *atomic.Bool) *Loop {
	if params.Direction == 0 {
		params.Direction = -1
	}
	return &Loop{
		position: position,
		motor:    motor,
		target:   target,
		params:   params,
		filter:   newMovingAverage(20),
		moving:   moving,
	}
}

func (l *Loop) timeLimitExceeded() bool {
	return time.Since(l.startTime) > l.params.TimeLimit
}

// Run executes the convergence loop until the position settles within
// params.PositionWindow, a limit switch is tripped in the direction of
// travel, the time budget is exceeded, ctx is canceled, or the moving flag
// is cleared by another goroutine. A device error is returned as is, and a
// canceled ctx is returned as a ctlerr.KindCancelled error; settling,
// running out of time, reaching a limit switch, or a cleared moving flag
// all end the move without error, matching the reference implementation.
func (l *Loop) Run(ctx context.Context) error {
	defer l.moving.Store(false)

	l.startTime = time.Now()

	for l.moving.Load() && !l.timeLimitExceeded() {
		if err := ctx.Err(); err != nil {
			return ctlerr.New(ctlerr.KindCancelled, "posloop.Run", err)
		}

		pos, err := l.position.ReadPosition()
		if err != nil {
			return err
		}
		errPos := pos - l.target
		l.filter.add(errPos)

		if l.filter.rms() <= l.params.PositionWindow {
			return nil
		}

		steps, subSteps := l.computeStep(errPos)
		if err := l.motor.MoveRelative(steps, subSteps); err != nil {
			return err
		}

		if err := l.waitForSettle(ctx); err != nil {
			return err
		}

		state, err := l.motor.GetState()
		if err != nil {
			return err
		}
		if state.Limits.Low() && errPos < 0 {
			return nil
		}
		if state.Limits.High() && errPos > 0 {
			return nil
		}

		if err := sleepOrDone(ctx, pollInterval); err != nil {
			return err
		}
	}
	return nil
}

// waitForSettle blocks until the motor reports it is no longer moving, the
// moving flag is cleared, the time budget expires, or ctx is canceled.
func (l *Loop) waitForSettle(ctx context.Context) error {
	for l.moving.Load() && !l.timeLimitExceeded() {
		state, err := l.motor.GetState()
		if err != nil {
			return err
		}
		if !state.Moving {
			return nil
		}
		if err := sleepOrDone(ctx, pollInterval); err != nil {
			return err
		}
	}
	return nil
}

func sleepOrDone(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctlerr.New(ctlerr.KindCancelled, "posloop.sleepOrDone", ctx.Err())
	case <-t.C:
		return nil
	}
}

// computeStep converts a position error into a (steps, subSteps) command:
// a proportional whole-step move above subStepThreshold, a fixed-size
// sub-step nudge below it, direction-corrected by params.Direction.
func (l *Loop) computeStep(errPos float32) (int32, int16) {
	abs := float32(math.Abs(float64(errPos)))
	switch {
	case abs == 0:
		return 0, 0
	case abs < subStepThreshold:
		nudge := int16(subStepNudge)
		if errPos < 0 {
			nudge = -nudge
		}
		return 0, nudge * int16(l.params.Direction)
	default:
		steps := int32(errPos * l.params.StepsPerUnit * float32(l.params.Direction))
		return steps, 0
	}
}
