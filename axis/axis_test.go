package axis_test

import (
	"errors"
	"testing"
	"time"

	"github.com/nasa-jpl/beamctl/axis"
	"github.com/nasa-jpl/beamctl/stepper"
	"github.com/nasa-jpl/beamctl/util"
)

type fakePositioner struct {
	sample float32
	err    error
}

func (f *fakePositioner) ReadPosition() (float32, error) {
	return f.sample, f.err
}

type fakeMotor struct {
	velocity, accel, decel uint16
	state                  stepper.State
	stopCalls              int
	moveCalls              int
}

func (m *fakeMotor) SetVelocity(v uint16) error      { m.velocity = v; return nil }
func (m *fakeMotor) GetVelocity() (uint16, error)     { return m.velocity, nil }
func (m *fakeMotor) SetAcceleration(v uint16) error   { m.accel = v; return nil }
func (m *fakeMotor) GetAcceleration() (uint16, error) { return m.accel, nil }
func (m *fakeMotor) SetDeceleration(v uint16) error   { m.decel = v; return nil }
func (m *fakeMotor) GetDeceleration() (uint16, error) { return m.decel, nil }
func (m *fakeMotor) MoveRelative(steps int32, subSteps int16) error {
	m.moveCalls++
	return nil
}
func (m *fakeMotor) Stop() error {
	m.stopCalls++
	return nil
}
func (m *fakeMotor) GetState() (stepper.State, error) {
	return m.state, nil
}

type fakeThermometer struct {
	temp float32
	err  error
}

func (f *fakeThermometer) GetTemperature() (float32, error) {
	return f.temp, f.err
}

func defaultParams() axis.MovementParams {
	return axis.MovementParams{
		Velocity:       400,
		Acceleration:   500,
		Deceleration:   500,
		PositionWindow: 0.0005,
		TimeLimit:      100 * time.Millisecond,
	}
}

func TestAxisMoveToRejectsTargetOutsideSoftLimit(t *testing.T) {
	a := axis.New(axis.Config{
		Index: 0, StepsPerUnit: 800, Direction: -1,
		Limit: &util.Limiter{Min: -1, Max: 1},
	}, &fakePositioner{sample: 1.0}, &fakeMotor{}, nil)

	if err := a.MoveTo(5, defaultParams()); err == nil {
		t.Fatal("expected an error for a target outside the configured limit")
	} else if !errors.Is(err, axis.ErrSoftLimit) {
		t.Errorf("expected ErrSoftLimit in the chain, got %v", err)
	}

	if err := a.MoveTo(0.5, defaultParams()); err != nil {
		t.Errorf("unexpected error for a target inside the configured limit: %v", err)
	}
}

func TestAxisMoveToRejectsSecondMoveWhileBusy(t *testing.T) {
	pos := &fakePositioner{sample: 5.0} // far from target, never converges quickly
	motor := &fakeMotor{}
	a := axis.New(axis.Config{Index: 0, StepsPerUnit: 800, Direction: -1}, pos, motor, nil)

	params := defaultParams()
	params.TimeLimit = time.Second

	if err := a.MoveTo(0, params); err != nil {
		t.Fatalf("unexpected error starting first move: %v", err)
	}
	if !a.IsMoving() {
		t.Fatal("expected IsMoving to be true immediately after MoveTo accepts")
	}

	err := a.MoveTo(1, params)
	if err == nil {
		t.Fatal("expected the second move to be rejected")
	}
	if !errors.Is(err, axis.ErrBusy) {
		t.Errorf("expected ErrBusy in the chain, got %v", err)
	}

	if err := a.Stop(); err != nil {
		t.Fatalf("unexpected error stopping: %v", err)
	}
	if a.IsMoving() {
		t.Error("expected IsMoving to be false after Stop")
	}
}

func TestAxisStopClearsMovingEvenIfNotMoving(t *testing.T) {
	motor := &fakeMotor{}
	a := axis.New(axis.Config{Index: 0, StepsPerUnit: 800, Direction: -1},
		&fakePositioner{sample: 0}, motor, nil)

	if err := a.Stop(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if motor.stopCalls != 1 {
		t.Errorf("expected Stop to reach the motor once, got %d", motor.stopCalls)
	}
	if a.IsMoving() {
		t.Error("expected IsMoving to be false after Stop")
	}
}

func TestAxisGetStateFansOutAndReportsPartialFailure(t *testing.T) {
	pos := &fakePositioner{sample: 1.23}
	motor := &fakeMotor{state: stepper.State{Moving: true, Limits: stepper.LimitLow}}
	therm := &fakeThermometer{err: errors.New("thermometer offline")}
	a := axis.New(axis.Config{Index: 2, StepsPerUnit: 800, Direction: -1}, pos, motor, therm)

	snap := a.GetState()

	if snap.PositionErr != nil {
		t.Errorf("unexpected position error: %v", snap.PositionErr)
	}
	if snap.Position != 1.23 {
		t.Errorf("expected position 1.23, got %v", snap.Position)
	}
	if snap.TemperatureErr == nil {
		t.Error("expected the thermometer failure to surface")
	}
	if !snap.MotorState.Moving || !snap.MotorState.LimitLow {
		t.Errorf("unexpected motor state: %+v", snap.MotorState)
	}
}

func TestAxisGetStateNoThermometerConfigured(t *testing.T) {
	a := axis.New(axis.Config{Index: 0, StepsPerUnit: 800, Direction: -1},
		&fakePositioner{sample: 0}, &fakeMotor{}, nil)

	snap := a.GetState()
	if snap.TemperatureErr == nil {
		t.Fatal("expected a no-thermometer error")
	}
	if !errors.Is(snap.TemperatureErr, axis.ErrNoThermometer) {
		t.Errorf("expected ErrNoThermometer in the chain, got %v", snap.TemperatureErr)
	}
}

func TestAxisMoveToConvergesAndClearsMoving(t *testing.T) {
	pos := &fakePositioner{sample: 0} // already at target 0
	motor := &fakeMotor{}
	a := axis.New(axis.Config{Index: 0, StepsPerUnit: 800, Direction: -1}, pos, motor, nil)

	if err := a.MoveTo(0, defaultParams()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for a.IsMoving() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if a.IsMoving() {
		t.Fatal("expected the move to converge and clear moving")
	}
	if motor.moveCalls != 0 {
		t.Errorf("expected no relative moves when already at target, got %d", motor.moveCalls)
	}
}
