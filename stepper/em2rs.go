package stepper

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/nasa-jpl/beamctl/ctlerr"
	"github.com/nasa-jpl/beamctl/modbus"
	"github.com/nasa-jpl/beamctl/util"
)

// EM2RS register map, grounded on the vendor's Modbus profile.
const (
	em2rsMotionControlReg = 0x6002
	em2rsMotionStatusReg  = 0x1003
	em2rsSIStatusReg      = 0x0179
	em2rsVelocityReg      = 0x6203
	em2rsAccelReg         = 0x6204
	em2rsDecelReg         = 0x6205
	em2rsRelPosHiReg      = 0x6201
	em2rsRelPosLoReg      = 0x6202

	em2rsMotionControlStart = 0x10
	em2rsMotionControlStop  = 0x40

	em2rsRunningBit = 2 // bit index within the motion status low byte
)

// ErrNoSubSteps is returned when MoveRelative is asked for a nonzero
// subSteps on a controller whose register map has no sub-step field.
var ErrNoSubSteps = errors.New("stepper: controller does not support sub-steps")

// EM2RS drives a Standa EM2RS-series Modbus-RTU stepper controller.
type EM2RS struct {
	Client *modbus.Client

	// LowLimitBit and HighLimitBit select which bits of the SI status
	// register correspond to the axis's physical limit switches; this
	// varies by wiring, not by firmware, so it is configured per axis.
	LowLimitBit, HighLimitBit uint
}

// NewEM2RS builds an EM2RS controller over client.
func NewEM2RS(client *modbus.Client, lowLimitBit, highLimitBit uint) *EM2RS {
	return &EM2RS{Client: client, LowLimitBit: lowLimitBit, HighLimitBit: highLimitBit}
}

// SetVelocity sets the motion profile's target velocity.
func (e *EM2RS) SetVelocity(velocity uint16) error {
	return e.Client.WriteSingleRegister(em2rsVelocityReg, velocity)
}

// GetVelocity reads the motion profile's target velocity.
func (e *EM2RS) GetVelocity() (uint16, error) {
	return e.Client.ReadHoldingRegister(em2rsVelocityReg)
}

// SetAcceleration sets the motion profile's acceleration.
func (e *EM2RS) SetAcceleration(accel uint16) error {
	return e.Client.WriteSingleRegister(em2rsAccelReg, accel)
}

// GetAcceleration reads the motion profile's acceleration.
func (e *EM2RS) GetAcceleration() (uint16, error) {
	return e.Client.ReadHoldingRegister(em2rsAccelReg)
}

// SetDeceleration sets the motion profile's deceleration.
func (e *EM2RS) SetDeceleration(decel uint16) error {
	return e.Client.WriteSingleRegister(em2rsDecelReg, decel)
}

// GetDeceleration reads the motion profile's deceleration.
func (e *EM2RS) GetDeceleration() (uint16, error) {
	return e.Client.ReadHoldingRegister(em2rsDecelReg)
}

// MoveRelative writes steps as a 32-bit relative position split across the
// hi/lo registers, then triggers the move. The EM2RS register map has no
// sub-step field; a nonzero subSteps is rejected rather than silently
// dropped.
func (e *EM2RS) MoveRelative(steps int32, subSteps int16) error {
	if subSteps != 0 {
		return ctlerr.New(ctlerr.KindInvalidInput, "stepper.EM2RS.MoveRelative", ErrNoSubSteps)
	}
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(steps))
	hi := binary.BigEndian.Uint16(buf[0:2])
	lo := binary.BigEndian.Uint16(buf[2:4])

	if err := e.Client.WriteSingleRegister(em2rsRelPosHiReg, hi); err != nil {
		return err
	}
	if err := e.Client.WriteSingleRegister(em2rsRelPosLoReg, lo); err != nil {
		return err
	}
	return e.Client.WriteSingleRegister(em2rsMotionControlReg, em2rsMotionControlStart)
}

// Stop halts any motion in progress.
func (e *EM2RS) Stop() error {
	return e.Client.WriteSingleRegister(em2rsMotionControlReg, em2rsMotionControlStop)
}

func (e *EM2RS) getSIStatus() (byte, error) {
	for _, bit := range []uint{e.LowLimitBit, e.HighLimitBit} {
		if bit > 7 {
			return 0, ctlerr.New(ctlerr.KindInvalidInput, "stepper.EM2RS.getSIStatus",
				fmt.Errorf("bit index must be between 0 and 7, got %d", bit))
		}
	}
	reg, err := e.Client.ReadHoldingRegister(em2rsSIStatusReg)
	if err != nil {
		return 0, err
	}
	return byte(reg & 0xFF), nil
}

// GetLimitSwitchState reads the configured low/high limit switch bits from
// one read of the SI status register.
func (e *EM2RS) GetLimitSwitchState() (LimitSwitch, error) {
	si, err := e.getSIStatus()
	if err != nil {
		return LimitNone, err
	}
	low := util.GetBit(si, e.LowLimitBit)
	high := util.GetBit(si, e.HighLimitBit)
	switch {
	case low && high:
		return LimitBoth, nil
	case low:
		return LimitLow, nil
	case high:
		return LimitHigh, nil
	default:
		return LimitNone, nil
	}
}

// GetState combines motion status and limit switch state into one
// snapshot.
func (e *EM2RS) GetState() (State, error) {
	status, err := e.Client.ReadHoldingRegister(em2rsMotionStatusReg)
	if err != nil {
		return State{}, err
	}
	limits, err := e.GetLimitSwitchState()
	if err != nil {
		return State{}, err
	}
	return State{
		Moving: util.GetBit(byte(status&0xFF), em2rsRunningBit),
		Limits: limits,
	}, nil
}

var _ Controller = (*EM2RS)(nil)
