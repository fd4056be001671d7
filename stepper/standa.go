package stepper

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/nasa-jpl/beamctl/ctlerr"
)

// Transport is the minimal byte stream a Standa controller needs.
// *comm.LazyTransport satisfies it without modification.
type Transport interface {
	io.Reader
	io.Writer
}

// Standa's framing is distinct from both Modbus and RF256: a 4-byte ASCII
// command name, a fixed-width little-endian struct with no padding, and
// (for most commands) a trailing CRC-16 computed over the struct bytes and
// their zero-padded reserved tail. The original source duplicates its
// CRC-16 routine rather than sharing it with the Modbus one; this package
// does the same rather than reaching across to the modbus package for an
// unexported helper.
const (
	standaCmdGetMove  = "gmov"
	standaCmdSetMove  = "smov"
	standaCmdMoveRel  = "movr"
	standaCmdStop     = "stop"
	standaCmdGetState = "gsta"

	standaMoveParamsSize     = 15
	standaMoveParamsReserved = 9
	standaMovrSize           = 6
	standaMovrReserved       = 6

	// standaStateSize and standaStateReserved are an extrapolation: the
	// retrieval pack does not carry the get-state wire layout, only the
	// get/set-move and move/stop layouts. One status byte, no reserved
	// tail, following the same get/set framing as everything else.
	standaStateSize     = 1
	standaStateReserved = 0

	standaMovingBit    = 0
	standaLowLimitBit  = 1
	standaHighLimitBit = 2
)

var (
	// ErrEchoMismatch is returned when a Standa response does not echo
	// back the command name that was sent.
	ErrEchoMismatch = errors.New("standa: response did not echo command name")

	// ErrStandaCRCMismatch is returned when a Standa response's CRC-16
	// does not match its payload.
	ErrStandaCRCMismatch = errors.New("standa: crc mismatch")
)

func standaCRC16(data []byte) uint16 {
	var crc uint16 = 0xFFFF
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&0x0001 != 0 {
				crc >>= 1
				crc ^= 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// Standa drives a Standa-protocol stepper controller over its own
// 4-byte-name framed binary command set.
type Standa struct {
	Transport Transport
}

// NewStanda builds a Standa controller over t.
func NewStanda(t Transport) *Standa {
	return &Standa{Transport: t}
}

type standaMoveParameters struct {
	Speed          uint32
	USpeed         uint8
	Accel          uint16
	Decel          uint16
	AntiplaySpeed  uint32
	UAntiplaySpeed uint8
	MoveFlags      uint8
}

func (p standaMoveParameters) encode() []byte {
	buf := make([]byte, standaMoveParamsSize)
	binary.LittleEndian.PutUint32(buf[0:4], p.Speed)
	buf[4] = p.USpeed
	binary.LittleEndian.PutUint16(buf[5:7], p.Accel)
	binary.LittleEndian.PutUint16(buf[7:9], p.Decel)
	binary.LittleEndian.PutUint32(buf[9:13], p.AntiplaySpeed)
	buf[13] = p.UAntiplaySpeed
	buf[14] = p.MoveFlags
	return buf
}

func decodeStandaMoveParameters(buf []byte) standaMoveParameters {
	return standaMoveParameters{
		Speed:          binary.LittleEndian.Uint32(buf[0:4]),
		USpeed:         buf[4],
		Accel:          binary.LittleEndian.Uint16(buf[5:7]),
		Decel:          binary.LittleEndian.Uint16(buf[7:9]),
		AntiplaySpeed:  binary.LittleEndian.Uint32(buf[9:13]),
		UAntiplaySpeed: buf[13],
		MoveFlags:      buf[14],
	}
}

// sendCommand writes cmdName followed by payload zero-padded to
// payload+reserved bytes, and (if withCRC) a CRC-16 over that padded
// region. payload may be nil for commands with no request body.
func (s *Standa) sendCommand(cmdName string, payload []byte, reserved int, withCRC bool) error {
	body := make([]byte, len(payload)+reserved)
	copy(body, payload)

	buf := make([]byte, 0, 4+len(body)+2)
	buf = append(buf, cmdName...)
	buf = append(buf, body...)
	if withCRC {
		crc := standaCRC16(body)
		buf = append(buf, byte(crc), byte(crc>>8))
	}

	if _, err := s.Transport.Write(buf); err != nil {
		return ctlerr.New(ctlerr.KindIO, "stepper.Standa.sendCommand", err)
	}
	return nil
}

// recvEcho reads the command-name echo every Standa response begins with,
// discarding leading zero filler bytes the way the reference client does.
func (s *Standa) recvEcho(cmdName string) error {
	echo := make([]byte, 4)
	if _, err := io.ReadFull(s.Transport, echo[:1]); err != nil {
		return ctlerr.New(ctlerr.KindIO, "stepper.Standa.recvEcho", err)
	}
	for echo[0] == 0 {
		if _, err := io.ReadFull(s.Transport, echo[:1]); err != nil {
			return ctlerr.New(ctlerr.KindIO, "stepper.Standa.recvEcho", err)
		}
	}
	if _, err := io.ReadFull(s.Transport, echo[1:]); err != nil {
		return ctlerr.New(ctlerr.KindIO, "stepper.Standa.recvEcho", err)
	}
	if string(echo) != cmdName {
		return ctlerr.New(ctlerr.KindProtocol, "stepper.Standa.recvEcho",
			fmt.Errorf("%w: got %q, want %q", ErrEchoMismatch, echo, cmdName))
	}
	return nil
}

// recvPayload reads size bytes of response payload (plus a trailing CRC-16
// when withCRC), validating the CRC against the payload it covers.
func (s *Standa) recvPayload(size int, withCRC bool) ([]byte, error) {
	total := size
	if withCRC {
		total += 2
	}
	buf := make([]byte, total)
	if _, err := io.ReadFull(s.Transport, buf); err != nil {
		return nil, ctlerr.New(ctlerr.KindIO, "stepper.Standa.recvPayload", err)
	}
	if !withCRC {
		return buf, nil
	}
	payload, crcBytes := buf[:size], buf[size:]
	want := binary.LittleEndian.Uint16(crcBytes)
	if got := standaCRC16(payload); got != want {
		return nil, ctlerr.New(ctlerr.KindProtocol, "stepper.Standa.recvPayload", ErrStandaCRCMismatch)
	}
	return payload, nil
}

func (s *Standa) getMoveParameters() (standaMoveParameters, error) {
	if err := s.sendCommand(standaCmdGetMove, nil, 0, false); err != nil {
		return standaMoveParameters{}, err
	}
	if err := s.recvEcho(standaCmdGetMove); err != nil {
		return standaMoveParameters{}, err
	}
	payload, err := s.recvPayload(standaMoveParamsSize+standaMoveParamsReserved, true)
	if err != nil {
		return standaMoveParameters{}, err
	}
	return decodeStandaMoveParameters(payload[:standaMoveParamsSize]), nil
}

func (s *Standa) setMoveParameters(p standaMoveParameters) error {
	if err := s.sendCommand(standaCmdSetMove, p.encode(), standaMoveParamsReserved, true); err != nil {
		return err
	}
	return s.recvEcho(standaCmdSetMove)
}

// SetVelocity updates the motion profile's target speed. Standa's own
// speed register is 32 bits wide; this interface is clamped to 16 bits so
// the position loop can drive EM2RS and Standa axes interchangeably.
func (s *Standa) SetVelocity(velocity uint16) error {
	p, err := s.getMoveParameters()
	if err != nil {
		return err
	}
	p.Speed = uint32(velocity)
	return s.setMoveParameters(p)
}

// GetVelocity reads the motion profile's target speed, clamped to 16 bits.
func (s *Standa) GetVelocity() (uint16, error) {
	p, err := s.getMoveParameters()
	if err != nil {
		return 0, err
	}
	if p.Speed > 0xFFFF {
		return 0xFFFF, nil
	}
	return uint16(p.Speed), nil
}

// SetAcceleration updates the motion profile's acceleration.
func (s *Standa) SetAcceleration(accel uint16) error {
	p, err := s.getMoveParameters()
	if err != nil {
		return err
	}
	p.Accel = accel
	return s.setMoveParameters(p)
}

// GetAcceleration reads the motion profile's acceleration.
func (s *Standa) GetAcceleration() (uint16, error) {
	p, err := s.getMoveParameters()
	if err != nil {
		return 0, err
	}
	return p.Accel, nil
}

// SetDeceleration updates the motion profile's deceleration.
func (s *Standa) SetDeceleration(decel uint16) error {
	p, err := s.getMoveParameters()
	if err != nil {
		return err
	}
	p.Decel = decel
	return s.setMoveParameters(p)
}

// GetDeceleration reads the motion profile's deceleration.
func (s *Standa) GetDeceleration() (uint16, error) {
	p, err := s.getMoveParameters()
	if err != nil {
		return 0, err
	}
	return p.Decel, nil
}

// MoveRelative commands a relative move of steps full steps plus subSteps
// sub-step units. Unlike EM2RS, Standa hardware has a native sub-step
// field, so subSteps is passed straight through.
func (s *Standa) MoveRelative(steps int32, subSteps int16) error {
	body := make([]byte, standaMovrSize)
	binary.LittleEndian.PutUint32(body[0:4], uint32(steps))
	binary.LittleEndian.PutUint16(body[4:6], uint16(subSteps))

	if err := s.sendCommand(standaCmdMoveRel, body, standaMovrReserved, true); err != nil {
		return err
	}
	return s.recvEcho(standaCmdMoveRel)
}

// Stop halts any motion in progress. The stop command carries no payload
// and no CRC.
func (s *Standa) Stop() error {
	if err := s.sendCommand(standaCmdStop, nil, 0, false); err != nil {
		return err
	}
	return s.recvEcho(standaCmdStop)
}

// GetState reads motion and limit-switch status.
//
// The retrieval pack used to ground this module does not include Standa's
// get-state wire layout (only get/set-move and move/stop). The single
// status-byte layout below — bit 0 moving, bit 1 low limit, bit 2 high
// limit — is an extrapolation from the established get/set framing
// pattern, not a literal transcription of vendor documentation.
func (s *Standa) GetState() (State, error) {
	if err := s.sendCommand(standaCmdGetState, nil, 0, false); err != nil {
		return State{}, err
	}
	if err := s.recvEcho(standaCmdGetState); err != nil {
		return State{}, err
	}
	payload, err := s.recvPayload(standaStateSize+standaStateReserved, true)
	if err != nil {
		return State{}, err
	}
	flags := payload[0]

	limits := LimitNone
	low := flags&(1<<standaLowLimitBit) != 0
	high := flags&(1<<standaHighLimitBit) != 0
	switch {
	case low && high:
		limits = LimitBoth
	case low:
		limits = LimitLow
	case high:
		limits = LimitHigh
	}

	return State{
		Moving: flags&(1<<standaMovingBit) != 0,
		Limits: limits,
	}, nil
}

var _ Controller = (*Standa)(nil)
