/*Package rf256 implements the 2-nibble-per-byte transparent framing used by
RF256 absolute encoders.

Every payload byte is split into two wire bytes, low nibble first, each with
the high bit forced set so the device can tell a framing byte from an idle
line; the device echoes a small rolling counter in the unused bits of each
encoded byte, which this package validates for consistency but never
generates on transmit.
*/
package rf256

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/nasa-jpl/beamctl/ctlerr"
)

// Transport is the minimal byte stream a Device needs.
// *comm.LazyTransport satisfies it without modification.
type Transport interface {
	io.Reader
	io.Writer
}

const (
	cmdReadData       = 0x06
	cmdReadParameter  = 0x02
	cmdWriteParameter = 0x03
	cmdSaveToFlash    = 0x04

	paramState    = 0x00
	paramID       = 0x02
	paramBaudRate = 0x03

	saveToFlashMagic = 0xAA
	baudRateUnit     = 2400
)

// State is the single status byte RF256 devices report at parameter 0x00.
type State byte

// Status bits within State.
const (
	StateEnabled State = 0x01
	StateParity  State = 0x02
	StateEncoder State = 0x04
)

// Enabled reports whether the device considers itself enabled.
func (s State) Enabled() bool { return s&StateEnabled != 0 }

// Parity reports the device's parity status bit.
func (s State) Parity() bool { return s&StateParity != 0 }

// Encoder reports the device's encoder status bit.
func (s State) Encoder() bool { return s&StateEncoder != 0 }

var (
	// ErrShortFrame is returned when a response's nibble-encoded bytes
	// do not carry the high bit RF256 framing requires.
	ErrShortFrame = errors.New("rf256: invalid frame, missing high bit")

	// ErrCounterMismatch is returned when a response's rolling counter
	// is not the same across every encoded byte.
	ErrCounterMismatch = errors.New("rf256: counter mismatch across response")

	// ErrDeviceIDMismatch is returned by ReadPosition when the device
	// that answers a read_id does not match the configured id, even
	// after one retry.
	ErrDeviceIDMismatch = errors.New("rf256: device id mismatch")

	// ErrSaveToFlashFailed is returned when save-to-flash's
	// acknowledgement byte does not match the expected magic value.
	ErrSaveToFlashFailed = errors.New("rf256: save to flash failed")
)

// Device talks RF256 to a single encoder addressed by DeviceID. A Device is
// not safe for concurrent use; callers needing concurrency should
// serialize access the way package executor does.
type Device struct {
	DeviceID  byte
	Transport Transport
}

// NewDevice builds a Device addressed to id over t.
func NewDevice(id byte, t Transport) *Device {
	return &Device{DeviceID: id, Transport: t}
}

// sendCommand frames command and an optional payload the way the original
// RF256 client does: device id, command with the reply bit set, then each
// payload byte split into two nibble-encoded, high-bit-set wire bytes.
func (d *Device) sendCommand(command byte, msg []byte) error {
	packet := make([]byte, 0, 2+len(msg)*2)
	packet = append(packet, d.DeviceID, command|0x80)
	for _, b := range msg {
		packet = append(packet, 0x80|(b&0x0F), 0x80|((b>>4)&0x0F))
	}
	if _, err := d.Transport.Write(packet); err != nil {
		return ctlerr.New(ctlerr.KindIO, "rf256.sendCommand", err)
	}
	return nil
}

// readResponse reads expectedLen decoded bytes (2*expectedLen wire bytes),
// validating the high bit on every wire byte and the rolling counter's
// uniformity across the whole response. On either failure it drains
// whatever is left on the line before returning, so a desynchronized frame
// does not leak into the next command's response.
func (d *Device) readResponse(expectedLen int) ([]byte, error) {
	raw := make([]byte, expectedLen*2)
	if _, err := io.ReadFull(d.Transport, raw); err != nil {
		return nil, ctlerr.New(ctlerr.KindIO, "rf256.readResponse", err)
	}

	decoded := make([]byte, 0, expectedLen)
	var counter byte
	counterSet := false
	for i := 0; i < len(raw); i += 2 {
		lo, hi := raw[i], raw[i+1]
		if lo&0x80 == 0 || hi&0x80 == 0 {
			d.drain()
			return nil, ctlerr.New(ctlerr.KindProtocol, "rf256.readResponse", ErrShortFrame)
		}
		decoded = append(decoded, (lo&0x0F)|((hi&0x0F)<<4))

		for _, c := range [2]byte{lo >> 4, hi >> 4} {
			if !counterSet {
				counter = c
				counterSet = true
				continue
			}
			if c != counter {
				d.drain()
				return nil, ctlerr.New(ctlerr.KindProtocol, "rf256.readResponse", ErrCounterMismatch)
			}
		}
	}
	return decoded, nil
}

// drain makes a single best-effort attempt to discard whatever is left
// pending after a framing error; the underlying transport's own read
// timeout bounds how long this can block.
func (d *Device) drain() {
	var buf [256]byte
	d.Transport.Read(buf[:])
}

func decodeFloat(b []byte) float32 {
	raw := int32(binary.LittleEndian.Uint32(b))
	return float32(raw) / 10000.0
}

// ReadData issues the raw position sample command and decodes the 4-byte
// little-endian fixed-point reply. Most callers want ReadPosition instead,
// which checks the device id first.
func (d *Device) ReadData() (float32, error) {
	if err := d.sendCommand(cmdReadData, nil); err != nil {
		return 0, err
	}
	resp, err := d.readResponse(4)
	if err != nil {
		return 0, err
	}
	return decodeFloat(resp), nil
}

func (d *Device) readParameter(parameter byte) (byte, error) {
	if err := d.sendCommand(cmdReadParameter, []byte{parameter}); err != nil {
		return 0, err
	}
	resp, err := d.readResponse(1)
	if err != nil {
		return 0, err
	}
	return resp[0], nil
}

func (d *Device) writeParameter(parameter, value byte) error {
	return d.sendCommand(cmdWriteParameter, []byte{parameter, value})
}

// ReadState reads the device's status byte.
func (d *Device) ReadState() (State, error) {
	v, err := d.readParameter(paramState)
	return State(v), err
}

// ReadID reads the device's configured id, independent of DeviceID (the id
// this Device addresses its commands to).
func (d *Device) ReadID() (byte, error) {
	return d.readParameter(paramID)
}

// SetID reprograms the device's id.
func (d *Device) SetID(id byte) error {
	return d.writeParameter(paramID, id)
}

// ReadBaudRate reads the device's configured baud rate in bits/sec.
func (d *Device) ReadBaudRate() (uint32, error) {
	v, err := d.readParameter(paramBaudRate)
	if err != nil {
		return 0, err
	}
	return uint32(v) * baudRateUnit, nil
}

// SetBaudRate reprograms the device's baud rate. baudrate must be an exact
// multiple of 2400.
func (d *Device) SetBaudRate(baudrate uint32) error {
	return d.writeParameter(paramBaudRate, byte(baudrate/baudRateUnit))
}

// SaveToFlash persists the device's current parameters.
func (d *Device) SaveToFlash() error {
	if err := d.sendCommand(cmdSaveToFlash, []byte{saveToFlashMagic}); err != nil {
		return err
	}
	resp, err := d.readResponse(1)
	if err != nil {
		return err
	}
	if len(resp) == 0 || resp[0] != saveToFlashMagic {
		return ctlerr.New(ctlerr.KindProtocol, "rf256.SaveToFlash", ErrSaveToFlashFailed)
	}
	return nil
}

// ReadPosition reads a position sample, first confirming the device that
// answers is the one configured (DeviceID) by issuing a ReadID and
// retrying the ReadID once on mismatch. The line is not drained between
// the two attempts. This guards against trusting a misrouted read_data
// reply as a real position sample.
func (d *Device) ReadPosition() (float32, error) {
	id, err := d.ReadID()
	if err != nil {
		return 0, err
	}
	if id != d.DeviceID {
		id, err = d.ReadID()
		if err != nil {
			return 0, err
		}
		if id != d.DeviceID {
			return 0, ctlerr.New(ctlerr.KindProtocol, "rf256.ReadPosition",
				fmt.Errorf("%w: configured %d, device reports %d", ErrDeviceIDMismatch, d.DeviceID, id))
		}
	}
	return d.ReadData()
}
