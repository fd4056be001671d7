/*Package modbus implements a Modbus-RTU codec over a raw byte transport.

This is RTU framing over a raw stream (request/response delimited purely by
byte counts and a trailing CRC-16, no MBAP header), not Modbus/TCP. The
transport below it — typically a *comm.LazyTransport — is expected to
deliver bytes in order with no framing of its own; Client does the framing.
*/
package modbus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/snksoft/crc"

	"github.com/nasa-jpl/beamctl/ctlerr"
)

// Transport is the minimal byte stream a Client needs. *comm.LazyTransport
// satisfies it without modification.
type Transport interface {
	io.Reader
	io.Writer
}

// FunctionCode identifies a Modbus-RTU request/response pair.
type FunctionCode byte

// Function codes this codec implements.
const (
	ReadCoils              FunctionCode = 0x01
	ReadDiscreteInputs     FunctionCode = 0x02
	ReadHoldingRegisters   FunctionCode = 0x03
	ReadInputRegisters     FunctionCode = 0x04
	WriteSingleCoil        FunctionCode = 0x05
	WriteSingleRegister    FunctionCode = 0x06
	WriteMultipleCoils     FunctionCode = 0x0F
	WriteMultipleRegisters FunctionCode = 0x10
)

func (fc FunctionCode) isReadFunction() bool {
	switch fc {
	case ReadCoils, ReadDiscreteInputs, ReadHoldingRegisters, ReadInputRegisters:
		return true
	default:
		return false
	}
}

var exceptionText = map[byte]string{
	0x01: "illegal function",
	0x02: "illegal data address",
	0x03: "illegal data value",
	0x04: "slave device failure",
	0x05: "acknowledge",
	0x06: "slave device busy",
	0x07: "negative acknowledge",
	0x08: "memory parity error",
	0x0A: "gateway path unavailable",
	0x0B: "gateway target device failed to respond",
}

// Exception is returned when the remote replies with the function code's
// high bit set, Modbus's standard way of signaling a rejected request.
type Exception struct {
	FunctionCode  byte
	ExceptionCode byte
}

func (e *Exception) Error() string {
	msg, ok := exceptionText[e.ExceptionCode]
	if !ok {
		msg = "unknown exception"
	}
	return fmt.Sprintf("modbus exception (function 0x%02X): %s (0x%02X)", e.FunctionCode, msg, e.ExceptionCode)
}

var (
	// ErrInvalidCRC is returned when a response's trailing CRC does not
	// match the bytes that precede it.
	ErrInvalidCRC = errors.New("modbus: invalid crc")

	// ErrShortResponse is returned when a response is shorter than the
	// minimum length its function code requires.
	ErrShortResponse = errors.New("modbus: response too short")

	// ErrUnexpectedSlaveID is returned when a response's slave id does
	// not match the id the request was addressed to.
	ErrUnexpectedSlaveID = errors.New("modbus: unexpected slave id in response")

	// ErrUnexpectedFunctionCode is returned when a response's function
	// code does not match the request's.
	ErrUnexpectedFunctionCode = errors.New("modbus: unexpected function code in response")

	// ErrUnexpectedByteCount is returned when a read response's byte
	// count field does not match the register/coil count requested.
	ErrUnexpectedByteCount = errors.New("modbus: unexpected byte count in response")

	// ErrUnexpectedEcho is returned when a write response does not echo
	// back the address/value/count the request carried.
	ErrUnexpectedEcho = errors.New("modbus: response does not echo request")

	// ErrInvalidCount is returned when a caller asks for a register or
	// coil count outside the range the wire format can encode.
	ErrInvalidCount = errors.New("modbus: count out of range")
)

var modbusCRCParams = &crc.Parameters{
	Width:      16,
	Polynomial: 0x8005,
	Init:       0xFFFF,
	ReflectIn:  true,
	ReflectOut: true,
	FinalXor:   0x0000,
}

var crcTable = crc.NewTable(modbusCRCParams)

func crc16(data []byte) uint16 {
	c := crcTable.InitCrc()
	c = crcTable.UpdateCrc(c, data)
	return crcTable.CRC16(c)
}

// Client issues Modbus-RTU requests against a single slave id over a
// Transport. A Client is not safe for concurrent use; callers that need
// concurrency should serialize access the way package executor does.
type Client struct {
	ID        byte
	Transport Transport
}

// NewClient builds a Client addressed to slave id over t.
func NewClient(id byte, t Transport) *Client {
	return &Client{ID: id, Transport: t}
}

func appendCRC(req []byte) []byte {
	c := crc16(req)
	return append(req, byte(c), byte(c>>8))
}

// sendReceive writes request (already CRC-terminated) and parses the
// response, enforcing minResponseLen and validating the trailing CRC. It
// mirrors the original Rust send_receive: read id+fc first, branch on the
// exception bit, then read either a read-function's byte-count-prefixed
// payload or a fixed-length write echo.
func (c *Client) sendReceive(request []byte, minResponseLen int) ([]byte, error) {
	if _, err := c.Transport.Write(request); err != nil {
		return nil, ctlerr.New(ctlerr.KindIO, "modbus.sendReceive", err)
	}

	buf := make([]byte, 256)
	if _, err := io.ReadFull(c.Transport, buf[0:2]); err != nil {
		return nil, ctlerr.New(ctlerr.KindIO, "modbus.sendReceive", err)
	}
	read := 2

	if buf[1]&0x80 == 0x80 {
		if _, err := io.ReadFull(c.Transport, buf[2:5]); err != nil {
			return nil, ctlerr.New(ctlerr.KindIO, "modbus.sendReceive", err)
		}
		if err := checkCRC(buf[:5]); err != nil {
			return nil, ctlerr.New(ctlerr.KindProtocol, "modbus.sendReceive", err)
		}
		return nil, ctlerr.New(ctlerr.KindException, "modbus.sendReceive", &Exception{
			FunctionCode:  buf[1] &^ 0x80,
			ExceptionCode: buf[2],
		})
	}

	var remaining int
	if FunctionCode(buf[1]).isReadFunction() {
		if _, err := io.ReadFull(c.Transport, buf[2:3]); err != nil {
			return nil, ctlerr.New(ctlerr.KindIO, "modbus.sendReceive", err)
		}
		read = 3
		remaining = int(buf[2]) + 2
	} else if minResponseLen > read {
		remaining = minResponseLen - read
	}

	if remaining > 0 {
		if _, err := io.ReadFull(c.Transport, buf[read:read+remaining]); err != nil {
			return nil, ctlerr.New(ctlerr.KindIO, "modbus.sendReceive", err)
		}
		read += remaining
	}
	buf = buf[:read]

	if len(buf) < minResponseLen {
		return nil, ctlerr.New(ctlerr.KindProtocol, "modbus.sendReceive",
			fmt.Errorf("%w: expected %d, got %d", ErrShortResponse, minResponseLen, len(buf)))
	}
	if buf[0] != c.ID {
		return nil, ctlerr.New(ctlerr.KindProtocol, "modbus.sendReceive",
			fmt.Errorf("%w: expected %d, got %d", ErrUnexpectedSlaveID, c.ID, buf[0]))
	}
	if err := checkCRC(buf); err != nil {
		return nil, ctlerr.New(ctlerr.KindProtocol, "modbus.sendReceive", err)
	}
	return buf, nil
}

func checkCRC(framed []byte) error {
	dataLen := len(framed) - 2
	want := crc16(framed[:dataLen])
	got := binary.LittleEndian.Uint16(framed[dataLen:])
	if want != got {
		return fmt.Errorf("%w: expected 0x%04X, got 0x%04X", ErrInvalidCRC, want, got)
	}
	return nil
}

// ReadHoldingRegisters reads count consecutive holding registers starting
// at address. count must be between 1 and 125.
func (c *Client) ReadHoldingRegisters(address, count uint16) ([]uint16, error) {
	return c.readRegisters(ReadHoldingRegisters, address, count)
}

// ReadInputRegisters reads count consecutive input registers starting at
// address. count must be between 1 and 125.
func (c *Client) ReadInputRegisters(address, count uint16) ([]uint16, error) {
	return c.readRegisters(ReadInputRegisters, address, count)
}

func (c *Client) readRegisters(fc FunctionCode, address, count uint16) ([]uint16, error) {
	if count == 0 || count > 125 {
		return nil, ctlerr.New(ctlerr.KindInvalidInput, "modbus.readRegisters",
			fmt.Errorf("%w: must be between 1 and 125, got %d", ErrInvalidCount, count))
	}
	req := c.newRequest(fc, address, count)
	minLen := 5 + int(count)*2

	resp, err := c.sendReceive(req, minLen)
	if err != nil {
		return nil, err
	}
	if FunctionCode(resp[1]) != fc {
		return nil, ctlerr.New(ctlerr.KindProtocol, "modbus.readRegisters",
			fmt.Errorf("%w: expected 0x%02X, got 0x%02X", ErrUnexpectedFunctionCode, byte(fc), resp[1]))
	}
	byteCount := int(resp[2])
	if byteCount != int(count)*2 {
		return nil, ctlerr.New(ctlerr.KindProtocol, "modbus.readRegisters",
			fmt.Errorf("%w: expected %d, got %d", ErrUnexpectedByteCount, int(count)*2, byteCount))
	}

	regs := make([]uint16, count)
	for i := range regs {
		regs[i] = binary.BigEndian.Uint16(resp[3+i*2 : 5+i*2])
	}
	return regs, nil
}

// ReadHoldingRegister reads a single holding register.
func (c *Client) ReadHoldingRegister(address uint16) (uint16, error) {
	regs, err := c.ReadHoldingRegisters(address, 1)
	if err != nil {
		return 0, err
	}
	return regs[0], nil
}

// ReadInputRegister reads a single input register.
func (c *Client) ReadInputRegister(address uint16) (uint16, error) {
	regs, err := c.ReadInputRegisters(address, 1)
	if err != nil {
		return 0, err
	}
	return regs[0], nil
}

// ReadCoils reads count consecutive coils starting at address. count must
// be between 1 and 2000.
func (c *Client) ReadCoils(address, count uint16) ([]bool, error) {
	return c.readBits(ReadCoils, address, count)
}

// ReadDiscreteInputs reads count consecutive discrete inputs starting at
// address. count must be between 1 and 2000.
func (c *Client) ReadDiscreteInputs(address, count uint16) ([]bool, error) {
	return c.readBits(ReadDiscreteInputs, address, count)
}

func (c *Client) readBits(fc FunctionCode, address, count uint16) ([]bool, error) {
	if count == 0 || count > 2000 {
		return nil, ctlerr.New(ctlerr.KindInvalidInput, "modbus.readBits",
			fmt.Errorf("%w: must be between 1 and 2000, got %d", ErrInvalidCount, count))
	}
	req := c.newRequest(fc, address, count)
	byteCount := int(count+7) / 8
	minLen := 5 + byteCount

	resp, err := c.sendReceive(req, minLen)
	if err != nil {
		return nil, err
	}
	if FunctionCode(resp[1]) != fc {
		return nil, ctlerr.New(ctlerr.KindProtocol, "modbus.readBits",
			fmt.Errorf("%w: expected 0x%02X, got 0x%02X", ErrUnexpectedFunctionCode, byte(fc), resp[1]))
	}
	if int(resp[2]) != byteCount {
		return nil, ctlerr.New(ctlerr.KindProtocol, "modbus.readBits",
			fmt.Errorf("%w: expected %d, got %d", ErrUnexpectedByteCount, byteCount, resp[2]))
	}

	bits := make([]bool, count)
	for i := range bits {
		b := resp[3+i/8]
		bits[i] = b&(1<<uint(i%8)) != 0
	}
	return bits, nil
}

// ReadCoil reads a single coil.
func (c *Client) ReadCoil(address uint16) (bool, error) {
	bits, err := c.ReadCoils(address, 1)
	if err != nil {
		return false, err
	}
	return bits[0], nil
}

// ReadDiscreteInput reads a single discrete input.
func (c *Client) ReadDiscreteInput(address uint16) (bool, error) {
	bits, err := c.ReadDiscreteInputs(address, 1)
	if err != nil {
		return false, err
	}
	return bits[0], nil
}

// WriteSingleRegister writes value to a single holding register.
func (c *Client) WriteSingleRegister(address, value uint16) error {
	req := []byte{c.ID, byte(WriteSingleRegister), byte(address >> 8), byte(address), byte(value >> 8), byte(value)}
	req = appendCRC(req)

	resp, err := c.sendReceive(req, 8)
	if err != nil {
		return err
	}
	if FunctionCode(resp[1]) != WriteSingleRegister {
		return ctlerr.New(ctlerr.KindProtocol, "modbus.WriteSingleRegister",
			fmt.Errorf("%w: expected 0x%02X, got 0x%02X", ErrUnexpectedFunctionCode, byte(WriteSingleRegister), resp[1]))
	}
	respAddr := binary.BigEndian.Uint16(resp[2:4])
	respValue := binary.BigEndian.Uint16(resp[4:6])
	if respAddr != address || respValue != value {
		return ctlerr.New(ctlerr.KindProtocol, "modbus.WriteSingleRegister", ErrUnexpectedEcho)
	}
	return nil
}

// WriteSingleCoil writes value to a single coil.
func (c *Client) WriteSingleCoil(address uint16, value bool) error {
	req := []byte{c.ID, byte(WriteSingleCoil), byte(address >> 8), byte(address), 0x00, 0x00}
	if value {
		req[4] = 0xFF
	}
	req = appendCRC(req)

	resp, err := c.sendReceive(req, 8)
	if err != nil {
		return err
	}
	if FunctionCode(resp[1]) != WriteSingleCoil {
		return ctlerr.New(ctlerr.KindProtocol, "modbus.WriteSingleCoil",
			fmt.Errorf("%w: expected 0x%02X, got 0x%02X", ErrUnexpectedFunctionCode, byte(WriteSingleCoil), resp[1]))
	}
	respAddr := binary.BigEndian.Uint16(resp[2:4])
	respValue := resp[4] == 0xFF && resp[5] == 0x00
	if respAddr != address || respValue != value {
		return ctlerr.New(ctlerr.KindProtocol, "modbus.WriteSingleCoil", ErrUnexpectedEcho)
	}
	return nil
}

// WriteMultipleRegisters writes values starting at address. len(values)
// must be between 1 and 123.
func (c *Client) WriteMultipleRegisters(address uint16, values []uint16) error {
	count := len(values)
	if count == 0 || count > 123 {
		return ctlerr.New(ctlerr.KindInvalidInput, "modbus.WriteMultipleRegisters",
			fmt.Errorf("%w: must be between 1 and 123, got %d", ErrInvalidCount, count))
	}

	req := make([]byte, 0, 9+count*2)
	req = append(req, c.ID, byte(WriteMultipleRegisters), byte(address>>8), byte(address), byte(count>>8), byte(count), byte(count*2))
	for _, v := range values {
		req = append(req, byte(v>>8), byte(v))
	}
	req = appendCRC(req)

	resp, err := c.sendReceive(req, 8)
	if err != nil {
		return err
	}
	if FunctionCode(resp[1]) != WriteMultipleRegisters {
		return ctlerr.New(ctlerr.KindProtocol, "modbus.WriteMultipleRegisters",
			fmt.Errorf("%w: expected 0x%02X, got 0x%02X", ErrUnexpectedFunctionCode, byte(WriteMultipleRegisters), resp[1]))
	}
	respAddr := binary.BigEndian.Uint16(resp[2:4])
	respCount := binary.BigEndian.Uint16(resp[4:6])
	if respAddr != address || int(respCount) != count {
		return ctlerr.New(ctlerr.KindProtocol, "modbus.WriteMultipleRegisters", ErrUnexpectedEcho)
	}
	return nil
}

// WriteMultipleCoils writes values starting at address. len(values) must
// be between 1 and 1968.
func (c *Client) WriteMultipleCoils(address uint16, values []bool) error {
	count := len(values)
	if count == 0 || count > 1968 {
		return ctlerr.New(ctlerr.KindInvalidInput, "modbus.WriteMultipleCoils",
			fmt.Errorf("%w: must be between 1 and 1968, got %d", ErrInvalidCount, count))
	}
	byteCount := (count + 7) / 8

	req := make([]byte, 0, 9+byteCount)
	req = append(req, c.ID, byte(WriteMultipleCoils), byte(address>>8), byte(address), byte(count>>8), byte(count), byte(byteCount))
	packed := make([]byte, byteCount)
	for i, v := range values {
		if v {
			packed[i/8] |= 1 << uint(i%8)
		}
	}
	req = append(req, packed...)
	req = appendCRC(req)

	resp, err := c.sendReceive(req, 8)
	if err != nil {
		return err
	}
	if FunctionCode(resp[1]) != WriteMultipleCoils {
		return ctlerr.New(ctlerr.KindProtocol, "modbus.WriteMultipleCoils",
			fmt.Errorf("%w: expected 0x%02X, got 0x%02X", ErrUnexpectedFunctionCode, byte(WriteMultipleCoils), resp[1]))
	}
	respAddr := binary.BigEndian.Uint16(resp[2:4])
	respCount := binary.BigEndian.Uint16(resp[4:6])
	if respAddr != address || int(respCount) != count {
		return ctlerr.New(ctlerr.KindProtocol, "modbus.WriteMultipleCoils", ErrUnexpectedEcho)
	}
	return nil
}

func (c *Client) newRequest(fc FunctionCode, address, count uint16) []byte {
	req := []byte{c.ID, byte(fc), byte(address >> 8), byte(address), byte(count >> 8), byte(count)}
	return appendCRC(req)
}
