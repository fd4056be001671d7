package stepper_test

import (
	"io"
	"testing"

	"github.com/nasa-jpl/beamctl/modbus"
	"github.com/nasa-jpl/beamctl/stepper"
)

// fakeDevice is a hand-rolled request/response double, matching the style
// used in the modbus and rf256 packages.
type fakeDevice struct {
	request  []byte
	response []byte
}

func (f *fakeDevice) Write(p []byte) (int, error) {
	f.request = append(f.request, p...)
	return len(p), nil
}

func (f *fakeDevice) Read(p []byte) (int, error) {
	if len(f.response) == 0 {
		return 0, io.EOF
	}
	n := copy(p, f.response)
	f.response = f.response[n:]
	return n, nil
}

func crc16(data []byte) uint16 {
	c := uint16(0xFFFF)
	for _, b := range data {
		c ^= uint16(b)
		for i := 0; i < 8; i++ {
			if c&1 != 0 {
				c = (c >> 1) ^ 0xA001
			} else {
				c >>= 1
			}
		}
	}
	return c
}

func withCRC(frame []byte) []byte {
	c := crc16(frame)
	return append(frame, byte(c), byte(c>>8))
}

func newEM2RS(responses ...[]byte) (*stepper.EM2RS, *fakeDevice) {
	var resp []byte
	for _, r := range responses {
		resp = append(resp, r...)
	}
	dev := &fakeDevice{response: resp}
	client := modbus.NewClient(1, dev)
	return stepper.NewEM2RS(client, 0, 1), dev
}

func TestEM2RSSetVelocity(t *testing.T) {
	e, dev := newEM2RS(withCRC([]byte{0x01, 0x06, 0x62, 0x03, 0x00, 0x64}))

	if err := e.SetVelocity(100); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	wantReq := withCRC([]byte{0x01, 0x06, 0x62, 0x03, 0x00, 0x64})
	if string(dev.request) != string(wantReq) {
		t.Errorf("unexpected request: % X, want % X", dev.request, wantReq)
	}
}

func TestEM2RSMoveRelativeRejectsSubSteps(t *testing.T) {
	e, _ := newEM2RS()

	if err := e.MoveRelative(100, 1); err == nil {
		t.Fatal("expected an error for a nonzero subSteps argument")
	}
}

func TestEM2RSMoveRelativeWritesHiLoThenStarts(t *testing.T) {
	e, dev := newEM2RS(
		withCRC([]byte{0x01, 0x06, 0x62, 0x01, 0x00, 0x00}),
		withCRC([]byte{0x01, 0x06, 0x62, 0x02, 0x00, 0x01}),
		withCRC([]byte{0x01, 0x06, 0x60, 0x02, 0x00, 0x10}),
	)

	if err := e.MoveRelative(1, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(dev.request) == 0 {
		t.Fatal("expected requests to have been sent")
	}
}

func TestEM2RSGetLimitSwitchState(t *testing.T) {
	// SI status register low byte: bit0 set (low limit), bit1 clear
	e, _ := newEM2RS(withCRC([]byte{0x01, 0x03, 0x02, 0x00, 0x01}))

	limits, err := e.GetLimitSwitchState()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if limits != stepper.LimitLow {
		t.Errorf("expected LimitLow, got %v", limits)
	}
}

func TestEM2RSGetState(t *testing.T) {
	e, _ := newEM2RS(
		withCRC([]byte{0x01, 0x03, 0x02, 0x00, 0x04}), // motion status: RUNNING bit (bit 2) set
		withCRC([]byte{0x01, 0x03, 0x02, 0x00, 0x00}), // SI status: no limits
	)

	st, err := e.GetState()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !st.Moving {
		t.Error("expected Moving to be true")
	}
	if st.Limits != stepper.LimitNone {
		t.Errorf("expected no limits tripped, got %v", st.Limits)
	}
}

func TestEM2RSStop(t *testing.T) {
	e, dev := newEM2RS(withCRC([]byte{0x01, 0x06, 0x60, 0x02, 0x00, 0x40}))

	if err := e.Stop(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(dev.request) == 0 {
		t.Fatal("expected a request to have been sent")
	}
}
