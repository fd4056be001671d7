package ctlerr_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/nasa-jpl/beamctl/ctlerr"
)

func TestRecoverableIO(t *testing.T) {
	err := ctlerr.New(ctlerr.KindIO, "comm.Read", errors.New("connection reset"))
	if !ctlerr.Recoverable(err) {
		t.Error("expected IO error to be recoverable")
	}
	if ctlerr.Terminal(err) {
		t.Error("expected IO error to not be terminal")
	}
}

func TestTerminalProtocol(t *testing.T) {
	err := ctlerr.New(ctlerr.KindProtocol, "modbus.ReadHoldingRegisters", errors.New("bad crc"))
	if ctlerr.Recoverable(err) {
		t.Error("expected protocol error to not be recoverable")
	}
}

func TestUnwrap(t *testing.T) {
	inner := errors.New("dial tcp: refused")
	err := ctlerr.New(ctlerr.KindIO, "comm.ensureOpen", inner)
	wrapped := fmt.Errorf("opening axis 2: %w", err)
	var e *ctlerr.Error
	if !errors.As(wrapped, &e) {
		t.Fatal("expected errors.As to recover *ctlerr.Error through fmt.Errorf wrapping")
	}
	if e.Kind != ctlerr.KindIO {
		t.Errorf("expected KindIO, got %v", e.Kind)
	}
}

func TestNilIsNil(t *testing.T) {
	if ctlerr.New(ctlerr.KindIO, "x", nil) != nil {
		t.Error("expected New(..., nil) to return nil")
	}
}
