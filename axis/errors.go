package axis

import (
	"errors"
	"fmt"
)

// ErrBusy is returned by MoveTo when a move is already in progress.
var ErrBusy = errors.New("axis: already in motion")

// ErrNoThermometer is returned in a Snapshot's TemperatureErr field for an
// axis with no configured thermometer.
var ErrNoThermometer = errors.New("axis: no thermometer configured")

// ErrSoftLimit is returned by MoveTo when the requested target falls
// outside the axis's configured software limits.
var ErrSoftLimit = errors.New("axis: target violates software limits")

func errSoftLimit(target float32) error {
	return fmt.Errorf("%w: %v", ErrSoftLimit, target)
}
