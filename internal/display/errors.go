package display

import "errors"

var (
	// ErrClosed is returned by a Manager or Display after Close.
	ErrClosed = errors.New("display closed")

	// ErrDisplayOff is returned when presenting to a display that is turned off.
	ErrDisplayOff = errors.New("display is off")
)
