package sinkmix

import (
	"context"
	"fmt"
)

// EventCategory is the kind of message a control surface emitted
type EventCategory int

const (
	CategoryOther EventCategory = iota
	CategoryControlChange
	CategoryNoteOn
	CategoryNoteOff
)

func (c EventCategory) String() string {
	switch c {
	case CategoryControlChange:
		return "control_change"
	case CategoryNoteOn:
		return "note_on"
	case CategoryNoteOff:
		return "note_off"
	default:
		return "other"
	}
}

// ControlEvent is a single raw message read from a control surface
type ControlEvent struct {
	Category      EventCategory
	ControlNumber uint8
	Value         uint8
}

func (e ControlEvent) String() string {
	return fmt.Sprintf("%s ctrl=%d val=%d", e.Category, e.ControlNumber, e.Value)
}

// ControlSurface opens the physical control surface
type ControlSurface interface {
	// OpenFirstAvailableInput fails with ErrDeviceUnavailable if no device is present
	OpenFirstAvailableInput() (ControlDevice, error)
}

// ControlDevice is an opened control surface
type ControlDevice interface {
	// ReceiveNext blocks until the next event arrives. Implementations in this package
	// also return once ctx is done; one that can't leaves shutdown waiting for the next event.
	ReceiveNext(ctx context.Context) (ControlEvent, error)

	Name() string
	Close() error
}
