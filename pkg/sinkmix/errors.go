package sinkmix

import (
	"errors"
	"fmt"
)

var (
	// ErrDeviceUnavailable means no control surface could be opened. Fatal to the surface loop only.
	ErrDeviceUnavailable = errors.New("control surface unavailable")

	// ErrEndpointCreateFailed marks a channel whose sink or loopback could not be created
	ErrEndpointCreateFailed = errors.New("endpoint creation failed")

	// ErrEndpointNotFound marks a reference to a channel or sink that isn't in the topology or catalog
	ErrEndpointNotFound = errors.New("endpoint not found")

	// ErrInvalidOutput marks an attempt to route the loopbacks into one of our own channel sinks
	ErrInvalidOutput = errors.New("invalid main output")

	// ErrStreamMoveFailed marks a best-effort stream move that didn't go through
	ErrStreamMoveFailed = errors.New("stream move failed")

	// ErrAudioServerUnavailable means the connection to the audio server is gone
	ErrAudioServerUnavailable = errors.New("audio server unavailable")
)

// EndpointError attaches the channel and the failed step to a lifecycle error
type EndpointError struct {
	Channel Channel
	Op      string
	Err     error
}

func (e *EndpointError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Channel, e.Err)
}

func (e *EndpointError) Unwrap() error {
	return e.Err
}

func newEndpointError(channel Channel, op string, kind error, cause error) *EndpointError {
	return &EndpointError{
		Channel: channel,
		Op:      op,
		Err:     fmt.Errorf("%w: %w", kind, cause),
	}
}
