package sinkmix

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/MixyLabs/sinkmix/pkg/sinkmix/util"
)

const loopStopGrace = 2 * time.Second

// ControlSurfaceLoop reads the control surface on its own goroutine and hands every translated
// event to the controller without waiting for it to be applied
type ControlSurfaceLoop struct {
	logger     *zap.SugaredLogger
	surface    ControlSurface
	translator ControlEventTranslator
	deliver    func(ChannelVolumeEvent)

	// raw 0-127 values get scaled to percentages when set
	scaleValues atomic.Bool
	invert      atomic.Bool
	verbose     bool

	lock   sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func NewControlSurfaceLoop(logger *zap.SugaredLogger, surface ControlSurface, deliver func(ChannelVolumeEvent), verbose bool) *ControlSurfaceLoop {
	l := &ControlSurfaceLoop{
		logger:  logger.Named("surface_loop"),
		surface: surface,
		deliver: deliver,
		verbose: verbose,
	}

	l.scaleValues.Store(true)

	return l
}

// SetValueMapping changes how raw values are turned into percentages; safe to call while running
func (l *ControlSurfaceLoop) SetValueMapping(scale bool, invert bool) {
	l.scaleValues.Store(scale)
	l.invert.Store(invert)
}

// Start runs the loop in the background. onExit receives the loop's terminal error, if any.
func (l *ControlSurfaceLoop) Start(ctx context.Context, onExit func(error)) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	l.lock.Lock()
	l.cancel = cancel
	l.done = done
	l.err = nil
	l.lock.Unlock()

	go func() {
		defer close(done)

		err := l.Run(ctx)

		l.lock.Lock()
		l.err = err
		l.lock.Unlock()

		if onExit != nil {
			onExit(err)
		}
	}()
}

// Stop signals the loop and waits a short while for it to wind down. The loop only notices the
// signal once the current receive returns.
func (l *ControlSurfaceLoop) Stop() {
	l.lock.Lock()
	cancel, done := l.cancel, l.done
	l.lock.Unlock()

	if cancel == nil {
		return
	}

	l.logger.Debug("Signalling surface loop to stop")
	cancel()

	select {
	case <-done:
	case <-time.After(loopStopGrace):
		l.logger.Warnw("Surface loop still blocked on receive, moving on", "grace", loopStopGrace)
	}
}

// Err returns the error the loop ended with
func (l *ControlSurfaceLoop) Err() error {
	l.lock.Lock()
	defer l.lock.Unlock()

	return l.err
}

// Run opens the surface and loops receive, translate, deliver until ctx is done. It returns nil
// on cancellation and an error when the device can't be opened or read.
func (l *ControlSurfaceLoop) Run(ctx context.Context) error {
	device, err := l.surface.OpenFirstAvailableInput()
	if err != nil {
		l.logger.Warnw("Failed to open control surface", "error", err)
		return fmt.Errorf("open control surface: %w", err)
	}

	defer func() {
		if err := device.Close(); err != nil {
			l.logger.Warnw("Failed to close control surface", "error", err)
		}
	}()

	l.logger.Infow("Surface loop running", "device", device.Name())

	for {
		event, err := device.ReceiveNext(ctx)

		// the stop signal is only looked at once a receive returns
		if ctx.Err() != nil {
			l.logger.Debug("Surface loop stopped")
			return nil
		}

		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}

			l.logger.Warnw("Failed to receive control event", "device", device.Name(), "error", err)
			return fmt.Errorf("receive control event: %w", err)
		}

		volumeEvent, ok := l.translator.Translate(event)
		if !ok {
			continue
		}

		volumeEvent.Value = l.mapValue(volumeEvent.Value)

		if l.verbose {
			l.logger.Debugw("Control moved", "raw", event, "event", volumeEvent)
		}

		l.deliver(volumeEvent)
	}
}

func (l *ControlSurfaceLoop) mapValue(raw int) int {
	percent := raw
	if l.scaleValues.Load() {
		percent = util.ScaleControlValue(raw)
	}

	if l.invert.Load() {
		percent = 100 - util.ClampPercent(percent)
	}

	return percent
}
