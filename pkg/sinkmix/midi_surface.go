package sinkmix

import (
	"context"
	"fmt"
	"strings"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
	"gitlab.com/gomidi/midi/v2/drivers/rtmididrv"
	"go.uber.org/zap"
)

// MIDISurface opens USB/ALSA MIDI control surfaces through rtmidi
type MIDISurface struct {
	logger *zap.SugaredLogger

	// optional; the first input port is used when empty
	deviceName string
}

func NewMIDISurface(logger *zap.SugaredLogger, deviceName string) *MIDISurface {
	return &MIDISurface{
		logger:     logger.Named("midi"),
		deviceName: deviceName,
	}
}

func (ms *MIDISurface) OpenFirstAvailableInput() (ControlDevice, error) {
	drv, err := rtmididrv.New()
	if err != nil {
		return nil, fmt.Errorf("create MIDI driver: %w: %w", ErrDeviceUnavailable, err)
	}

	ins, err := drv.Ins()
	if err != nil {
		_ = drv.Close()
		return nil, fmt.Errorf("get MIDI inputs: %w: %w", ErrDeviceUnavailable, err)
	}

	in := ms.pickInput(ins)
	if in == nil {
		_ = drv.Close()
		if ms.deviceName != "" {
			return nil, fmt.Errorf("%w: no MIDI input named %q", ErrDeviceUnavailable, ms.deviceName)
		}

		return nil, fmt.Errorf("%w: no MIDI input devices found", ErrDeviceUnavailable)
	}

	dev := &midiDevice{
		logger: ms.logger,
		drv:    drv,
		in:     in,
		queue:  newFIFO[midiItem](),
	}

	stop, err := midi.ListenTo(in, dev.onMessage, midi.HandleError(dev.onError))
	if err != nil {
		_ = drv.Close()
		return nil, fmt.Errorf("listen to MIDI input %s: %w: %w", in.String(), ErrDeviceUnavailable, err)
	}

	dev.stop = stop

	ms.logger.Infow("Opened MIDI input", "device", in.String())

	return dev, nil
}

func (ms *MIDISurface) pickInput(ins []drivers.In) drivers.In {
	for _, in := range ins {
		if ms.deviceName == "" || strings.EqualFold(in.String(), ms.deviceName) {
			return in
		}
	}

	return nil
}

type midiItem struct {
	event ControlEvent
	err   error
}

type midiDevice struct {
	logger *zap.SugaredLogger

	drv   *rtmididrv.Driver
	in    drivers.In
	stop  func()
	queue *fifo[midiItem]
}

// runs on the driver's goroutine
func (md *midiDevice) onMessage(msg midi.Message, timestampms int32) {
	md.queue.push(midiItem{event: controlEventFromMIDI(msg)})
}

func (md *midiDevice) onError(err error) {
	md.logger.Warnw("MIDI input error", "device", md.in.String(), "error", err)
	md.queue.push(midiItem{err: err})
}

func (md *midiDevice) ReceiveNext(ctx context.Context) (ControlEvent, error) {
	item, ok := md.queue.pop(ctx)
	if !ok {
		if err := ctx.Err(); err != nil {
			return ControlEvent{}, err
		}

		return ControlEvent{}, fmt.Errorf("MIDI input %s closed", md.in.String())
	}

	if item.err != nil {
		return ControlEvent{}, fmt.Errorf("receive from MIDI input %s: %w", md.in.String(), item.err)
	}

	return item.event, nil
}

func (md *midiDevice) Name() string {
	return md.in.String()
}

func (md *midiDevice) Close() error {
	md.stop()
	md.queue.close()

	if err := md.in.Close(); err != nil {
		md.logger.Warnw("Failed to close MIDI input", "device", md.in.String(), "error", err)
	}

	if err := md.drv.Close(); err != nil {
		return fmt.Errorf("close MIDI driver: %w", err)
	}

	md.logger.Debugw("Closed MIDI input", "device", md.in.String())

	return nil
}

func controlEventFromMIDI(msg midi.Message) ControlEvent {
	var channel, first, second uint8

	switch {
	case msg.GetControlChange(&channel, &first, &second):
		return ControlEvent{Category: CategoryControlChange, ControlNumber: first, Value: second}
	case msg.GetNoteOn(&channel, &first, &second):
		return ControlEvent{Category: CategoryNoteOn, ControlNumber: first, Value: second}
	case msg.GetNoteOff(&channel, &first, &second):
		return ControlEvent{Category: CategoryNoteOff, ControlNumber: first, Value: second}
	}

	return ControlEvent{Category: CategoryOther}
}
