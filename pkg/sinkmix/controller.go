package sinkmix

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/MixyLabs/sinkmix/pkg/sinkmix/util"
)

const subscriberBuffer = 32

// ChannelCatalog is a read-only snapshot for the UI
type ChannelCatalog struct {
	// Outputs are the physical sinks the loopbacks can be pointed at
	Outputs    []SinkInfo
	MainOutput string

	// channel to sink name, for the channels currently created
	Channels map[Channel]string

	// last applied percentage per channel
	Volumes map[Channel]int
}

// MixerController serializes every mutation coming from the UI and the control surface
// onto a single goroutine that owns the EndpointLifecycleManager
type MixerController struct {
	logger    *zap.SugaredLogger
	lifecycle *EndpointLifecycleManager
	client    AudioEndpointClient

	mailbox *fifo[func()]

	onError func(error)

	lock               sync.Mutex
	volumeConsumers    []chan ChannelVolumeEvent
	catalogConsumers   []chan bool
	unavailableHandled bool

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewMixerController takes ownership of lifecycle; onError receives failures of requests
// nobody waits on (e.g. volume events from the surface)
func NewMixerController(logger *zap.SugaredLogger, lifecycle *EndpointLifecycleManager, client AudioEndpointClient, onError func(error)) *MixerController {
	logger = logger.Named("controller")

	if onError == nil {
		onError = func(err error) {
			logger.Warnw("Unhandled controller error", "error", err)
		}
	}

	mc := &MixerController{
		logger:    logger,
		lifecycle: lifecycle,
		client:    client,
		mailbox:   newFIFO[func()](),
		onError:   onError,
		stopped:   make(chan struct{}),
	}

	logger.Debug("Created mixer controller instance")

	return mc
}

// Run processes requests until Shutdown is called or ctx is done. Every audio server call
// happens on this goroutine.
func (mc *MixerController) Run(ctx context.Context) {
	defer close(mc.stopped)

	mc.logger.Debug("Controller loop starting")

	streamAdded := mc.client.StreamInputAdded()

	// stream announcements come from the protocol goroutine, hop them onto the mailbox
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-mc.stopped:
				return
			case index, ok := <-streamAdded:
				if !ok {
					return
				}
				mc.mailbox.push(func() {
					mc.lifecycle.RouteStreamInput(index)
				})
			}
		}
	}()

	for {
		request, ok := mc.mailbox.pop(ctx)
		if !ok {
			mc.logger.Debug("Controller loop stopped")
			return
		}

		request()
	}
}

// Start creates the topology on the controller goroutine
func (mc *MixerController) Start() error {
	return mc.call(func() error {
		return mc.lifecycle.Start()
	})
}

// ApplyVolumeEvent queues a UI-originated event and returns right away. Volume subscribers
// see it once applied, clamped like the server did.
func (mc *MixerController) ApplyVolumeEvent(event ChannelVolumeEvent) {
	mc.post(func() {
		if err := mc.lifecycle.SetVolume(event.Channel, event.Value); err != nil {
			mc.report(fmt.Errorf("apply volume event %s: %w", event, err))
			return
		}

		event.Value = util.ClampPercent(event.Value)
		mc.notifyVolumeConsumers(event)
	})
}

// HandleSurfaceEvent applies an event read from the control surface and then
// forwards it to the volume subscribers
func (mc *MixerController) HandleSurfaceEvent(event ChannelVolumeEvent) {
	mc.post(func() {
		if err := mc.lifecycle.SetVolume(event.Channel, event.Value); err != nil {
			mc.report(fmt.Errorf("apply surface event %s: %w", event, err))
			return
		}

		mc.notifyVolumeConsumers(event)
	})
}

// SetMainOutput points every channel at the given sink
func (mc *MixerController) SetMainOutput(name string, streamNames ...string) error {
	return mc.call(func() error {
		return mc.lifecycle.Retarget(name, streamNames...)
	})
}

// Restart recreates the topology and tells catalog subscribers to re-sync
func (mc *MixerController) Restart() error {
	err := mc.call(func() error {
		return mc.lifecycle.Restart()
	})

	mc.notifyCatalogConsumers()

	return err
}

// Reconfigure applies new options; the topology is recreated when the sink names changed
func (mc *MixerController) Reconfigure(options LifecycleOptions) error {
	err := mc.call(func() error {
		if !mc.lifecycle.Reconfigure(options) {
			mc.lifecycle.RouteStreams()
			return nil
		}

		mc.logger.Info("Sink names changed, restarting channel endpoints")

		return mc.lifecycle.Restart()
	})

	mc.notifyCatalogConsumers()

	return err
}

// CurrentChannelCatalog refreshes and returns the catalog snapshot
func (mc *MixerController) CurrentChannelCatalog() (ChannelCatalog, error) {
	var catalog ChannelCatalog

	err := mc.call(func() error {
		if err := mc.lifecycle.RefreshCatalog(); err != nil {
			return err
		}

		catalog = mc.lifecycle.Catalog()

		return nil
	})

	return catalog, err
}

// Shutdown unloads every module and stops the controller goroutine. Queued requests
// ahead of it still run; later ones are dropped.
func (mc *MixerController) Shutdown() error {
	mc.logger.Debugw("Shutting down", "queuedRequests", mc.mailbox.len())

	err := mc.call(func() error {
		return mc.lifecycle.UnloadAll()
	})

	mc.stopOnce.Do(mc.mailbox.close)
	<-mc.stopped

	return err
}

// SubscribeToVolumeUpdates returns a channel receiving every applied control surface event.
// Events are dropped for a subscriber that falls more than a few dozen events behind.
func (mc *MixerController) SubscribeToVolumeUpdates() <-chan ChannelVolumeEvent {
	mc.lock.Lock()
	defer mc.lock.Unlock()

	ch := make(chan ChannelVolumeEvent, subscriberBuffer)
	mc.volumeConsumers = append(mc.volumeConsumers, ch)

	return ch
}

// SubscribeToCatalogChanges returns a channel signalled after each restart
func (mc *MixerController) SubscribeToCatalogChanges() <-chan bool {
	mc.lock.Lock()
	defer mc.lock.Unlock()

	ch := make(chan bool, 1)
	mc.catalogConsumers = append(mc.catalogConsumers, ch)

	return ch
}

func (mc *MixerController) notifyVolumeConsumers(event ChannelVolumeEvent) {
	mc.lock.Lock()
	defer mc.lock.Unlock()

	for _, consumer := range mc.volumeConsumers {
		select {
		case consumer <- event:
		default:
			mc.logger.Debugw("Volume subscriber is behind, dropping update", "event", event)
		}
	}
}

func (mc *MixerController) notifyCatalogConsumers() {
	mc.lock.Lock()
	defer mc.lock.Unlock()

	for _, consumer := range mc.catalogConsumers {
		select {
		case consumer <- true:
		default:
		}
	}
}

func (mc *MixerController) post(request func()) {
	if !mc.mailbox.push(request) {
		mc.logger.Debug("Controller stopped, dropping request")
	}
}

// call runs request on the controller goroutine and waits for its result
func (mc *MixerController) call(request func() error) error {
	result := make(chan error, 1)

	if !mc.mailbox.push(func() { result <- request() }) {
		return errors.New("mixer controller stopped")
	}

	select {
	case err := <-result:
		if errors.Is(err, ErrAudioServerUnavailable) {
			mc.handleServerLoss()
		}

		return err
	case <-mc.stopped:
		// Shutdown closes the mailbox behind the request, so a result may still be waiting
		select {
		case err := <-result:
			return err
		default:
			return errors.New("mixer controller stopped")
		}
	}
}

func (mc *MixerController) report(err error) {
	if errors.Is(err, ErrAudioServerUnavailable) {
		mc.handleServerLoss()
	}

	mc.onError(err)
}

// handleServerLoss makes a single best-effort attempt at sweeping our modules;
// the owner shuts down after seeing ErrAudioServerUnavailable
func (mc *MixerController) handleServerLoss() {
	mc.lock.Lock()
	handled := mc.unavailableHandled
	mc.unavailableHandled = true
	mc.lock.Unlock()

	if handled {
		return
	}

	mc.logger.Warn("Audio server connection lost, unloading what we can")

	mc.post(func() {
		if err := mc.lifecycle.UnloadAll(); err != nil {
			mc.logger.Debugw("Best-effort unload after connection loss failed", "error", err)
		}
	})
}
