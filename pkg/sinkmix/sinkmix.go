// Package sinkmix drives per-channel volumes and output routing of a PulseAudio (or PipeWire-pulse)
// desktop from a physical MIDI control surface, through a fixed set of virtual sinks.
package sinkmix

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/MixyLabs/sinkmix/pkg/sinkmix/util"
)

// SinkMix is the main entity managing all subcomponents
type SinkMix struct {
	logger     *zap.SugaredLogger
	notifier   Notifier
	configMan  *ConfigManager
	audio      AudioEndpointClient
	controller *MixerController
	loop       *ControlSurfaceLoop

	ctx    context.Context
	cancel context.CancelFunc

	runningWithTray bool
	stopChannel     chan bool
	stopOnce        sync.Once
	version         string
	verbose         bool
}

func NewSinkMix(logger *zap.SugaredLogger, verbose bool, configPath string) (*SinkMix, error) {
	logger = logger.Named("sinkmix")

	notifier, err := NewToastNotifier(logger)
	if err != nil {
		logger.Errorw("Failed to create ToastNotifier", "error", err)
		return nil, fmt.Errorf("create new ToastNotifier: %w", err)
	}

	config, err := NewConfig(logger, notifier, configPath)
	if err != nil {
		logger.Errorw("Failed to create Config", "error", err)
		return nil, fmt.Errorf("create new Config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &SinkMix{
		logger:      logger,
		notifier:    notifier,
		configMan:   config,
		ctx:         ctx,
		cancel:      cancel,
		stopChannel: make(chan bool, 1),
		verbose:     verbose,
	}

	logger.Debug("Created sinkmix instance")

	return s, nil
}

// Config returns the config manager, e.g. for binding command line flags before Initialize
func (s *SinkMix) Config() *ConfigManager {
	return s.configMan
}

// Initialize sets up components and starts to run in the background
func (s *SinkMix) Initialize() error {
	s.logger.Debug("Initializing")

	// load the config for the first time
	if err := s.configMan.Load(); err != nil {
		s.logger.Errorw("Failed to load config during initialization", "error", err)
		return fmt.Errorf("load config during init: %w", err)
	}

	conf := s.configMan.Current()

	options, err := conf.LifecycleOptions()
	if err != nil {
		return fmt.Errorf("resolve lifecycle options: %w", err)
	}

	audio, err := NewPulseClient(s.logger, conf.PulseServer)
	if err != nil {
		s.logger.Errorw("Failed to connect to the audio server", "error", err)
		s.notifier.Notify("Can't reach the audio server!", "Make sure PulseAudio or PipeWire is running, then re-launch.")

		return fmt.Errorf("create audio client: %w", err)
	}

	s.audio = audio

	lifecycle := NewEndpointLifecycleManager(s.logger, audio, options)
	s.controller = NewMixerController(s.logger, lifecycle, audio, s.handleAsyncError)

	go func() {
		defer s.recoverFromPanic()
		s.controller.Run(s.ctx)
	}()

	// channel failures are reported but don't keep us from running with what got created
	if err := s.controller.Start(); err != nil {
		s.logger.Warnw("Failed to create all channel endpoints", "error", err)
		s.handleError("Couldn't set up all channels", err)

		if errors.Is(err, ErrAudioServerUnavailable) {
			s.shutdownAudio()
			return fmt.Errorf("start controller: %w", err)
		}
	}

	surface, err := s.newControlSurface(conf)
	if err != nil {
		s.shutdownAudio()
		return fmt.Errorf("create control surface: %w", err)
	}

	s.loop = NewControlSurfaceLoop(s.logger, surface, s.controller.HandleSurfaceEvent, s.verbose)
	s.loop.SetValueMapping(conf.ControlSurface.ScaleValues, conf.ControlSurface.Invert)

	s.setupInterruptHandler()
	s.setupOnConfigReload()

	if conf.DisableTray {
		s.logger.Debugw("Running without tray icon", "reason", "disabled in config")

		// run in main thread while waiting on ctrl+C
		s.run()
	} else {
		s.runningWithTray = true
		s.initializeTray(s.run)
	}

	return nil
}

// SetVersion causes sinkmix to add a version string to its tray menu if called before Initialize
func (s *SinkMix) SetVersion(version string) {
	s.version = version
}

func (s *SinkMix) newControlSurface(conf Config) (ControlSurface, error) {
	switch strings.ToLower(conf.ControlSurface.Transport) {
	case TransportMIDI:
		return NewMIDISurface(s.logger, conf.ControlSurface.DeviceName), nil
	case TransportBLE:
		return NewBLESurface(s.logger, conf.ControlSurface.ScanTimeout), nil
	}

	return nil, fmt.Errorf("unsupported control surface transport %q", conf.ControlSurface.Transport)
}

func (s *SinkMix) setupInterruptHandler() {
	interruptChannel := util.SetupCloseHandler()

	go func() {
		signal := <-interruptChannel
		s.logger.Debugw("Interrupted", "signal", signal)
		s.signalStop()
	}()
}

func (s *SinkMix) setupOnConfigReload() {
	configReloadedChannel := s.configMan.SubscribeToChanges()

	go func() {
		defer s.recoverFromPanic()

		for {
			select {
			case <-s.ctx.Done():
				return
			case <-configReloadedChannel:
				conf := s.configMan.Current()

				s.loop.SetValueMapping(conf.ControlSurface.ScaleValues, conf.ControlSurface.Invert)

				options, err := conf.LifecycleOptions()
				if err != nil {
					s.logger.Warnw("Ignoring reloaded lifecycle options", "error", err)
					continue
				}

				if err := s.controller.Reconfigure(options); err != nil {
					s.handleError("Couldn't apply the new configuration", err)
				}
			}
		}
	}()
}

func (s *SinkMix) run() {
	s.logger.Info("Run loop starting")

	go s.configMan.WatchConfigFileChanges()

	s.loop.Start(s.ctx, s.onSurfaceLoopExit)

	// wait until gracefully stopped
	<-s.stopChannel
	s.logger.Debug("Stop channel signaled, terminating")

	if err := s.stop(); err != nil {
		s.logger.Warnw("Failed to stop sinkmix", "error", err)
		os.Exit(1)
	} else {
		os.Exit(0)
	}
}

// RestartSurface reopens the control surface, e.g. after it was plugged in late or
// replugged without the driver ever reporting an error
func (s *SinkMix) RestartSurface() {
	if s.loop.Err() == nil {
		s.logger.Info("Control surface loop still running, reconnecting")
		s.loop.Stop()
	} else {
		s.logger.Info("Restarting control surface loop")
	}

	s.loop.Start(s.ctx, s.onSurfaceLoopExit)
}

// onSurfaceLoopExit leaves volumes and routing usable from the tray when the surface is gone
func (s *SinkMix) onSurfaceLoopExit(err error) {
	if err == nil {
		return
	}

	s.logger.Warnw("Control surface loop ended", "error", err)
	if errors.Is(err, ErrDeviceUnavailable) {
		s.notifier.Notify("No control surface found", "Connect it, then pick 'Reconnect control surface' from the tray.")
	} else {
		s.notifier.Notify("Control surface disconnected", err.Error())
	}
}

func (s *SinkMix) signalStop() {
	s.stopOnce.Do(func() {
		s.logger.Debug("Signalling stop channel")
		s.stopChannel <- true
	})
}

// stop tears down in order: surface loop first, then our modules on the server, then the connection
func (s *SinkMix) stop() error {
	s.logger.Info("Stopping")

	s.configMan.StopWatchingConfigFile()

	s.loop.Stop()

	err := s.shutdownAudio()

	s.cancel()

	if s.runningWithTray {
		s.stopTray()
	}

	// attempt to sync on exit - this won't necessarily work but can't harm
	_ = s.logger.Sync()

	return err
}

func (s *SinkMix) shutdownAudio() error {
	var shutdownErr error

	if s.controller != nil {
		if err := s.controller.Shutdown(); err != nil {
			s.logger.Errorw("Failed to unload audio modules", "error", err)
			shutdownErr = fmt.Errorf("unload audio modules: %w", err)
		}
	}

	if s.audio != nil {
		if err := s.audio.Close(); err != nil && shutdownErr == nil {
			shutdownErr = fmt.Errorf("close audio client: %w", err)
		}
	}

	return shutdownErr
}

// handleAsyncError receives failures of requests nobody waits on
func (s *SinkMix) handleAsyncError(err error) {
	if errors.Is(err, ErrEndpointNotFound) {
		s.logger.Warnw("Volume change for a channel without endpoints", "error", err)
		return
	}

	s.handleError("Audio update failed", err)
}

func (s *SinkMix) handleError(title string, err error) {
	s.logger.Warnw(title, "error", err)

	if errors.Is(err, ErrAudioServerUnavailable) {
		s.notifier.Notify("Lost the audio server", "sinkmix is shutting down.")
		s.signalStop()

		return
	}

	s.notifier.Notify(title, err.Error())
}
