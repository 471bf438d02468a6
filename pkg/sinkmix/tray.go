package sinkmix

import (
	"fmt"
	"sync"

	"fyne.io/systray"
	"go.uber.org/zap"

	"github.com/MixyLabs/sinkmix/pkg/sinkmix/util"
)

func (s *SinkMix) initializeTray(onDone func()) {
	logger := s.logger.Named("tray")

	onReady := func() {
		logger.Debug("Tray instance ready")

		systray.SetTemplateIcon(SinkMixIconData, SinkMixIconData)
		systray.SetTitle("sinkmix")
		systray.SetTooltip("sinkmix")

		outputMenu := systray.AddMenuItem("Main output", "Physical output every channel plays into")

		levels := make(map[Channel]*systray.MenuItem, len(Channels))
		for _, channel := range Channels {
			item := systray.AddMenuItem(channelLevelTitle(channel, -1), fmt.Sprintf("Set the %s level", channel))
			levels[channel] = item

			for _, percent := range levelPresets {
				preset := item.AddSubMenuItem(fmt.Sprintf("%d%%", percent), "")
				go s.watchLevelPreset(preset, ChannelVolumeEvent{Channel: channel, Value: percent})
			}
		}

		systray.AddSeparator()
		restartEndpoints := systray.AddMenuItem("Restart audio endpoints", "Recreate every channel sink and loopback")
		reconnectSurface := systray.AddMenuItem("Reconnect control surface", "Look for the control surface again")
		editConfig := systray.AddMenuItem("Edit configuration", "Open config file with a text editor")

		if s.version != "" {
			systray.AddSeparator()
			versionInfo := systray.AddMenuItem(s.version, "")
			versionInfo.Disable()
		}

		systray.AddSeparator()
		quit := systray.AddMenuItem("Quit", "Stop sinkmix and quit")

		selector := &outputSelector{
			logger:     logger,
			parent:     outputMenu,
			controller: s.controller,
			onError:    s.handleError,
		}
		selector.sync(levels)

		volumeUpdates := s.controller.SubscribeToVolumeUpdates()
		catalogChanges := s.controller.SubscribeToCatalogChanges()

		go func() {
			defer s.recoverFromPanic()

			for {
				select {
				case <-s.ctx.Done():
					return

				case event := <-volumeUpdates:
					if item, ok := levels[event.Channel]; ok {
						item.SetTitle(channelLevelTitle(event.Channel, event.Value))
					}

				case <-catalogChanges:
					logger.Debug("Catalog changed, re-syncing output menu")
					selector.sync(levels)

				case <-quit.ClickedCh:
					logger.Info("Quit menu item clicked, stopping")

					s.signalStop()

				case <-restartEndpoints.ClickedCh:
					logger.Info("Restart menu item clicked, recreating audio endpoints")

					if err := s.controller.Restart(); err != nil {
						s.handleError("Restart failed", err)
					}

				case <-reconnectSurface.ClickedCh:
					logger.Info("Reconnect menu item clicked")
					s.RestartSurface()

				case <-editConfig.ClickedCh:
					logger.Info("Edit config menu item clicked, opening config for editing")

					if err := util.OpenExternal(logger, "xdg-open", s.configMan.Path()); err != nil {
						logger.Warnw("Failed to open config file for editing", "error", err)
					}
				}
			}
		}()

		onDone()
	}

	onExit := func() {
		logger.Debug("Tray exited")
	}

	logger.Debug("Running in tray")
	systray.Run(onReady, onExit)
}

func (s *SinkMix) stopTray() {
	s.logger.Debug("Quitting tray")
	systray.Quit()
}

var levelPresets = []int{0, 25, 50, 75, 100}

func (s *SinkMix) watchLevelPreset(item *systray.MenuItem, event ChannelVolumeEvent) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-item.ClickedCh:
			s.logger.Named("tray").Infow("Level preset selected", "event", event)
			s.controller.ApplyVolumeEvent(event)
		}
	}
}

func channelLevelTitle(channel Channel, percent int) string {
	if percent < 0 {
		return fmt.Sprintf("%s: -", channel)
	}

	return fmt.Sprintf("%s: %d%%", channel, percent)
}

// outputSelector keeps a checkbox submenu of the catalog's outputs in sync with the controller
type outputSelector struct {
	logger     *zap.SugaredLogger
	parent     *systray.MenuItem
	controller *MixerController
	onError    func(title string, err error)

	lock  sync.Mutex
	items map[string]*systray.MenuItem
	done  chan struct{}
}

func (o *outputSelector) sync(levels map[Channel]*systray.MenuItem) {
	catalog, err := o.controller.CurrentChannelCatalog()
	if err != nil {
		o.logger.Warnw("Failed to get channel catalog", "error", err)
		return
	}

	o.lock.Lock()
	defer o.lock.Unlock()

	// systray can't remove items, so retire the previous generation
	if o.done != nil {
		close(o.done)
	}
	for _, item := range o.items {
		item.Hide()
	}

	o.items = make(map[string]*systray.MenuItem, len(catalog.Outputs))
	o.done = make(chan struct{})

	for _, output := range catalog.Outputs {
		title := output.Description
		if title == "" {
			title = output.Name
		}

		item := o.parent.AddSubMenuItemCheckbox(title, output.Name, output.Name == catalog.MainOutput)
		o.items[output.Name] = item

		go o.watch(item, output.Name, o.done)
	}

	for channel, percent := range catalog.Volumes {
		if item, ok := levels[channel]; ok {
			item.SetTitle(channelLevelTitle(channel, percent))
		}
	}
}

func (o *outputSelector) watch(item *systray.MenuItem, sinkName string, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-item.ClickedCh:
			o.logger.Infow("Main output selected", "sink", sinkName)

			if err := o.controller.SetMainOutput(sinkName); err != nil {
				o.onError("Couldn't switch output", err)
			}

			o.checkCurrent()
		}
	}
}

// checkCurrent moves the check mark to whatever the controller now reports as main output
func (o *outputSelector) checkCurrent() {
	catalog, err := o.controller.CurrentChannelCatalog()
	if err != nil {
		o.logger.Warnw("Failed to get channel catalog", "error", err)
		return
	}

	o.lock.Lock()
	defer o.lock.Unlock()

	for name, item := range o.items {
		if name == catalog.MainOutput {
			item.Check()
		} else {
			item.Uncheck()
		}
	}
}
