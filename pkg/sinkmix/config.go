package sinkmix

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"github.com/thoas/go-funk"
	"go.uber.org/zap"

	"github.com/MixyLabs/sinkmix/pkg/sinkmix/util"
)

type ConfigManager struct {
	logger             *zap.SugaredLogger
	notifier           Notifier
	stopWatcherChannel chan bool

	reloadConsumers []chan bool

	path       string
	userConfig *viper.Viper

	lock    sync.RWMutex
	current Config
}

type Config struct {
	// channel name to virtual sink name
	SinkNames map[string]string `mapstructure:"sink_names"`

	MainOutput     string `mapstructure:"main_output"`
	DefaultChannel string `mapstructure:"default_channel"`

	// channel name to application names moved onto its sink
	StreamRouting map[string][]string `mapstructure:"stream_routing"`

	PulseServer string `mapstructure:"pulse_server"`
	DisableTray bool   `mapstructure:"disable_tray"`

	ControlSurface struct {
		Transport   string        `mapstructure:"transport"`
		DeviceName  string        `mapstructure:"device_name"`
		ScaleValues bool          `mapstructure:"scale_values"`
		Invert      bool          `mapstructure:"invert"`
		ScanTimeout time.Duration `mapstructure:"scan_timeout"`
	} `mapstructure:"control_surface"`
}

const (
	// DefaultConfigFilepath is read from the working directory unless overridden
	DefaultConfigFilepath = "config.yaml"

	configType = "yaml"

	configKeySinkNames      = "sink_names"
	configKeyMainOutput     = "main_output"
	configKeyDefaultChannel = "default_channel"
	configKeyStreamRouting  = "stream_routing"
	configKeyPulseServer    = "pulse_server"
	configKeyDisableTray    = "disable_tray"
	configKeyTransport      = "control_surface.transport"
	configKeyDeviceName     = "control_surface.device_name"
	configKeyScaleValues    = "control_surface.scale_values"
	configKeyInvert         = "control_surface.invert"
	configKeyScanTimeout    = "control_surface.scan_timeout"

	TransportMIDI = "midi"
	TransportBLE  = "ble"
)

var supportedTransports = []string{TransportMIDI, TransportBLE}

func NewConfig(logger *zap.SugaredLogger, notifier Notifier, path string) (*ConfigManager, error) {
	logger = logger.Named("config")

	if path == "" {
		path = DefaultConfigFilepath
	}

	cc := &ConfigManager{
		logger:             logger,
		notifier:           notifier,
		reloadConsumers:    []chan bool{},
		stopWatcherChannel: make(chan bool),
		path:               path,
	}

	userConfig := viper.New()
	userConfig.SetConfigFile(path)
	userConfig.SetConfigType(configType)

	// nested maps, so viper merges single keys of the file over these
	sinkNames := map[string]any{}
	for channel, name := range defaultSinkNames {
		sinkNames[channel.String()] = name
	}

	userConfig.SetDefault(configKeySinkNames, sinkNames)
	userConfig.SetDefault(configKeyMainOutput, "")
	userConfig.SetDefault(configKeyDefaultChannel, System.String())
	userConfig.SetDefault(configKeyStreamRouting, map[string]any{})
	userConfig.SetDefault(configKeyPulseServer, "")
	userConfig.SetDefault(configKeyDisableTray, false)
	userConfig.SetDefault(configKeyTransport, TransportMIDI)
	userConfig.SetDefault(configKeyDeviceName, "")
	userConfig.SetDefault(configKeyScaleValues, true)
	userConfig.SetDefault(configKeyInvert, false)
	userConfig.SetDefault(configKeyScanTimeout, defaultBLEScanTimeout)

	cc.userConfig = userConfig

	logger.Debug("Created config instance")

	return cc, nil
}

// Viper exposes the underlying viper instance, so command line flags can be bound onto it
func (cc *ConfigManager) Viper() *viper.Viper {
	return cc.userConfig
}

// Path returns the config file location
func (cc *ConfigManager) Path() string {
	return cc.path
}

// Current returns a copy of the loaded config
func (cc *ConfigManager) Current() Config {
	cc.lock.RLock()
	defer cc.lock.RUnlock()

	return cc.current
}

func (cc *ConfigManager) Load() error {
	cc.logger.Debugw("Loading config", "path", cc.path)

	// every key has a default, so running without a config file is fine
	if !util.FileExists(cc.path) {
		cc.logger.Infow("Config file not found, using defaults", "path", cc.path)
	} else if err := cc.userConfig.ReadInConfig(); err != nil {
		cc.logger.Warnw("Viper failed to read user config", "error", err)

		// if the error is yaml-format-related, show a sensible error. otherwise, show 'em to the logs
		if strings.Contains(err.Error(), "yaml:") {
			cc.notifier.Notify("Invalid configuration!",
				fmt.Sprintf("Please make sure %s is in a valid YAML format.", cc.path))
		} else {
			cc.notifier.Notify("Error loading configuration!", "Please check sinkmix's logs for more details.")
		}

		return fmt.Errorf("read user config: %w", err)
	}

	if err := cc.populateFromVipers(); err != nil {
		cc.logger.Warnw("Failed to populate config fields", "error", err)
		cc.notifier.Notify("Invalid configuration!", err.Error())

		return fmt.Errorf("populate config fields: %w", err)
	}

	current := cc.Current()

	cc.logger.Info("Loaded config successfully")
	cc.logger.Infow("Config values",
		"sinkNames", current.SinkNames,
		"mainOutput", current.MainOutput,
		"defaultChannel", current.DefaultChannel,
		"streamRouting", current.StreamRouting,
		"transport", current.ControlSurface.Transport)

	return nil
}

// SubscribeToChanges allows external components to receive updates when the config is reloaded
func (cc *ConfigManager) SubscribeToChanges() chan bool {
	c := make(chan bool)
	cc.reloadConsumers = append(cc.reloadConsumers, c)

	return c
}

// WatchConfigFileChanges starts watching for configuration file changes
// and attempts reloading the config when they happen
func (cc *ConfigManager) WatchConfigFileChanges() {
	if !util.FileExists(cc.path) {
		cc.logger.Debugw("No config file to watch", "path", cc.path)
		<-cc.stopWatcherChannel

		return
	}

	cc.logger.Debugw("Starting to watch user config file for changes", "path", cc.path)

	const (
		minTimeBetweenReloadAttempts = time.Millisecond * 500
		delayBetweenEventAndReload   = time.Millisecond * 50
	)

	lastAttemptedReload := time.Now()

	// establish watch using viper as opposed to doing it ourselves, though our internal cooldown is still required
	cc.userConfig.OnConfigChange(func(event fsnotify.Event) {
		if event.Op&fsnotify.Write == fsnotify.Write {
			now := time.Now()

			// ... check if it's not a duplicate (many editors will write to a file twice)
			if lastAttemptedReload.Add(minTimeBetweenReloadAttempts).Before(now) {
				cc.logger.Debugw("Config file modified, attempting reload", "event", event)

				// wait a bit to let the editor actually flush the new file contents to disk
				<-time.After(delayBetweenEventAndReload)

				if err := cc.Load(); err != nil {
					cc.logger.Warnw("Failed to reload config file", "error", err)
				} else {
					cc.logger.Info("Reloaded config successfully")
					cc.notifier.Notify("Configuration reloaded!", "Your changes have been applied.")

					cc.onConfigReloaded()
				}

				lastAttemptedReload = now
			}
		}
	})
	cc.userConfig.WatchConfig()

	// wait till they stop us
	<-cc.stopWatcherChannel
	cc.logger.Debug("Stopping user config file watcher")
	cc.userConfig.OnConfigChange(nil)
}

// StopWatchingConfigFile signals our filesystem watcher to stop
func (cc *ConfigManager) StopWatchingConfigFile() {
	cc.stopWatcherChannel <- true
}

func (cc *ConfigManager) populateFromVipers() error {
	var next Config

	err := cc.userConfig.Unmarshal(&next, func(dConf *mapstructure.DecoderConfig) {
		dConf.WeaklyTypedInput = false
	})
	if err != nil {
		return err
	}

	if err := next.validate(); err != nil {
		return err
	}

	cc.lock.Lock()
	cc.current = next
	cc.lock.Unlock()

	cc.logger.Debug("Populated config fields from vipers")

	return nil
}

func (cc *ConfigManager) onConfigReloaded() {
	cc.logger.Debug("Notifying consumers about configuration reload")

	for _, consumer := range cc.reloadConsumers {
		consumer <- true
	}
}

func (c Config) validate() error {
	transport := strings.ToLower(c.ControlSurface.Transport)
	if !funk.ContainsString(supportedTransports, transport) {
		return fmt.Errorf("unsupported control surface transport %q (expected one of %v)", c.ControlSurface.Transport, supportedTransports)
	}

	if _, err := c.LifecycleOptions(); err != nil {
		return err
	}

	return nil
}

// LifecycleOptions resolves the channel-keyed sections of the config
func (c Config) LifecycleOptions() (LifecycleOptions, error) {
	options := LifecycleOptions{
		SinkNames:     map[Channel]string{},
		MainOutput:    strings.TrimSpace(c.MainOutput),
		StreamRouting: map[Channel][]string{},
	}

	seen := []string{}
	for key, name := range c.SinkNames {
		channel, err := ParseChannel(key)
		if err != nil {
			return options, fmt.Errorf("sink_names: %w", err)
		}
		if !channel.HasSink() {
			return options, fmt.Errorf("sink_names: %s has no sink", channel)
		}

		name = strings.TrimSpace(name)
		if funk.ContainsString(seen, name) {
			return options, fmt.Errorf("sink_names: %q used for more than one channel", name)
		}
		seen = append(seen, name)

		options.SinkNames[channel] = name
	}

	for key, names := range c.StreamRouting {
		channel, err := ParseChannel(key)
		if err != nil {
			return options, fmt.Errorf("stream_routing: %w", err)
		}
		if !channel.HasSink() {
			return options, fmt.Errorf("stream_routing: %s has no sink", channel)
		}

		options.StreamRouting[channel] = funk.UniqString(names)
	}

	defaultChannel, err := ParseChannel(c.DefaultChannel)
	if err != nil {
		return options, fmt.Errorf("default_channel: %w", err)
	}
	if !defaultChannel.HasSink() {
		return options, fmt.Errorf("default_channel: %s has no sink", defaultChannel)
	}
	options.DefaultChannel = defaultChannel

	return options, nil
}
