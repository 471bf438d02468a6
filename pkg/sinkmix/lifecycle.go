package sinkmix

import (
	"errors"
	"fmt"
	"strings"

	"github.com/thoas/go-funk"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/MixyLabs/sinkmix/pkg/sinkmix/util"
)

// channelEndpoint is a created channel: its virtual sink plus the loopback from the sink's monitor
// into the main output. Both handles are always valid together.
type channelEndpoint struct {
	sinkName       string
	sinkHandle     EndpointHandle
	loopbackHandle EndpointHandle
}

// LifecycleOptions are the config-driven parts of the topology
type LifecycleOptions struct {
	SinkNames map[Channel]string

	// MainOutput is the initial output; the server's default sink is used when empty
	MainOutput string

	// DefaultChannel's sink becomes the server default after creation, so new streams land on a channel
	DefaultChannel Channel

	// StreamRouting lists application names to move onto each channel's sink
	StreamRouting map[Channel][]string
}

// EndpointLifecycleManager owns the virtual sink + loopback topology on the audio server.
// It is not safe for concurrent use; MixerController serializes every call.
type EndpointLifecycleManager struct {
	logger *zap.SugaredLogger
	client AudioEndpointClient

	options LifecycleOptions

	topology   map[Channel]*channelEndpoint
	mainOutput string
	catalog    []SinkInfo

	// last percentage applied per channel, re-applied after a restart
	volumes map[Channel]int
}

func NewEndpointLifecycleManager(logger *zap.SugaredLogger, client AudioEndpointClient, options LifecycleOptions) *EndpointLifecycleManager {
	m := &EndpointLifecycleManager{
		logger:   logger.Named("lifecycle"),
		client:   client,
		topology: make(map[Channel]*channelEndpoint),
		volumes:  make(map[Channel]int),
	}

	m.configure(options)

	m.logger.Debug("Created endpoint lifecycle manager instance")

	return m
}

func (m *EndpointLifecycleManager) configure(options LifecycleOptions) {
	sinkNames := make(map[Channel]string, len(SinkChannels))
	for _, channel := range SinkChannels {
		sinkNames[channel] = defaultSinkNames[channel]
		if name := strings.TrimSpace(options.SinkNames[channel]); name != "" {
			sinkNames[channel] = name
		}
	}

	options.SinkNames = sinkNames
	if !options.DefaultChannel.HasSink() {
		options.DefaultChannel = System
	}

	m.options = options
}

// Reconfigure swaps the options. It reports whether the sink names changed, in which case
// the existing topology only goes away with the next restart.
func (m *EndpointLifecycleManager) Reconfigure(options LifecycleOptions) bool {
	previous := m.options.SinkNames
	m.configure(options)

	for _, channel := range SinkChannels {
		if previous[channel] != m.options.SinkNames[channel] {
			return true
		}
	}

	return false
}

// Start resolves the main output, then creates the topology
func (m *EndpointLifecycleManager) Start() error {
	if err := m.RefreshCatalog(); err != nil {
		return err
	}

	if err := m.resolveMainOutput(); err != nil {
		return err
	}

	return m.CreateAll()
}

// CreateAll creates the sink and loopback of every channel missing from the topology.
// Channels that fail don't stop the others; all failures are returned together.
func (m *EndpointLifecycleManager) CreateAll() error {
	if m.mainOutput == "" {
		if err := m.resolveMainOutput(); err != nil {
			return err
		}
	}

	var createErr error

	for _, channel := range SinkChannels {
		if _, ok := m.topology[channel]; ok {
			continue
		}

		endpoint, err := m.createChannel(channel)
		if err != nil {
			m.logger.Warnw("Failed to create channel endpoints", "channel", channel, "error", err)
			createErr = multierr.Append(createErr, err)

			continue
		}

		m.topology[channel] = endpoint
		m.logger.Debugw("Created channel endpoints",
			"channel", channel,
			"sink", endpoint.sinkName,
			"sinkHandle", endpoint.sinkHandle,
			"loopbackHandle", endpoint.loopbackHandle)
	}

	if endpoint, ok := m.topology[m.options.DefaultChannel]; ok {
		if err := m.client.SetDefaultSink(endpoint.sinkName); err != nil {
			m.logger.Warnw("Failed to make channel sink the default", "sink", endpoint.sinkName, "error", err)
			createErr = multierr.Append(createErr, fmt.Errorf("set default sink: %w", err))
		}
	}

	// new sinks joined the server
	if err := m.RefreshCatalog(); err != nil {
		createErr = multierr.Append(createErr, err)
	} else {
		m.RouteStreams()
	}

	if createErr != nil {
		return createErr
	}

	m.logger.Infow("Created all channel endpoints", "mainOutput", m.mainOutput)

	return nil
}

func (m *EndpointLifecycleManager) createChannel(channel Channel) (*channelEndpoint, error) {
	sinkName := m.options.SinkNames[channel]

	sinkHandle, err := m.client.CreateNullSink(sinkName)
	if err != nil {
		return nil, newEndpointError(channel, "create sink", ErrEndpointCreateFailed, err)
	}

	loopbackHandle, err := m.client.CreateLoopback(monitorOf(sinkName), m.mainOutput)
	if err != nil {
		// don't leave a sink without its loopback behind
		if unloadErr := m.client.UnloadModule(sinkHandle); unloadErr != nil {
			m.logger.Warnw("Failed to roll back channel sink", "channel", channel, "sinkHandle", sinkHandle, "error", unloadErr)
		}

		return nil, newEndpointError(channel, "create loopback", ErrEndpointCreateFailed, err)
	}

	return &channelEndpoint{
		sinkName:       sinkName,
		sinkHandle:     sinkHandle,
		loopbackHandle: loopbackHandle,
	}, nil
}

// UnloadAll sweeps every virtual sink and loopback off the server, then forgets the topology.
// On failure the topology is left as it was.
func (m *EndpointLifecycleManager) UnloadAll() error {
	if err := m.client.UnloadAllNullSinksAndLoopbacks(); err != nil {
		m.logger.Warnw("Failed to unload virtual sinks and loopbacks", "error", err)
		return fmt.Errorf("unload all modules: %w", err)
	}

	for channel := range m.topology {
		delete(m.topology, channel)
	}

	m.logger.Debug("Unloaded all channel endpoints")

	return nil
}

// Restart tears the whole topology down and creates it again against a fresh catalog
func (m *EndpointLifecycleManager) Restart() error {
	m.logger.Info("Restarting channel endpoints")

	if err := m.UnloadAll(); err != nil {
		return fmt.Errorf("restart: %w", err)
	}

	if err := m.RefreshCatalog(); err != nil {
		return fmt.Errorf("restart: %w", err)
	}

	// the output may have been unplugged meanwhile
	if _, ok := m.findSink(m.mainOutput); !ok {
		m.logger.Infow("Main output vanished, resolving a new one", "mainOutput", m.mainOutput)
		m.mainOutput = ""

		if err := m.resolveMainOutput(); err != nil {
			return fmt.Errorf("restart: %w", err)
		}
	}

	createErr := m.CreateAll()

	// channels that did come back still get their levels
	m.restoreVolumes()

	if createErr != nil {
		return fmt.Errorf("restart: %w", createErr)
	}

	return nil
}

// Retarget points every channel's loopback at newOutput, then moves the explicitly named
// application streams there too. Loopback failures are returned and leave MainOutput unchanged,
// so the call can simply be retried; stream moves are best-effort.
func (m *EndpointLifecycleManager) Retarget(newOutput string, streamNames ...string) error {
	if err := m.RefreshCatalog(); err != nil {
		return fmt.Errorf("retarget: %w", err)
	}

	target, ok := m.findSink(newOutput)
	if !ok {
		return fmt.Errorf("retarget: %w: sink %q", ErrEndpointNotFound, newOutput)
	}

	if m.isChannelSink(newOutput) {
		return fmt.Errorf("retarget: %w: %q is a channel sink", ErrInvalidOutput, newOutput)
	}

	streams, err := m.client.ListStreamInputs()
	if err != nil {
		return fmt.Errorf("retarget: %w", err)
	}

	var retargetErr error

	for _, channel := range SinkChannels {
		endpoint, ok := m.topology[channel]
		if !ok {
			continue
		}

		if err := m.repointLoopback(channel, endpoint, streams, target); err != nil {
			m.logger.Warnw("Failed to repoint channel loopback", "channel", channel, "output", newOutput, "error", err)
			retargetErr = multierr.Append(retargetErr, err)
		}
	}

	if retargetErr != nil {
		return fmt.Errorf("retarget: %w", retargetErr)
	}

	m.mainOutput = newOutput
	m.logger.Infow("Retargeted main output", "mainOutput", newOutput)

	m.moveNamedStreams(streams, target, streamNames)

	return nil
}

// repointLoopback moves the loopback's own stream onto target, recreating the loopback when
// its stream can't be found or moved
func (m *EndpointLifecycleManager) repointLoopback(channel Channel, endpoint *channelEndpoint, streams []StreamInput, target SinkInfo) error {
	moved := false

	for _, stream := range streams {
		if stream.OwnerModule != endpoint.loopbackHandle {
			continue
		}

		if stream.SinkIndex == target.Index {
			moved = true
			continue
		}

		if err := m.client.MoveStreamInput(stream.Index, target.Index); err != nil {
			if errors.Is(err, ErrAudioServerUnavailable) {
				return err
			}

			m.logger.Debugw("Failed to move loopback stream, recreating loopback instead",
				"channel", channel, "sinkInputIndex", stream.Index, "error", err)
			moved = false

			break
		}

		moved = true
	}

	if moved {
		return nil
	}

	// create the new route before dropping the old one, so a failure keeps the channel intact
	loopbackHandle, err := m.client.CreateLoopback(monitorOf(endpoint.sinkName), target.Name)
	if err != nil {
		return newEndpointError(channel, "recreate loopback", ErrEndpointCreateFailed, err)
	}

	if err := m.client.UnloadModule(endpoint.loopbackHandle); err != nil {
		m.logger.Warnw("Failed to unload previous loopback", "channel", channel, "loopbackHandle", endpoint.loopbackHandle, "error", err)
	}

	endpoint.loopbackHandle = loopbackHandle

	return nil
}

func (m *EndpointLifecycleManager) moveNamedStreams(streams []StreamInput, target SinkInfo, streamNames []string) {
	streamNames = funk.UniqString(streamNames)
	if len(streamNames) == 0 {
		return
	}

	for _, stream := range streams {
		if stream.OwnerModule != NoOwnerModule || !matchStreamToNames(stream, streamNames) {
			continue
		}

		m.moveStream(stream, target)
	}
}

// RouteStreams moves every live stream matching the stream routing config onto its channel's sink
func (m *EndpointLifecycleManager) RouteStreams() {
	if len(m.options.StreamRouting) == 0 {
		return
	}

	streams, err := m.client.ListStreamInputs()
	if err != nil {
		m.logger.Warnw("Failed to list streams for routing", "error", err)
		return
	}

	for _, stream := range streams {
		m.routeStream(stream)
	}
}

// RouteStreamInput routes a single, newly announced stream-input
func (m *EndpointLifecycleManager) RouteStreamInput(index uint32) {
	if len(m.options.StreamRouting) == 0 {
		return
	}

	streams, err := m.client.ListStreamInputs()
	if err != nil {
		m.logger.Warnw("Failed to list streams for routing", "sinkInputIndex", index, "error", err)
		return
	}

	for _, stream := range streams {
		if stream.Index == index {
			m.routeStream(stream)
			return
		}
	}

	// already gone again
	m.logger.Debugw("Announced stream not found", "sinkInputIndex", index)
}

func (m *EndpointLifecycleManager) routeStream(stream StreamInput) {
	if stream.OwnerModule != NoOwnerModule {
		return
	}

	for _, channel := range SinkChannels {
		if !matchStreamToNames(stream, m.options.StreamRouting[channel]) {
			continue
		}

		endpoint, ok := m.topology[channel]
		if !ok {
			return
		}

		sink, ok := m.findSink(endpoint.sinkName)
		if !ok || sink.Index == stream.SinkIndex {
			return
		}

		m.moveStream(stream, sink)

		return
	}
}

func (m *EndpointLifecycleManager) moveStream(stream StreamInput, target SinkInfo) {
	if err := m.client.MoveStreamInput(stream.Index, target.Index); err != nil {
		m.logger.Warnw("Skipping stream",
			"error", fmt.Errorf("%w: %w", ErrStreamMoveFailed, err),
			"stream", stream.Name,
			"sinkInputIndex", stream.Index,
			"sink", target.Name)

		return
	}

	m.logger.Debugw("Moved stream", "stream", stream.Name, "sinkInputIndex", stream.Index, "sink", target.Name)
}

// SetVolume sets the channel to percent, clamped to [0, 100]. The microphone channel drives the
// default source, every other channel its own sink.
func (m *EndpointLifecycleManager) SetVolume(channel Channel, percent int) error {
	percent = util.ClampPercent(percent)
	volume := float32(percent) / 100

	if channel == Microphone {
		source, err := m.client.DefaultSourceName()
		if err != nil {
			return fmt.Errorf("get default source: %w", err)
		}

		if err := m.client.SetSourceVolume(source, volume); err != nil {
			return fmt.Errorf("set %s volume: %w", channel, err)
		}

		m.volumes[channel] = percent

		return nil
	}

	endpoint, ok := m.topology[channel]
	if !ok {
		return fmt.Errorf("set %s volume: %w", channel, ErrEndpointNotFound)
	}

	if err := m.client.SetSinkVolume(endpoint.sinkName, volume); err != nil {
		return fmt.Errorf("set %s volume: %w", channel, err)
	}

	m.volumes[channel] = percent

	return nil
}

func (m *EndpointLifecycleManager) restoreVolumes() {
	for _, channel := range SinkChannels {
		percent, ok := m.volumes[channel]
		if !ok {
			continue
		}

		if _, created := m.topology[channel]; !created {
			continue
		}

		if err := m.SetVolume(channel, percent); err != nil {
			m.logger.Warnw("Failed to restore channel volume", "channel", channel, "volume", percent, "error", err)
		}
	}
}

// RefreshCatalog re-reads the sinks known to the server
func (m *EndpointLifecycleManager) RefreshCatalog() error {
	sinks, err := m.client.ListSinks()
	if err != nil {
		return fmt.Errorf("refresh sink catalog: %w", err)
	}

	m.catalog = sinks

	return nil
}

func (m *EndpointLifecycleManager) resolveMainOutput() error {
	candidate := m.options.MainOutput
	if candidate != "" {
		if _, ok := m.findSink(candidate); !ok {
			m.logger.Warnw("Configured main output not found, falling back to default sink", "mainOutput", candidate)
			candidate = ""
		}
	}

	if candidate == "" {
		defaultSink, err := m.client.DefaultSinkName()
		if err != nil {
			return fmt.Errorf("resolve main output: %w", err)
		}

		candidate = defaultSink
	}

	// a crashed instance may have left one of our sinks as the default
	if candidate == "" || m.isChannelSink(candidate) {
		candidate = ""

		for _, sink := range m.catalog {
			if !m.isChannelSink(sink.Name) {
				candidate = sink.Name
				break
			}
		}
	}

	if candidate == "" {
		return fmt.Errorf("resolve main output: %w: no physical sink", ErrEndpointNotFound)
	}

	m.mainOutput = candidate
	m.logger.Debugw("Resolved main output", "mainOutput", candidate)

	return nil
}

func (m *EndpointLifecycleManager) findSink(name string) (SinkInfo, bool) {
	for _, sink := range m.catalog {
		if sink.Name == name {
			return sink, true
		}
	}

	return SinkInfo{}, false
}

func (m *EndpointLifecycleManager) isChannelSink(name string) bool {
	for _, sinkName := range m.options.SinkNames {
		if sinkName == name {
			return true
		}
	}

	return false
}

// MainOutput returns the sink currently receiving every loopback
func (m *EndpointLifecycleManager) MainOutput() string {
	return m.mainOutput
}

// Catalog returns the physical outputs (our own channel sinks excluded) and the current main output
func (m *EndpointLifecycleManager) Catalog() ChannelCatalog {
	catalog := ChannelCatalog{
		Outputs:    make([]SinkInfo, 0, len(m.catalog)),
		MainOutput: m.mainOutput,
		Channels:   make(map[Channel]string, len(m.topology)),
		Volumes:    make(map[Channel]int, len(m.volumes)),
	}

	for _, sink := range m.catalog {
		if !m.isChannelSink(sink.Name) {
			catalog.Outputs = append(catalog.Outputs, sink)
		}
	}

	for channel, endpoint := range m.topology {
		catalog.Channels[channel] = endpoint.sinkName
	}

	// a channel that failed to come back has no level to show
	for channel, percent := range m.volumes {
		if _, created := m.topology[channel]; created || !channel.HasSink() {
			catalog.Volumes[channel] = percent
		}
	}

	return catalog
}

// matchStreamToNames compares case-insensitively against both the application and binary names
func matchStreamToNames(stream StreamInput, names []string) bool {
	for _, name := range names {
		if strings.EqualFold(stream.Name, name) || (stream.Binary != "" && strings.EqualFold(stream.Binary, name)) {
			return true
		}
	}

	return false
}
