package sinkmix

import (
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"syscall"

	"github.com/jfreymuth/pulse/proto"
	"go.uber.org/zap"
)

const (
	nullSinkModule = "module-null-sink"
	loopbackModule = "module-loopback"

	// PA_VOLUME_NORM
	paVolumeNorm = 0x10000

	streamInputAddedBuffer = 16
)

// PulseClient is an AudioEndpointClient talking the PulseAudio native protocol,
// which PipeWire's pulse server speaks as well
type PulseClient struct {
	logger *zap.SugaredLogger

	client *proto.Client
	conn   net.Conn

	streamInputAdded chan uint32
}

// NewPulseClient connects to the given server, or the default one if server is empty
func NewPulseClient(logger *zap.SugaredLogger, server string) (*PulseClient, error) {
	logger = logger.Named("pulse")

	client, conn, err := proto.Connect(server)
	if err != nil {
		logger.Warnw("Failed to establish PulseAudio connection", "error", err)
		return nil, fmt.Errorf("establish PulseAudio connection: %w: %w", ErrAudioServerUnavailable, err)
	}

	request := proto.SetClientName{
		Props: proto.PropList{
			"application.name": proto.PropListString("sinkmix"),
		},
	}
	reply := proto.SetClientNameReply{}

	if err := client.Request(&request, &reply); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set client name: %w: %w", ErrAudioServerUnavailable, err)
	}

	pc := &PulseClient{
		logger:           logger,
		client:           client,
		conn:             conn,
		streamInputAdded: make(chan uint32, streamInputAddedBuffer),
	}

	// runs on the protocol reader goroutine, so it must never issue requests or block
	client.Callback = func(msg interface{}) {
		switch msg := msg.(type) {
		case *proto.SubscribeEvent:
			if msg.Event&proto.EventFacilityMask == proto.EventSinkSinkInput && msg.Event.GetType() == proto.EventNew {
				select {
				case pc.streamInputAdded <- msg.Index:
				default:
					pc.logger.Warnw("Dropping stream-input notification, consumer is behind", "sinkInputIndex", msg.Index)
				}
			}
		}
	}

	if err := client.Request(&proto.Subscribe{Mask: proto.SubscriptionMaskSinkInput}, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("subscribe to PulseAudio sink input events: %w", classifyPulseError(err))
	}

	logger.Debug("Created PA client instance")

	return pc, nil
}

func (pc *PulseClient) CreateNullSink(name string) (EndpointHandle, error) {
	args := fmt.Sprintf("sink_name=%s sink_properties=device.description=%s", name, name)

	return pc.loadModule(nullSinkModule, args)
}

func (pc *PulseClient) CreateLoopback(sourceMonitor string, destSink string) (EndpointHandle, error) {
	args := fmt.Sprintf("source=%s sink=%s", sourceMonitor, destSink)

	return pc.loadModule(loopbackModule, args)
}

func (pc *PulseClient) loadModule(name string, args string) (EndpointHandle, error) {
	request := proto.LoadModule{Name: name, Args: args}
	reply := proto.LoadModuleReply{}

	if err := pc.client.Request(&request, &reply); err != nil {
		pc.logger.Warnw("Failed to load module", "module", name, "args", args, "error", err)
		return 0, fmt.Errorf("load %s: %w", name, classifyPulseError(err))
	}

	pc.logger.Debugw("Loaded module", "module", name, "args", args, "moduleIndex", reply.ModuleIndex)

	return EndpointHandle(reply.ModuleIndex), nil
}

func (pc *PulseClient) UnloadModule(handle EndpointHandle) error {
	if err := pc.client.Request(&proto.UnloadModule{ModuleIndex: uint32(handle)}, nil); err != nil {
		return fmt.Errorf("unload module %d: %w", handle, classifyPulseError(err))
	}

	return nil
}

func (pc *PulseClient) UnloadAllNullSinksAndLoopbacks() error {
	reply := proto.GetModuleInfoListReply{}

	if err := pc.client.Request(&proto.GetModuleInfoList{}, &reply); err != nil {
		return fmt.Errorf("get module list: %w", classifyPulseError(err))
	}

	var unloadErr error

	// loopbacks first, so nothing plays into a sink that's already gone
	for _, moduleName := range []string{loopbackModule, nullSinkModule} {
		for _, module := range reply {
			if module.ModuleName != moduleName {
				continue
			}

			if err := pc.UnloadModule(EndpointHandle(module.ModuleIndex)); err != nil {
				pc.logger.Warnw("Failed to unload module during sweep",
					"module", module.ModuleName,
					"moduleIndex", module.ModuleIndex,
					"error", err)

				if errors.Is(err, ErrAudioServerUnavailable) {
					return err
				}

				unloadErr = err
				continue
			}

			pc.logger.Debugw("Unloaded module", "module", module.ModuleName, "moduleIndex", module.ModuleIndex)
		}
	}

	return unloadErr
}

func (pc *PulseClient) ListSinks() ([]SinkInfo, error) {
	reply := proto.GetSinkInfoListReply{}

	if err := pc.client.Request(&proto.GetSinkInfoList{}, &reply); err != nil {
		return nil, fmt.Errorf("get sink list: %w", classifyPulseError(err))
	}

	sinks := make([]SinkInfo, 0, len(reply))
	for _, info := range reply {
		description := info.Device
		if prop, ok := info.Properties["device.description"]; ok && description == "" {
			description = prop.String()
		}

		sinks = append(sinks, SinkInfo{
			Index:       info.SinkIndex,
			Name:        info.SinkName,
			Description: description,
		})
	}

	return sinks, nil
}

func (pc *PulseClient) ListStreamInputs() ([]StreamInput, error) {
	reply := proto.GetSinkInputInfoListReply{}

	if err := pc.client.Request(&proto.GetSinkInputInfoList{}, &reply); err != nil {
		return nil, fmt.Errorf("get sink input list: %w", classifyPulseError(err))
	}

	streams := make([]StreamInput, 0, len(reply))
	for _, info := range reply {
		stream := StreamInput{
			Index:       info.SinkInputIndex,
			Name:        info.MediaName,
			SinkIndex:   info.SinkIndex,
			OwnerModule: EndpointHandle(info.ModuleIndex),
		}

		if name, ok := info.Properties["application.name"]; ok {
			stream.Name = name.String()
		}
		if binary, ok := info.Properties["application.process.binary"]; ok {
			stream.Binary = binary.String()
		}

		streams = append(streams, stream)
	}

	return streams, nil
}

func (pc *PulseClient) MoveStreamInput(index uint32, destSinkIndex uint32) error {
	request := proto.MoveSinkInput{
		SinkInputIndex: index,
		DeviceIndex:    destSinkIndex,
	}

	if err := pc.client.Request(&request, nil); err != nil {
		return fmt.Errorf("move sink input %d to sink %d: %w", index, destSinkIndex, classifyPulseError(err))
	}

	return nil
}

func (pc *PulseClient) SetSinkVolume(sinkName string, volume float32) error {
	info := proto.GetSinkInfoReply{}

	if err := pc.client.Request(&proto.GetSinkInfo{SinkIndex: proto.Undefined, SinkName: sinkName}, &info); err != nil {
		return fmt.Errorf("get sink info (%s): %w", sinkName, classifyPulseError(err))
	}

	request := proto.SetSinkVolume{
		SinkIndex:      proto.Undefined,
		SinkName:       sinkName,
		ChannelVolumes: channelVolumes(info.Channels, volume),
	}

	if err := pc.client.Request(&request, nil); err != nil {
		return fmt.Errorf("set sink volume (%s): %w", sinkName, classifyPulseError(err))
	}

	return nil
}

func (pc *PulseClient) SetSourceVolume(sourceName string, volume float32) error {
	info := proto.GetSourceInfoReply{}

	if err := pc.client.Request(&proto.GetSourceInfo{SourceIndex: proto.Undefined, SourceName: sourceName}, &info); err != nil {
		return fmt.Errorf("get source info (%s): %w", sourceName, classifyPulseError(err))
	}

	request := proto.SetSourceVolume{
		SourceIndex:    proto.Undefined,
		SourceName:     sourceName,
		ChannelVolumes: channelVolumes(info.Channels, volume),
	}

	if err := pc.client.Request(&request, nil); err != nil {
		return fmt.Errorf("set source volume (%s): %w", sourceName, classifyPulseError(err))
	}

	return nil
}

func (pc *PulseClient) DefaultSinkName() (string, error) {
	info, err := pc.serverInfo()
	if err != nil {
		return "", err
	}

	return info.DefaultSinkName, nil
}

func (pc *PulseClient) DefaultSourceName() (string, error) {
	info, err := pc.serverInfo()
	if err != nil {
		return "", err
	}

	return info.DefaultSourceName, nil
}

func (pc *PulseClient) SetDefaultSink(name string) error {
	if err := pc.client.Request(&proto.SetDefaultSink{SinkName: name}, nil); err != nil {
		return fmt.Errorf("set default sink (%s): %w", name, classifyPulseError(err))
	}

	return nil
}

func (pc *PulseClient) StreamInputAdded() <-chan uint32 {
	return pc.streamInputAdded
}

func (pc *PulseClient) Close() error {
	if err := pc.conn.Close(); err != nil {
		pc.logger.Warnw("Failed to close PulseAudio connection", "error", err)
		return fmt.Errorf("close PulseAudio connection: %w", err)
	}

	pc.logger.Debug("Released PA client instance")

	return nil
}

func (pc *PulseClient) serverInfo() (*proto.GetServerInfoReply, error) {
	reply := proto.GetServerInfoReply{}

	if err := pc.client.Request(&proto.GetServerInfo{}, &reply); err != nil {
		return nil, fmt.Errorf("get server info: %w", classifyPulseError(err))
	}

	return &reply, nil
}

func channelVolumes(channels byte, volume float32) proto.ChannelVolumes {
	if channels == 0 {
		channels = 2
	}

	raw := uint32(math.Round(float64(volume) * paVolumeNorm))

	volumes := make(proto.ChannelVolumes, channels)
	for i := range volumes {
		volumes[i] = raw
	}

	return volumes
}

// classifyPulseError tags transport-level failures as ErrAudioServerUnavailable,
// leaving errors the server replied with (no such entity, access denied, ...) as they are
func classifyPulseError(err error) error {
	var netErr net.Error

	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ECONNRESET),
		errors.As(err, &netErr):
		return fmt.Errorf("%w: %w", ErrAudioServerUnavailable, err)
	}

	return err
}
