package sinkmix

// EndpointHandle identifies a module instantiated on the audio server
type EndpointHandle uint32

// SinkInfo describes a sink known to the audio server
type SinkInfo struct {
	Index       uint32
	Name        string
	Description string
}

// StreamInput is a running application's playback stream, attached to exactly one sink
type StreamInput struct {
	Index     uint32
	Name      string
	Binary    string
	SinkIndex uint32

	// OwnerModule is the handle of the module that created the stream (e.g. a loopback),
	// or NoOwnerModule for regular application streams
	OwnerModule EndpointHandle
}

// NoOwnerModule marks a stream-input not created by any module
const NoOwnerModule = EndpointHandle(0xFFFFFFFF)

// AudioEndpointClient represents the capabilities consumed from the audio server
type AudioEndpointClient interface {
	CreateNullSink(name string) (EndpointHandle, error)
	CreateLoopback(sourceMonitor string, destSink string) (EndpointHandle, error)
	UnloadModule(handle EndpointHandle) error

	// UnloadAllNullSinksAndLoopbacks sweeps every virtual sink and loopback module on the server,
	// including ones we didn't create
	UnloadAllNullSinksAndLoopbacks() error

	ListSinks() ([]SinkInfo, error)
	ListStreamInputs() ([]StreamInput, error)
	MoveStreamInput(index uint32, destSinkIndex uint32) error

	// volumes are linear, 0 to 1
	SetSinkVolume(sinkName string, volume float32) error
	SetSourceVolume(sourceName string, volume float32) error

	DefaultSinkName() (string, error)
	DefaultSourceName() (string, error)
	SetDefaultSink(name string) error

	// StreamInputAdded delivers the index of each stream-input that appears on the server
	StreamInputAdded() <-chan uint32

	Close() error
}
