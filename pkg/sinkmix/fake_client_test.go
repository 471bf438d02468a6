package sinkmix

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

const (
	moduleNullSink = "null-sink"
	moduleLoopback = "loopback"
)

type fakeModule struct {
	handle EndpointHandle
	kind   string

	// null sinks
	sinkName string

	// loopbacks
	source string
	dest   string
}

// fakeAudioServer keeps just enough state to behave like a sound server
// that loads null sinks and loopbacks
type fakeAudioServer struct {
	lock sync.Mutex

	nextHandle EndpointHandle
	nextIndex  uint32

	sinks   []SinkInfo
	modules map[EndpointHandle]*fakeModule
	streams []StreamInput

	defaultSink   string
	defaultSource string

	sinkVolumes   map[string]float32
	sourceVolumes map[string]float32

	failNullSink  map[string]error
	failLoopback  map[string]error
	failMove      map[uint32]error
	failUnloadAll error
	failVolume    error

	unloadAllCalls int
	closed         bool

	// record, when set, sees the calls that tear things down
	record func(call string)

	added chan uint32
}

func newFakeAudioServer(physical ...string) *fakeAudioServer {
	f := &fakeAudioServer{
		nextHandle:    1,
		modules:       map[EndpointHandle]*fakeModule{},
		sinkVolumes:   map[string]float32{},
		sourceVolumes: map[string]float32{},
		failNullSink:  map[string]error{},
		failLoopback:  map[string]error{},
		failMove:      map[uint32]error{},
		defaultSource: "alsa_input.mic",
		added:         make(chan uint32, 16),
	}

	for _, name := range physical {
		f.addSink(name)
	}

	if len(physical) > 0 {
		f.defaultSink = physical[0]
	}

	return f
}

func testLogger(t *testing.T) *zap.SugaredLogger {
	return zaptest.NewLogger(t).Sugar()
}

// caller holds the lock, or nobody else has the server yet
func (f *fakeAudioServer) addSink(name string) SinkInfo {
	sink := SinkInfo{Index: f.nextIndex, Name: name, Description: strings.ToUpper(name)}
	f.nextIndex++
	f.sinks = append(f.sinks, sink)

	return sink
}

func (f *fakeAudioServer) sinkByName(name string) (SinkInfo, bool) {
	for _, sink := range f.sinks {
		if sink.Name == name {
			return sink, true
		}
	}

	return SinkInfo{}, false
}

// addApplicationStream plays a new application stream into sinkName and returns its index
func (f *fakeAudioServer) addApplicationStream(name string, binary string, sinkName string) uint32 {
	f.lock.Lock()
	defer f.lock.Unlock()

	sink, ok := f.sinkByName(sinkName)
	if !ok {
		panic("no sink " + sinkName)
	}

	index := f.nextIndex
	f.nextIndex++
	f.streams = append(f.streams, StreamInput{
		Index:       index,
		Name:        name,
		Binary:      binary,
		SinkIndex:   sink.Index,
		OwnerModule: NoOwnerModule,
	})

	return index
}

func (f *fakeAudioServer) CreateNullSink(name string) (EndpointHandle, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	if err := f.failNullSink[name]; err != nil {
		return 0, err
	}

	if _, ok := f.sinkByName(name); ok {
		return 0, fmt.Errorf("sink %s already exists", name)
	}

	handle := f.nextHandle
	f.nextHandle++

	f.addSink(name)
	f.modules[handle] = &fakeModule{handle: handle, kind: moduleNullSink, sinkName: name}

	return handle, nil
}

func (f *fakeAudioServer) CreateLoopback(sourceMonitor string, destSink string) (EndpointHandle, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	if err := f.failLoopback[sourceMonitor]; err != nil {
		return 0, err
	}

	dest, ok := f.sinkByName(destSink)
	if !ok {
		return 0, fmt.Errorf("no sink %s", destSink)
	}

	if _, ok := f.sinkByName(strings.TrimSuffix(sourceMonitor, ".monitor")); !ok {
		return 0, fmt.Errorf("no source %s", sourceMonitor)
	}

	handle := f.nextHandle
	f.nextHandle++

	f.modules[handle] = &fakeModule{handle: handle, kind: moduleLoopback, source: sourceMonitor, dest: destSink}

	f.streams = append(f.streams, StreamInput{
		Index:       f.nextIndex,
		Name:        "Loopback from " + sourceMonitor,
		SinkIndex:   dest.Index,
		OwnerModule: handle,
	})
	f.nextIndex++

	return handle, nil
}

func (f *fakeAudioServer) UnloadModule(handle EndpointHandle) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	return f.unload(handle)
}

func (f *fakeAudioServer) unload(handle EndpointHandle) error {
	module, ok := f.modules[handle]
	if !ok {
		return fmt.Errorf("no module %d", handle)
	}

	delete(f.modules, handle)

	switch module.kind {
	case moduleNullSink:
		sinks := f.sinks[:0]
		for _, sink := range f.sinks {
			if sink.Name != module.sinkName {
				sinks = append(sinks, sink)
			}
		}
		f.sinks = sinks
		delete(f.sinkVolumes, module.sinkName)

	case moduleLoopback:
		streams := f.streams[:0]
		for _, stream := range f.streams {
			if stream.OwnerModule != handle {
				streams = append(streams, stream)
			}
		}
		f.streams = streams
	}

	return nil
}

func (f *fakeAudioServer) UnloadAllNullSinksAndLoopbacks() error {
	f.lock.Lock()
	defer f.lock.Unlock()

	f.unloadAllCalls++
	if f.record != nil {
		f.record("unload all")
	}

	if f.failUnloadAll != nil {
		return f.failUnloadAll
	}

	for handle, module := range f.modules {
		if module.kind == moduleLoopback {
			_ = f.unload(handle)
		}
	}
	for handle := range f.modules {
		_ = f.unload(handle)
	}

	return nil
}

func (f *fakeAudioServer) ListSinks() ([]SinkInfo, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	return append([]SinkInfo(nil), f.sinks...), nil
}

func (f *fakeAudioServer) ListStreamInputs() ([]StreamInput, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	return append([]StreamInput(nil), f.streams...), nil
}

func (f *fakeAudioServer) MoveStreamInput(index uint32, destSinkIndex uint32) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	if err := f.failMove[index]; err != nil {
		return err
	}

	found := false
	for _, sink := range f.sinks {
		if sink.Index == destSinkIndex {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("no sink #%d", destSinkIndex)
	}

	for i := range f.streams {
		if f.streams[i].Index == index {
			f.streams[i].SinkIndex = destSinkIndex

			if module, ok := f.modules[f.streams[i].OwnerModule]; ok {
				for _, sink := range f.sinks {
					if sink.Index == destSinkIndex {
						module.dest = sink.Name
					}
				}
			}

			return nil
		}
	}

	return fmt.Errorf("no stream #%d", index)
}

func (f *fakeAudioServer) SetSinkVolume(sinkName string, volume float32) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.failVolume != nil {
		return f.failVolume
	}

	if _, ok := f.sinkByName(sinkName); !ok {
		return fmt.Errorf("no sink %s", sinkName)
	}

	f.sinkVolumes[sinkName] = volume

	return nil
}

func (f *fakeAudioServer) SetSourceVolume(sourceName string, volume float32) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.failVolume != nil {
		return f.failVolume
	}

	f.sourceVolumes[sourceName] = volume

	return nil
}

func (f *fakeAudioServer) DefaultSinkName() (string, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	return f.defaultSink, nil
}

func (f *fakeAudioServer) DefaultSourceName() (string, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.defaultSource == "" {
		return "", errors.New("no default source")
	}

	return f.defaultSource, nil
}

func (f *fakeAudioServer) SetDefaultSink(name string) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	if _, ok := f.sinkByName(name); !ok {
		return fmt.Errorf("no sink %s", name)
	}

	f.defaultSink = name

	return nil
}

func (f *fakeAudioServer) StreamInputAdded() <-chan uint32 {
	return f.added
}

func (f *fakeAudioServer) Close() error {
	f.lock.Lock()
	defer f.lock.Unlock()

	f.closed = true
	if f.record != nil {
		f.record("close")
	}

	return nil
}

// inspection helpers

func (f *fakeAudioServer) modulesOfKind(kind string) []fakeModule {
	f.lock.Lock()
	defer f.lock.Unlock()

	var result []fakeModule
	for _, module := range f.modules {
		if module.kind == kind {
			result = append(result, *module)
		}
	}

	sort.Slice(result, func(i, j int) bool { return result[i].handle < result[j].handle })

	return result
}

func (f *fakeAudioServer) nullSinkNames() []string {
	var names []string
	for _, module := range f.modulesOfKind(moduleNullSink) {
		names = append(names, module.sinkName)
	}

	sort.Strings(names)

	return names
}

func (f *fakeAudioServer) loopbackFor(sinkName string) (fakeModule, bool) {
	for _, module := range f.modulesOfKind(moduleLoopback) {
		if module.source == monitorOf(sinkName) {
			return module, true
		}
	}

	return fakeModule{}, false
}

func (f *fakeAudioServer) stream(index uint32) (StreamInput, bool) {
	f.lock.Lock()
	defer f.lock.Unlock()

	for _, stream := range f.streams {
		if stream.Index == index {
			return stream, true
		}
	}

	return StreamInput{}, false
}

func (f *fakeAudioServer) loopbackStream(handle EndpointHandle) (StreamInput, bool) {
	f.lock.Lock()
	defer f.lock.Unlock()

	for _, stream := range f.streams {
		if stream.OwnerModule == handle {
			return stream, true
		}
	}

	return StreamInput{}, false
}

func (f *fakeAudioServer) sinkIndex(name string) uint32 {
	f.lock.Lock()
	defer f.lock.Unlock()

	sink, ok := f.sinkByName(name)
	if !ok {
		panic("no sink " + name)
	}

	return sink.Index
}

func (f *fakeAudioServer) sinkVolume(name string) (float32, bool) {
	f.lock.Lock()
	defer f.lock.Unlock()

	volume, ok := f.sinkVolumes[name]

	return volume, ok
}

func (f *fakeAudioServer) sourceVolume(name string) (float32, bool) {
	f.lock.Lock()
	defer f.lock.Unlock()

	volume, ok := f.sourceVolumes[name]

	return volume, ok
}

func (f *fakeAudioServer) set(mutate func(f *fakeAudioServer)) {
	f.lock.Lock()
	defer f.lock.Unlock()

	mutate(f)
}

var allChannelSinks = []string{"aux_in", "communication_in", "music_in", "system_in"}
