package sinkmix

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStartedLifecycle(t *testing.T, server *fakeAudioServer, options LifecycleOptions) *EndpointLifecycleManager {
	t.Helper()

	m := NewEndpointLifecycleManager(testLogger(t), server, options)
	require.NoError(t, m.Start())

	return m
}

func TestLifecycleStartCreatesEverySinkChannel(t *testing.T) {
	server := newFakeAudioServer("speakers")
	m := newStartedLifecycle(t, server, LifecycleOptions{})

	assert.Equal(t, allChannelSinks, server.nullSinkNames())
	assert.Len(t, server.modulesOfKind(moduleLoopback), 4)

	for _, sinkName := range allChannelSinks {
		loopback, ok := server.loopbackFor(sinkName)
		require.True(t, ok, "loopback for %s", sinkName)
		assert.Equal(t, "speakers", loopback.dest)
	}

	catalog := m.Catalog()
	assert.Len(t, catalog.Channels, 4)
	assert.NotContains(t, catalog.Channels, Microphone)
	assert.Equal(t, "speakers", catalog.MainOutput)

	// system is the default channel
	assert.Equal(t, "system_in", server.defaultSink)
}

func TestLifecycleCustomSinkNamesAndDefaultChannel(t *testing.T) {
	server := newFakeAudioServer("speakers")
	newStartedLifecycle(t, server, LifecycleOptions{
		SinkNames:      map[Channel]string{Music: "tunes"},
		DefaultChannel: Music,
	})

	assert.Equal(t, []string{"aux_in", "communication_in", "system_in", "tunes"}, server.nullSinkNames())
	assert.Equal(t, "tunes", server.defaultSink)
}

func TestLifecycleCreateAllCollectsFailures(t *testing.T) {
	server := newFakeAudioServer("speakers")
	server.failNullSink["music_in"] = errors.New("module initialization failed")

	m := NewEndpointLifecycleManager(testLogger(t), server, LifecycleOptions{})

	err := m.Start()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEndpointCreateFailed)

	var endpointErr *EndpointError
	require.ErrorAs(t, err, &endpointErr)
	assert.Equal(t, Music, endpointErr.Channel)

	// the others are still there
	assert.Equal(t, []string{"aux_in", "communication_in", "system_in"}, server.nullSinkNames())
	assert.Len(t, server.modulesOfKind(moduleLoopback), 3)
	assert.NotContains(t, m.Catalog().Channels, Music)
}

func TestLifecycleLoopbackFailureRollsBackSink(t *testing.T) {
	server := newFakeAudioServer("speakers")
	server.failLoopback["aux_in.monitor"] = errors.New("no such source")

	m := NewEndpointLifecycleManager(testLogger(t), server, LifecycleOptions{})

	err := m.Start()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEndpointCreateFailed)

	assert.NotContains(t, server.nullSinkNames(), "aux_in")
	assert.NotContains(t, m.Catalog().Channels, Aux)
}

func TestLifecycleCreateAllIsIdempotent(t *testing.T) {
	server := newFakeAudioServer("speakers")
	m := newStartedLifecycle(t, server, LifecycleOptions{})

	require.NoError(t, m.CreateAll())

	assert.Len(t, server.modulesOfKind(moduleNullSink), 4)
	assert.Len(t, server.modulesOfKind(moduleLoopback), 4)
}

func TestLifecycleCreateAllFillsGaps(t *testing.T) {
	server := newFakeAudioServer("speakers")
	server.failNullSink["music_in"] = errors.New("busy")

	m := NewEndpointLifecycleManager(testLogger(t), server, LifecycleOptions{})
	require.Error(t, m.Start())

	server.set(func(f *fakeAudioServer) { delete(f.failNullSink, "music_in") })

	require.NoError(t, m.CreateAll())
	assert.Equal(t, allChannelSinks, server.nullSinkNames())
}

func TestLifecycleRestartTwice(t *testing.T) {
	server := newFakeAudioServer("speakers")
	m := newStartedLifecycle(t, server, LifecycleOptions{})

	before := m.Catalog().Channels
	firstHandles := server.modulesOfKind(moduleNullSink)

	require.NoError(t, m.Restart())
	require.NoError(t, m.Restart())

	assert.Equal(t, before, m.Catalog().Channels)
	assert.Equal(t, allChannelSinks, server.nullSinkNames())
	assert.Len(t, server.modulesOfKind(moduleLoopback), 4, "no leaked loopbacks")

	for _, module := range server.modulesOfKind(moduleNullSink) {
		for _, old := range firstHandles {
			assert.NotEqual(t, old.handle, module.handle)
		}
	}
}

func TestLifecycleRestartRestoresVolumes(t *testing.T) {
	server := newFakeAudioServer("speakers")
	m := newStartedLifecycle(t, server, LifecycleOptions{})

	require.NoError(t, m.SetVolume(Music, 40))
	require.NoError(t, m.Restart())

	volume, ok := server.sinkVolume("music_in")
	require.True(t, ok)
	assert.InDelta(t, 0.4, volume, 0.0001)
}

func TestLifecycleRestartRestoresVolumesOfSurvivingChannels(t *testing.T) {
	server := newFakeAudioServer("speakers")
	m := newStartedLifecycle(t, server, LifecycleOptions{})

	require.NoError(t, m.SetVolume(Music, 40))
	require.NoError(t, m.SetVolume(Aux, 70))

	server.set(func(f *fakeAudioServer) { f.failNullSink["aux_in"] = errors.New("module initialization failed") })

	err := m.Restart()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEndpointCreateFailed)

	volume, ok := server.sinkVolume("music_in")
	require.True(t, ok, "music volume re-applied")
	assert.InDelta(t, 0.4, volume, 0.0001)

	catalog := m.Catalog()
	assert.Equal(t, 40, catalog.Volumes[Music])
	assert.NotContains(t, catalog.Volumes, Aux)

	// aux gets its level back once it can be created again
	server.set(func(f *fakeAudioServer) { delete(f.failNullSink, "aux_in") })
	require.NoError(t, m.Restart())

	volume, ok = server.sinkVolume("aux_in")
	require.True(t, ok)
	assert.InDelta(t, 0.7, volume, 0.0001)
}

func TestLifecycleRestartResolvesVanishedOutput(t *testing.T) {
	server := newFakeAudioServer("speakers", "headphones")
	m := newStartedLifecycle(t, server, LifecycleOptions{})
	require.Equal(t, "speakers", m.MainOutput())

	// unplugged while running
	server.set(func(f *fakeAudioServer) {
		sinks := f.sinks[:0]
		for _, sink := range f.sinks {
			if sink.Name != "speakers" {
				sinks = append(sinks, sink)
			}
		}
		f.sinks = sinks
	})

	require.NoError(t, m.Restart())
	assert.Equal(t, "headphones", m.MainOutput())

	loopback, ok := server.loopbackFor("music_in")
	require.True(t, ok)
	assert.Equal(t, "headphones", loopback.dest)
}

func TestLifecycleUnloadAll(t *testing.T) {
	t.Run("empty topology", func(t *testing.T) {
		server := newFakeAudioServer("speakers")
		m := NewEndpointLifecycleManager(testLogger(t), server, LifecycleOptions{})

		require.NoError(t, m.UnloadAll())
		assert.Empty(t, m.Catalog().Channels)
	})

	t.Run("removes everything", func(t *testing.T) {
		server := newFakeAudioServer("speakers")
		m := newStartedLifecycle(t, server, LifecycleOptions{})

		require.NoError(t, m.UnloadAll())
		assert.Empty(t, m.Catalog().Channels)
		assert.Empty(t, server.modulesOfKind(moduleNullSink))
		assert.Empty(t, server.modulesOfKind(moduleLoopback))
	})

	t.Run("failure keeps topology", func(t *testing.T) {
		server := newFakeAudioServer("speakers")
		m := newStartedLifecycle(t, server, LifecycleOptions{})

		server.set(func(f *fakeAudioServer) { f.failUnloadAll = ErrAudioServerUnavailable })

		err := m.UnloadAll()
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrAudioServerUnavailable)
		assert.Len(t, m.Catalog().Channels, 4)
	})
}

func TestLifecycleSetVolume(t *testing.T) {
	server := newFakeAudioServer("speakers")
	m := newStartedLifecycle(t, server, LifecycleOptions{})

	require.NoError(t, m.SetVolume(Music, 150))
	volume, _ := server.sinkVolume("music_in")
	assert.InDelta(t, 1.0, volume, 0.0001)

	require.NoError(t, m.SetVolume(Music, -5))
	volume, _ = server.sinkVolume("music_in")
	assert.InDelta(t, 0.0, volume, 0.0001)

	require.NoError(t, m.SetVolume(Communication, 42))
	volume, _ = server.sinkVolume("communication_in")
	assert.InDelta(t, 0.42, volume, 0.0001)

	assert.Equal(t, 0, m.Catalog().Volumes[Music])
	assert.Equal(t, 42, m.Catalog().Volumes[Communication])
}

func TestLifecycleSetVolumeMicrophoneUsesDefaultSource(t *testing.T) {
	server := newFakeAudioServer("speakers")
	m := newStartedLifecycle(t, server, LifecycleOptions{})

	require.NoError(t, m.SetVolume(Microphone, 50))

	volume, ok := server.sourceVolume("alsa_input.mic")
	require.True(t, ok)
	assert.InDelta(t, 0.5, volume, 0.0001)
}

func TestLifecycleSetVolumeMissingChannel(t *testing.T) {
	server := newFakeAudioServer("speakers")
	m := NewEndpointLifecycleManager(testLogger(t), server, LifecycleOptions{})

	err := m.SetVolume(Aux, 10)
	assert.ErrorIs(t, err, ErrEndpointNotFound)
}

func TestLifecycleRetarget(t *testing.T) {
	server := newFakeAudioServer("speakers", "hdmi_out")
	firefox := server.addApplicationStream("Firefox", "firefox", "speakers")
	server.failMove[firefox] = errors.New("stream is corked")

	m := newStartedLifecycle(t, server, LifecycleOptions{})

	// the named stream refuses to move, which doesn't fail the retarget
	require.NoError(t, m.Retarget("hdmi_out", "firefox"))
	assert.Equal(t, "hdmi_out", m.MainOutput())

	for _, sinkName := range allChannelSinks {
		loopback, ok := server.loopbackFor(sinkName)
		require.True(t, ok)
		assert.Equal(t, "hdmi_out", loopback.dest, "loopback of %s", sinkName)
	}

	stream, ok := server.stream(firefox)
	require.True(t, ok)
	assert.Equal(t, server.sinkIndex("speakers"), stream.SinkIndex)
}

func TestLifecycleRetargetMovesNamedStreams(t *testing.T) {
	server := newFakeAudioServer("speakers", "hdmi_out")
	spotify := server.addApplicationStream("Spotify", "spotify", "speakers")
	other := server.addApplicationStream("mpv", "mpv", "speakers")

	m := newStartedLifecycle(t, server, LifecycleOptions{})

	require.NoError(t, m.Retarget("hdmi_out", "spotify"))

	stream, _ := server.stream(spotify)
	assert.Equal(t, server.sinkIndex("hdmi_out"), stream.SinkIndex)

	stream, _ = server.stream(other)
	assert.Equal(t, server.sinkIndex("speakers"), stream.SinkIndex)
}

func TestLifecycleRetargetRecreatesStuckLoopback(t *testing.T) {
	server := newFakeAudioServer("speakers", "hdmi_out")
	m := newStartedLifecycle(t, server, LifecycleOptions{})

	old, ok := server.loopbackFor("music_in")
	require.True(t, ok)
	oldStream, ok := server.loopbackStream(old.handle)
	require.True(t, ok)

	server.set(func(f *fakeAudioServer) { f.failMove[oldStream.Index] = errors.New("move refused") })

	require.NoError(t, m.Retarget("hdmi_out"))

	recreated, ok := server.loopbackFor("music_in")
	require.True(t, ok)
	assert.NotEqual(t, old.handle, recreated.handle)
	assert.Equal(t, "hdmi_out", recreated.dest)
	assert.Len(t, server.modulesOfKind(moduleLoopback), 4)
}

func TestLifecycleRetargetFailureKeepsMainOutput(t *testing.T) {
	server := newFakeAudioServer("speakers", "hdmi_out")
	m := newStartedLifecycle(t, server, LifecycleOptions{})

	old, _ := server.loopbackFor("music_in")
	oldStream, _ := server.loopbackStream(old.handle)

	server.set(func(f *fakeAudioServer) {
		f.failMove[oldStream.Index] = errors.New("move refused")
		f.failLoopback["music_in.monitor"] = errors.New("out of memory")
	})

	err := m.Retarget("hdmi_out")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEndpointCreateFailed)
	assert.Equal(t, "speakers", m.MainOutput())

	// the channel kept its previous route
	loopback, ok := server.loopbackFor("music_in")
	require.True(t, ok)
	assert.Equal(t, old.handle, loopback.handle)
}

func TestLifecycleRetargetRejectsUnknownAndChannelSinks(t *testing.T) {
	server := newFakeAudioServer("speakers")
	m := newStartedLifecycle(t, server, LifecycleOptions{})

	err := m.Retarget("nonexistent")
	assert.ErrorIs(t, err, ErrEndpointNotFound)
	assert.Equal(t, "speakers", m.MainOutput())

	err = m.Retarget("music_in")
	assert.ErrorIs(t, err, ErrInvalidOutput)
	assert.Equal(t, "speakers", m.MainOutput())
}

func TestLifecycleMainOutputResolution(t *testing.T) {
	t.Run("configured output", func(t *testing.T) {
		server := newFakeAudioServer("speakers", "hdmi_out")
		m := newStartedLifecycle(t, server, LifecycleOptions{MainOutput: "hdmi_out"})

		assert.Equal(t, "hdmi_out", m.MainOutput())
	})

	t.Run("missing configured output falls back to default", func(t *testing.T) {
		server := newFakeAudioServer("speakers", "hdmi_out")
		m := newStartedLifecycle(t, server, LifecycleOptions{MainOutput: "usb_dac"})

		assert.Equal(t, "speakers", m.MainOutput())
	})

	t.Run("leftover channel sink as default is skipped", func(t *testing.T) {
		server := newFakeAudioServer("speakers")
		server.defaultSink = "music_in"

		m := newStartedLifecycle(t, server, LifecycleOptions{})

		assert.Equal(t, "speakers", m.MainOutput())
	})

	t.Run("no physical sink", func(t *testing.T) {
		server := newFakeAudioServer()
		m := NewEndpointLifecycleManager(testLogger(t), server, LifecycleOptions{})

		assert.ErrorIs(t, m.Start(), ErrEndpointNotFound)
	})
}

func TestLifecycleStreamRouting(t *testing.T) {
	server := newFakeAudioServer("speakers")
	spotify := server.addApplicationStream("Spotify", "spotify", "speakers")
	browser := server.addApplicationStream("Web Content", "firefox", "speakers")
	other := server.addApplicationStream("mpv", "mpv", "speakers")

	m := newStartedLifecycle(t, server, LifecycleOptions{
		StreamRouting: map[Channel][]string{
			Music: {"SPOTIFY"},
			Aux:   {"firefox"},
		},
	})

	stream, _ := server.stream(spotify)
	assert.Equal(t, server.sinkIndex("music_in"), stream.SinkIndex)

	stream, _ = server.stream(browser)
	assert.Equal(t, server.sinkIndex("aux_in"), stream.SinkIndex)

	stream, _ = server.stream(other)
	assert.Equal(t, server.sinkIndex("speakers"), stream.SinkIndex)

	late := server.addApplicationStream("spotify", "", "speakers")
	m.RouteStreamInput(late)

	stream, _ = server.stream(late)
	assert.Equal(t, server.sinkIndex("music_in"), stream.SinkIndex)
}

func TestLifecycleCatalogExcludesChannelSinks(t *testing.T) {
	server := newFakeAudioServer("speakers", "hdmi_out")
	m := newStartedLifecycle(t, server, LifecycleOptions{})

	var names []string
	for _, output := range m.Catalog().Outputs {
		names = append(names, output.Name)
	}

	assert.Equal(t, []string{"speakers", "hdmi_out"}, names)
}

func TestLifecycleReconfigure(t *testing.T) {
	server := newFakeAudioServer("speakers")
	m := NewEndpointLifecycleManager(testLogger(t), server, LifecycleOptions{})

	assert.False(t, m.Reconfigure(LifecycleOptions{StreamRouting: map[Channel][]string{Music: {"spotify"}}}))
	assert.True(t, m.Reconfigure(LifecycleOptions{SinkNames: map[Channel]string{Aux: "extra"}}))
	assert.False(t, m.Reconfigure(LifecycleOptions{SinkNames: map[Channel]string{Aux: " extra "}}))
}
