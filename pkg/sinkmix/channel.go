package sinkmix

import (
	"fmt"
	"strings"
)

// Channel is one of the fixed logical mixing channels
type Channel int

const (
	Microphone Channel = iota
	Communication
	Music
	Aux
	System
)

// Channels lists every logical channel, in display order
var Channels = []Channel{Microphone, Communication, Music, Aux, System}

// SinkChannels lists the channels backed by a virtual sink and monitor loopback
var SinkChannels = []Channel{Communication, Music, Aux, System}

var channelNames = map[Channel]string{
	Microphone:    "microphone",
	Communication: "communication",
	Music:         "music",
	Aux:           "aux",
	System:        "system",
}

// default virtual sink names per channel, overridable through the config's sink_names section
var defaultSinkNames = map[Channel]string{
	Communication: "communication_in",
	Music:         "music_in",
	Aux:           "aux_in",
	System:        "system_in",
}

func (c Channel) String() string {
	if name, ok := channelNames[c]; ok {
		return name
	}

	return fmt.Sprintf("channel(%d)", int(c))
}

// HasSink reports whether the channel owns a virtual sink (everything but the microphone)
func (c Channel) HasSink() bool {
	return c != Microphone && c.Valid()
}

// Valid reports whether c is one of the known channels
func (c Channel) Valid() bool {
	_, ok := channelNames[c]
	return ok
}

// ParseChannel resolves a channel from its (case-insensitive) name
func ParseChannel(name string) (Channel, error) {
	for channel, channelName := range channelNames {
		if strings.EqualFold(channelName, strings.TrimSpace(name)) {
			return channel, nil
		}
	}

	return 0, fmt.Errorf("unknown channel %q", name)
}

// ChannelVolumeEvent asks for a channel's volume to be set to Value percent
type ChannelVolumeEvent struct {
	Channel Channel
	Value   int
}

func (e ChannelVolumeEvent) String() string {
	return fmt.Sprintf("%s=%d%%", e.Channel, e.Value)
}

func monitorOf(sinkName string) string {
	return sinkName + ".monitor"
}
