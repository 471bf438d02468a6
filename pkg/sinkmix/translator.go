package sinkmix

// controlChannels maps control numbers on the surface to the channel they drive
var controlChannels = map[uint8]Channel{
	25: Aux,
	19: System,
	13: Music,
	7:  Communication,
	1:  Microphone,
}

// ControlEventTranslator turns raw control surface events into channel volume events.
// The value is passed through as is; scaling it into 0-100 is up to the caller.
type ControlEventTranslator struct{}

// Translate returns false for anything that isn't a control change on a mapped control
func (ControlEventTranslator) Translate(event ControlEvent) (ChannelVolumeEvent, bool) {
	if event.Category != CategoryControlChange {
		return ChannelVolumeEvent{}, false
	}

	channel, ok := controlChannels[event.ControlNumber]
	if !ok {
		return ChannelVolumeEvent{}, false
	}

	return ChannelVolumeEvent{Channel: channel, Value: int(event.Value)}, true
}
