package sinkmix

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tinygo.org/x/bluetooth"
)

const defaultBLEScanTimeout = 15 * time.Second

var (
	midiServiceRealUUID    = bluetooth.NewUUID([16]byte{0x03, 0xB8, 0x0E, 0x5A, 0xED, 0xE8, 0x4B, 0x33, 0xA7, 0x51, 0x6C, 0xE3, 0x4E, 0xC4, 0xC7, 0x00})
	midiServiceFakeUUID    = bluetooth.NewUUID([16]byte{0x03, 0xB8, 0x0E, 0x5A, 0xED, 0xE8, 0x4B, 0x33, 0xA7, 0x51, 0x6C, 0xE3, 0x4E, 0xC4, 0xC7, 0x05})
	midiCharacteristicUUID = bluetooth.NewUUID([16]byte{0x77, 0x72, 0xE5, 0xDB, 0x38, 0x68, 0x41, 0x12, 0xA1, 0xA9, 0xF2, 0x66, 0x9D, 0x10, 0x6B, 0xF3})
)

// BLESurface opens BLE-MIDI control surfaces
type BLESurface struct {
	logger *zap.SugaredLogger

	adapter     *bluetooth.Adapter
	scanTimeout time.Duration
}

func NewBLESurface(logger *zap.SugaredLogger, scanTimeout time.Duration) *BLESurface {
	if scanTimeout <= 0 {
		scanTimeout = defaultBLEScanTimeout
	}

	return &BLESurface{
		logger:      logger.Named("ble"),
		adapter:     bluetooth.DefaultAdapter,
		scanTimeout: scanTimeout,
	}
}

// OpenFirstAvailableInput scans for the first peripheral advertising the MIDI service and connects to it
func (bs *BLESurface) OpenFirstAvailableInput() (ControlDevice, error) {
	if err := bs.adapter.Enable(); err != nil {
		return nil, fmt.Errorf("enable bluetooth adapter: %w: %w", ErrDeviceUnavailable, err)
	}

	result, err := bs.scan()
	if err != nil {
		return nil, err
	}

	device, err := bs.adapter.Connect(result.Address, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w: %w", result.Address.String(), ErrDeviceUnavailable, err)
	}

	dev := &bleDevice{
		logger: bs.logger,
		device: device,
		name:   result.LocalName(),
		queue:  newFIFO[midiItem](),
	}

	bs.adapter.SetConnectHandler(func(d bluetooth.Device, connected bool) {
		if !connected && d.Address.String() == device.Address.String() {
			bs.logger.Infow("Device disconnected", "address", d.Address.String())
			dev.queue.push(midiItem{err: fmt.Errorf("device %s disconnected", d.Address.String())})
		}
	})

	if err := dev.activate(); err != nil {
		_ = device.Disconnect()
		return nil, fmt.Errorf("activate %s: %w: %w", result.Address.String(), ErrDeviceUnavailable, err)
	}

	return dev, nil
}

func (bs *BLESurface) scan() (bluetooth.ScanResult, error) {
	found := make(chan bluetooth.ScanResult, 1)
	scanDone := make(chan error, 1)

	go func() {
		bs.logger.Debug("Started a scan")

		scanDone <- bs.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
			for _, uuid := range result.ServiceUUIDs() {
				if uuid != midiServiceRealUUID {
					continue
				}

				bs.logger.Debugf("found MIDI BLE device: %s %s RSSI=%d ", result.LocalName(), result.Address, result.RSSI)
				_ = adapter.StopScan()

				select {
				case found <- result:
				default:
				}

				return
			}
		})
	}()

	select {
	case result := <-found:
		return result, nil
	case err := <-scanDone:
		// the scan may have stopped right after a hit
		select {
		case result := <-found:
			return result, nil
		default:
		}

		if err != nil {
			return bluetooth.ScanResult{}, fmt.Errorf("scan for MIDI devices: %w: %w", ErrDeviceUnavailable, err)
		}

		return bluetooth.ScanResult{}, fmt.Errorf("%w: scan ended without a MIDI device", ErrDeviceUnavailable)
	case <-time.After(bs.scanTimeout):
		_ = bs.adapter.StopScan()

		return bluetooth.ScanResult{}, fmt.Errorf("%w: no MIDI BLE device found within %s", ErrDeviceUnavailable, bs.scanTimeout)
	}
}

type bleDevice struct {
	logger *zap.SugaredLogger

	device bluetooth.Device
	name   string
	queue  *fifo[midiItem]
}

func (bd *bleDevice) activate() error {
	bd.logger.Debugf("Connected with %s", bd.device.Address)

	services, err := bd.device.DiscoverServices([]bluetooth.UUID{midiServiceRealUUID, midiServiceFakeUUID})
	if err != nil {
		return fmt.Errorf("discover MIDI service: %w", err)
	}
	if len(services) == 0 {
		return fmt.Errorf("MIDI BLE service not found")
	}

	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{midiCharacteristicUUID})
	if err != nil {
		return fmt.Errorf("discover MIDI characteristic: %w", err)
	}
	if len(chars) == 0 {
		return fmt.Errorf("MIDI BLE characteristic not found")
	}
	midiChar := chars[0]

	bd.logger.Debug("subscribing to MIDI characteristic notifications...")
	err = midiChar.EnableNotifications(func(buf []byte) {
		for _, event := range ParseBLEMIDIPacket(buf) {
			bd.queue.push(midiItem{event: event})
		}
	})
	if err != nil {
		return fmt.Errorf("enable notifications: %w", err)
	}

	bd.logger.Info("MIDI connection established")

	return nil
}

func (bd *bleDevice) ReceiveNext(ctx context.Context) (ControlEvent, error) {
	item, ok := bd.queue.pop(ctx)
	if !ok {
		if err := ctx.Err(); err != nil {
			return ControlEvent{}, err
		}

		return ControlEvent{}, fmt.Errorf("BLE device %s closed", bd.name)
	}

	if item.err != nil {
		return ControlEvent{}, item.err
	}

	return item.event, nil
}

func (bd *bleDevice) Name() string {
	return bd.name
}

func (bd *bleDevice) Close() error {
	bd.queue.close()

	if err := bd.device.Disconnect(); err != nil {
		return fmt.Errorf("disconnect BLE device: %w", err)
	}

	bd.logger.Debug("BLE connection closed")

	return nil
}

// ParseBLEMIDIPacket decodes the channel voice messages of a BLE-MIDI packet
// (header byte, then timestamp + status + data groups)
func ParseBLEMIDIPacket(packet []byte) []ControlEvent {
	var result []ControlEvent
	i := 0

	// skip header
	if i >= len(packet) || (packet[i]&0x80) == 0 {
		return result // invalid packet
	}
	i++

	for i < len(packet) {
		b := packet[i]

		// Skip any non-timestamp bytes
		if (b & 0x80) == 0 {
			i++
			continue
		}

		// Timestamp byte
		i++
		if i >= len(packet) {
			break
		}

		status := packet[i]
		if status&0x80 == 0 {
			continue // running status, not emitted by the surfaces we support
		}

		dataLen := midiDataLength(status)
		if dataLen < 0 {
			break // system messages end the parse
		}
		if i+dataLen >= len(packet) {
			break // incomplete message
		}

		event := ControlEvent{Category: midiCategory(status), ControlNumber: packet[i+1]}
		if dataLen == 2 {
			event.Value = packet[i+2]
		}
		i += 1 + dataLen

		result = append(result, event)
	}

	return result
}

func midiDataLength(status byte) int {
	switch status & 0xF0 {
	case 0xC0, 0xD0:
		return 1
	case 0xF0:
		return -1
	default:
		return 2
	}
}

func midiCategory(status byte) EventCategory {
	switch status & 0xF0 {
	case 0xB0:
		return CategoryControlChange
	case 0x90:
		return CategoryNoteOn
	case 0x80:
		return CategoryNoteOff
	default:
		return CategoryOther
	}
}
