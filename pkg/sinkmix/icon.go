package sinkmix

// SinkMixIconData is the tray icon, four faders on a transparent background
var SinkMixIconData = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d, 0x49, 0x48, 0x44, 0x52,
	0x00, 0x00, 0x00, 0x16, 0x00, 0x00, 0x00, 0x16, 0x08, 0x06, 0x00, 0x00, 0x00, 0xc4, 0xb4, 0x6c,
	0x3b, 0x00, 0x00, 0x00, 0x3b, 0x49, 0x44, 0x41, 0x54, 0x78, 0xda, 0x63, 0xd0, 0xd0, 0xd0, 0x60,
	0xa0, 0x05, 0x66, 0xa0, 0x97, 0xc1, 0x51, 0x50, 0x4c, 0xb1, 0xd8, 0xa8, 0xc1, 0xc3, 0xd8, 0xe0,
	0xff, 0x68, 0x78, 0x04, 0x1b, 0x4c, 0xac, 0x18, 0x86, 0x03, 0x86, 0xb6, 0xc1, 0x64, 0x87, 0x27,
	0xa1, 0x30, 0x1e, 0x7a, 0x06, 0x93, 0x1d, 0x9e, 0xc3, 0xd3, 0xe0, 0xc1, 0x5f, 0xe7, 0x01, 0x00,
	0x3e, 0x24, 0x3c, 0xf0, 0xd4, 0xbd, 0x43, 0x64, 0x00, 0x00, 0x00, 0x00, 0x49, 0x45, 0x4e, 0x44,
	0xae, 0x42, 0x60, 0x82,
}
