package pixel

// Color is one pixel cell: order/alpha byte followed by red, green and blue.
type Color [4]byte

// RGB returns a fully opaque color.
func RGB(r, g, b byte) Color {
	return Color{0xFF, r, g, b}
}

// Off is the zero color written on shutdown.
var Off = Color{}

// Buffer is the hardware driver as seen by the controller: one fixed-size
// mutable slice per channel and a call that pushes all of them out.
type Buffer interface {
	// Channels returns the number of channels.
	Channels() int
	// Leds returns the pixels of channel ch. The slice aliases driver memory
	// and its length never changes.
	Leds(ch int) []Color
	// Render pushes every channel to the hardware.
	Render() error
}
