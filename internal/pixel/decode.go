// Package pixel maps raw streaming datagrams onto driver pixel buffers.
package pixel

import (
	"fmt"
	"time"
)

// BytesPerPixel is the size of one RGB triplet in a streaming payload.
const BytesPerPixel = 3

// Decode writes payload into buf. Channels are read in order; pixel i of a
// channel takes the triplet at offset+3i. Pixels whose triplet lies past the
// end of the payload keep their value. After each channel offset grows by the
// channel's pixel count.
//
// Decode never fails: short or garbage payloads update a prefix or nothing.
func Decode(buf Buffer, payload []byte) {
	offset := 0
	for ch := 0; ch < buf.Channels(); ch++ {
		leds := buf.Leds(ch)
		for i := range leds {
			base := offset + BytesPerPixel*i
			if base+2 < len(payload) {
				leds[i] = Color{0xFF, payload[base], payload[base+1], payload[base+2]}
			}
		}
		offset += len(leds)
	}
}

// Fill sets every pixel of every channel to c without rendering.
func Fill(buf Buffer, c Color) {
	for ch := 0; ch < buf.Channels(); ch++ {
		leds := buf.Leds(ch)
		for i := range leds {
			leds[i] = c
		}
	}
}

// Clear turns everything off and renders.
func Clear(buf Buffer) error {
	Fill(buf, Off)
	if err := buf.Render(); err != nil {
		return fmt.Errorf("clear: %w", err)
	}
	return nil
}

// BootAnimation flashes channel 0 four times and leaves it dark.
func BootAnimation(buf Buffer, step time.Duration) error {
	if buf.Channels() == 0 {
		return nil
	}
	frames := []Color{RGB(0x55, 0x02, 0x01), RGB(0x01, 0x55, 0x02)}
	leds := buf.Leds(0)
	for i := 0; i < 4; i++ {
		for j := range leds {
			leds[j] = frames[i%2]
		}
		if err := buf.Render(); err != nil {
			return err
		}
		time.Sleep(step)
	}
	for j := range leds {
		leds[j] = RGB(0, 0, 0)
	}
	return buf.Render()
}
