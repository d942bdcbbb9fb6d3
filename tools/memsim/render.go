package main

import (
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"kitsuneos/efi"
	"kitsuneos/kernel/mm"
)

const (
	// cellSize is the size in pixels of the square that represents a frame.
	cellSize = 4

	// gridColumns is the number of frames per row.
	gridColumns = 128

	legendHeight = 20
)

var (
	colorBackground = color.RGBA{R: 0x20, G: 0x20, B: 0x20, A: 0xff}
	colorText       = color.RGBA{R: 0xe0, G: 0xe0, B: 0xe0, A: 0xff}

	// legend lists the frame states in the order they appear in the
	// legend.
	legend = []struct {
		label string
		color color.RGBA
	}{
		{"free", color.RGBA{R: 0x3c, G: 0xb3, B: 0x71, A: 0xff}},
		{"allocated", color.RGBA{R: 0xff, G: 0x8c, B: 0x00, A: 0xff}},
		{"firmware", color.RGBA{R: 0x70, G: 0x70, B: 0x70, A: 0xff}},
	}
)

// frameState classifies a frame for rendering: 0 for free frames, 1 for used
// frames in conventional or reclaimable memory and 2 for everything else.
type frameStateFn func(mm.Frame) int

func (m *machine) frameState(used func(mm.Frame) bool) frameStateFn {
	return func(frame mm.Frame) int {
		if !used(frame) {
			return 0
		}

		if region := m.regionAt(frame); region != nil && (region.Type == efi.MemConventional || region.Type.Reclaimable()) {
			return 1
		}
		return 2
	}
}

// renderFrameMap draws one cell per frame followed by a text legend.
func renderFrameMap(frames uint64, state frameStateFn) *image.RGBA {
	rows := int((frames + gridColumns - 1) / gridColumns)
	img := image.NewRGBA(image.Rect(0, 0, gridColumns*cellSize, rows*cellSize+legendHeight))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: colorBackground}, image.Point{}, draw.Src)

	for frame := uint64(0); frame < frames; frame++ {
		x, y := int(frame%gridColumns)*cellSize, int(frame/gridColumns)*cellSize
		cell := image.Rect(x, y, x+cellSize-1, y+cellSize-1)
		draw.Draw(img, cell, &image.Uniform{C: legend[state(mm.Frame(frame))].color}, image.Point{}, draw.Src)
	}

	drawer := &font.Drawer{
		Dst:  img,
		Src:  &image.Uniform{C: colorText},
		Face: basicfont.Face7x13,
	}

	x, baseline := 4, rows*cellSize+legendHeight-5
	for _, entry := range legend {
		swatch := image.Rect(x, baseline-9, x+9, baseline)
		draw.Draw(img, swatch, &image.Uniform{C: entry.color}, image.Point{}, draw.Src)

		drawer.Dot = fixed.P(x+13, baseline)
		drawer.DrawString(entry.label)
		x += 13 + drawer.MeasureString(entry.label).Ceil() + 16
	}

	return img
}

// writeFrameMap renders the frame map and encodes it as a PNG image.
func writeFrameMap(w io.Writer, frames uint64, state frameStateFn) error {
	return png.Encode(w, renderFrameMap(frames, state))
}
