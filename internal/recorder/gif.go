package recorder

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/gif"
	"io"
	"slices"

	"github.com/nfnt/resize"
)

// encodeGIF writes frames as a looping animated GIF scaled to maxWidth
func encodeGIF(w io.Writer, frames []image.Image, fps int, maxWidth uint) error {
	if len(frames) == 0 {
		return fmt.Errorf("no frames")
	}
	if fps <= 0 {
		fps = 10
	}

	// GIF delays are in 100ths of a second
	delay := max(100/fps, 1)

	bounds := frames[0].Bounds()
	width := uint(bounds.Dx())
	if maxWidth > 0 && width > maxWidth {
		width = maxWidth
	}
	height := uint(float64(width) * float64(bounds.Dy()) / float64(bounds.Dx()))

	g := &gif.GIF{
		Image: make([]*image.Paletted, len(frames)),
		Delay: make([]int, len(frames)),
	}

	// One palette for every frame keeps colors stable across the loop
	palette := buildPalette(frames[0])
	for i, frame := range frames {
		scaled := frame
		if uint(frame.Bounds().Dx()) != width {
			scaled = resize.Resize(width, height, frame, resize.Lanczos3)
		}
		p := image.NewPaletted(scaled.Bounds(), palette)
		draw.FloydSteinberg.Draw(p, scaled.Bounds(), scaled, scaled.Bounds().Min)
		g.Image[i] = p
		g.Delay[i] = delay
	}

	return gif.EncodeAll(w, g)
}

// buildPalette picks the 255 most frequent colors of a sampled frame plus a
// transparent entry, padding with grays.
func buildPalette(img image.Image) color.Palette {
	bounds := img.Bounds()
	counts := make(map[color.RGBA]int)

	const step = 4
	for y := bounds.Min.Y; y < bounds.Max.Y; y += step {
		for x := bounds.Min.X; x < bounds.Max.X; x += step {
			r, g, b, a := img.At(x, y).RGBA()
			counts[color.RGBA{uint8(r >> 8), uint8(g >> 8), uint8(b >> 8), uint8(a >> 8)}]++
		}
	}

	colors := make([]color.RGBA, 0, len(counts))
	for c := range counts {
		colors = append(colors, c)
	}
	slices.SortFunc(colors, func(a, b color.RGBA) int {
		if d := counts[b] - counts[a]; d != 0 {
			return d
		}
		// Deterministic order among equally frequent colors
		return int(rgbKey(a)) - int(rgbKey(b))
	})

	palette := make(color.Palette, 0, 256)
	palette = append(palette, color.RGBA{})
	for _, c := range colors {
		if len(palette) == 256 {
			break
		}
		palette = append(palette, c)
	}
	for len(palette) < 256 {
		gray := uint8(len(palette))
		palette = append(palette, color.RGBA{gray, gray, gray, 255})
	}
	return palette
}

func rgbKey(c color.RGBA) uint32 {
	return uint32(c.R)<<24 | uint32(c.G)<<16 | uint32(c.B)<<8 | uint32(c.A)
}
