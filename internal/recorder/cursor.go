package recorder

import (
	"image"
	"image/color"
	"image/draw"
	"math"

	"github.com/v0xg/demopilot/internal/browser"
)

// Cursor is where the automation pointed when a frame was taken
type Cursor struct {
	X, Y  int
	Kind  browser.CursorKind
	Click bool
}

// placed reports whether the cursor has been positioned at all
func (c Cursor) placed() bool { return c.X != 0 || c.Y != 0 }

// drawCursor returns a copy of frame with the cursor drawn on it
func drawCursor(frame image.Image, c Cursor) image.Image {
	bounds := frame.Bounds()
	out := image.NewRGBA(bounds)
	draw.Draw(out, bounds, frame, bounds.Min, draw.Src)

	if !c.placed() {
		return out
	}
	if c.Click {
		drawRipple(out, c.X, c.Y)
	}
	if c.Kind == browser.CursorText {
		drawIBeam(out, c.X, c.Y)
	} else {
		drawArrow(out, c.X, c.Y)
	}
	return out
}

var (
	outline = color.RGBA{0, 0, 0, 255}
	fill    = color.RGBA{255, 255, 255, 255}
	ripple  = color.RGBA{66, 133, 244, 255}
)

func drawArrow(img *image.RGBA, x, y int) {
	for dy := 0; dy <= 16; dy++ {
		for dx := 0; dx <= 12; dx++ {
			if insideArrow(dx, dy) {
				set(img, x+dx, y+dy, fill)
			}
		}
	}

	points := []image.Point{{0, 0}, {0, 16}, {4, 12}, {7, 18}, {10, 17}, {7, 11}, {12, 11}}
	for i, p := range points {
		q := points[(i+1)%len(points)]
		line(img, x+p.X, y+p.Y, x+q.X, y+q.Y, outline)
	}
}

func insideArrow(dx, dy int) bool {
	switch {
	case dx < 0 || dy < 0 || dy > 16:
		return false
	case dy <= 11:
		return dx <= dy*12/16
	default:
		return dx <= 4
	}
}

// drawIBeam draws a text cursor centered on x, y
func drawIBeam(img *image.RGBA, x, y int) {
	for dy := -8; dy <= 8; dy++ {
		set(img, x-1, y+dy, fill)
		set(img, x, y+dy, outline)
		set(img, x+1, y+dy, fill)
	}
	for dx := -3; dx <= 3; dx++ {
		set(img, x+dx, y-8, outline)
		set(img, x+dx, y+8, outline)
	}
}

func drawRipple(img *image.RGBA, x, y int) {
	const radius = 15
	for angle := 0.0; angle < 360; angle++ {
		rad := angle * math.Pi / 180
		px := x + int(radius*math.Cos(rad))
		py := y + int(radius*math.Sin(rad))
		set(img, px, py, ripple)
		set(img, px+1, py, ripple)
		set(img, px, py+1, ripple)
	}
}

// line draws with Bresenham's algorithm
func line(img *image.RGBA, x1, y1, x2, y2 int, c color.RGBA) {
	dx, dy := abs(x2-x1), abs(y2-y1)
	sx, sy := 1, 1
	if x1 > x2 {
		sx = -1
	}
	if y1 > y2 {
		sy = -1
	}
	err := dx - dy
	for {
		set(img, x1, y1, c)
		if x1 == x2 && y1 == y2 {
			return
		}
		e2 := 2 * err
		if e2 > -dy {
			err -= dy
			x1 += sx
		}
		if e2 < dx {
			err += dx
			y1 += sy
		}
	}
}

func set(img *image.RGBA, x, y int, c color.RGBA) {
	if (image.Point{x, y}).In(img.Bounds()) {
		img.SetRGBA(x, y, c)
	}
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
