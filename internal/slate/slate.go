// Package slate renders a colour-bar test card that can be registered as an
// image when no artwork is available yet.
package slate

import (
	"fmt"
	"image"
	"io"

	"github.com/fogleman/gg"
	"golang.org/x/image/font/basicfont"
)

// Options controls the rendered card.
type Options struct {
	Width  int
	Height int
	Text   string
}

// 75% bars, left to right.
var bars = [][3]int{
	{191, 191, 191},
	{191, 191, 0},
	{0, 191, 191},
	{0, 191, 0},
	{191, 0, 191},
	{191, 0, 0},
	{0, 0, 191},
}

const rampSteps = 8

// Render draws the card. Bars fill the top two thirds, a grey ramp the rest,
// and the caption sits in a black box in the middle.
func Render(opts Options) (image.Image, error) {
	if opts.Width <= 0 || opts.Height <= 0 {
		return nil, fmt.Errorf("invalid slate size %dx%d", opts.Width, opts.Height)
	}
	w, h := float64(opts.Width), float64(opts.Height)
	dc := gg.NewContext(opts.Width, opts.Height)

	barHeight := h * 2 / 3
	barWidth := w / float64(len(bars))
	for i, c := range bars {
		dc.SetRGB255(c[0], c[1], c[2])
		dc.DrawRectangle(float64(i)*barWidth, 0, barWidth, barHeight)
		dc.Fill()
	}

	stepWidth := w / rampSteps
	for i := 0; i < rampSteps; i++ {
		v := 255 * i / (rampSteps - 1)
		dc.SetRGB255(v, v, v)
		dc.DrawRectangle(float64(i)*stepWidth, barHeight, stepWidth, h-barHeight)
		dc.Fill()
	}

	caption := opts.Text
	if caption == "" {
		caption = "StillSource"
	}
	lines := []string{caption, fmt.Sprintf("%dx%d", opts.Width, opts.Height)}

	face := basicfont.Face7x13
	dc.SetFontFace(face)
	lineHeight := float64(face.Height) * 1.5

	boxWidth := 0.0
	for _, line := range lines {
		if tw, _ := dc.MeasureString(line); tw > boxWidth {
			boxWidth = tw
		}
	}
	boxWidth += 24
	boxHeight := lineHeight*float64(len(lines)) + 12

	dc.SetRGB(0, 0, 0)
	dc.DrawRectangle((w-boxWidth)/2, (h-boxHeight)/2, boxWidth, boxHeight)
	dc.Fill()

	dc.SetRGB(1, 1, 1)
	top := h/2 - lineHeight*float64(len(lines)-1)/2
	for i, line := range lines {
		dc.DrawStringAnchored(line, w/2, top+float64(i)*lineHeight, 0.5, 0.5)
	}

	return dc.Image(), nil
}

// WritePNG renders the card to path.
func WritePNG(path string, opts Options) error {
	img, err := Render(opts)
	if err != nil {
		return err
	}
	return gg.SavePNG(path, img)
}

// EncodePNG renders the card to w.
func EncodePNG(w io.Writer, opts Options) error {
	img, err := Render(opts)
	if err != nil {
		return err
	}
	dc := gg.NewContextForImage(img)
	return dc.EncodePNG(w)
}
