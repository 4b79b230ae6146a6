// Package colorspace converts RGBA rasters into the packed 4:2:2 (UYVY)
// layout expected by video-over-IP receivers, plus a separate alpha plane.
package colorspace

import (
	"image"
	"image/color"
)

// BytesPerMacropixel is the size of one U,Y,V,Y group covering two pixels.
const BytesPerMacropixel = 4

// padPixel is substituted for the missing right-hand pixel of an odd-width row.
var padPixel = color.NRGBA{R: 0, G: 0, B: 0, A: 255}

// PackedStride returns the number of bytes in one packed row. Rows always hold
// a whole number of macropixels, so for odd widths the last one carries the
// synthetic black pixel. For even widths this is width*2.
func PackedStride(width int) int {
	return (width + 1) / 2 * BytesPerMacropixel
}

// PackedSize returns the packed buffer length for a width x height raster.
func PackedSize(width, height int) int {
	return PackedStride(width) * height
}

// AlphaSize returns the alpha plane length, one byte per source pixel.
func AlphaSize(width, height int) int {
	return width * height
}

// Luma computes Y for a single pixel using BT.601 weights.
func Luma(r, g, b uint8) uint8 {
	return clamp(0.299*float32(r) + 0.587*float32(g) + 0.114*float32(b))
}

// Chroma computes U and V for a single pixel.
func Chroma(r, g, b uint8) (u, v uint8) {
	fr, fg, fb := float32(r), float32(g), float32(b)
	u = clamp(-0.14713*fr - 0.28886*fg + 0.436*fb + 128)
	v = clamp(0.615*fr - 0.51499*fg - 0.10001*fb + 128)
	return u, v
}

func clamp(x float32) uint8 {
	if x < 0 {
		return 0
	}
	if x > 255 {
		return 255
	}
	return uint8(x)
}

// ConvertRGBAToUYVY fills packed with UYVY macropixels and, when alpha is
// non-nil, alpha with the per-pixel alpha of src. Chroma is averaged across
// each horizontal pixel pair; alpha is never averaged.
//
// packed must hold at least PackedSize(w, h) bytes and alpha (if given)
// AlphaSize(w, h) bytes; undersized buffers panic.
func ConvertRGBAToUYVY(src *image.NRGBA, packed, alpha []byte) {
	b := src.Bounds()
	width, height := b.Dx(), b.Dy()
	stride := PackedStride(width)

	for y := 0; y < height; y++ {
		row := src.Pix[y*src.Stride : y*src.Stride+width*4]
		out := packed[y*stride : (y+1)*stride]

		var rowAlpha []byte
		if alpha != nil {
			rowAlpha = alpha[y*width : (y+1)*width]
		}

		for x := 0; x < width; x += 2 {
			p1 := color.NRGBA{R: row[x*4], G: row[x*4+1], B: row[x*4+2], A: row[x*4+3]}
			p2 := padPixel
			if x+1 < width {
				p2 = color.NRGBA{R: row[x*4+4], G: row[x*4+5], B: row[x*4+6], A: row[x*4+7]}
			}

			y1 := Luma(p1.R, p1.G, p1.B)
			u1, v1 := Chroma(p1.R, p1.G, p1.B)
			y2 := Luma(p2.R, p2.G, p2.B)
			u2, v2 := Chroma(p2.R, p2.G, p2.B)

			i := x * 2
			out[i] = uint8((int(u1) + int(u2)) / 2)
			out[i+1] = y1
			out[i+2] = uint8((int(v1) + int(v2)) / 2)
			out[i+3] = y2

			if rowAlpha != nil {
				rowAlpha[x] = p1.A
				if x+1 < width {
					rowAlpha[x+1] = p2.A
				}
			}
		}
	}
}
