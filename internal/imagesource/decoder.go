package imagesource

import (
	"fmt"
	"image"
	"os"

	// Registered container formats
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"golang.org/x/image/draw"
)

// Decoder turns an image file into a non-premultiplied RGBA raster.
type Decoder interface {
	Decode(path string) (*image.NRGBA, error)
}

// DecoderFunc adapts a function to the Decoder interface.
type DecoderFunc func(path string) (*image.NRGBA, error)

// Decode calls f(path).
func (f DecoderFunc) Decode(path string) (*image.NRGBA, error) {
	return f(path)
}

// FileDecoder decodes PNG, JPEG, GIF, BMP, TIFF and WebP files from disk.
type FileDecoder struct{}

// Decode opens path and decodes the first frame of the image it holds.
func (FileDecoder) Decode(path string) (*image.NRGBA, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, format, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	bounds := img.Bounds()
	if bounds.Empty() {
		return nil, fmt.Errorf("decode %s: empty %s image", path, format)
	}

	return ToNRGBA(img), nil
}

// ToNRGBA returns img as an *image.NRGBA anchored at the origin, converting
// from premultiplied or paletted models when needed.
func ToNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok && n.Bounds().Min == (image.Point{}) {
		return n
	}

	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}
