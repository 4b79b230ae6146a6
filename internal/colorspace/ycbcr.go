package colorspace

import "image"

// ToYCbCr unpacks a UYVY plane into a 4:2:2 image.YCbCr so standard
// encoders (JPEG previews) and draw.Draw can consume it. The chroma scale
// differs slightly from JFIF, which is acceptable for monitoring output.
func ToYCbCr(packed []byte, stride, width, height int) *image.YCbCr {
	img := image.NewYCbCr(image.Rect(0, 0, width, height), image.YCbCrSubsampleRatio422)

	for y := 0; y < height; y++ {
		row := packed[y*stride : y*stride+PackedStride(width)]
		yRow := img.Y[y*img.YStride : y*img.YStride+width]
		cOff := y * img.CStride

		for m := 0; m*2 < width; m++ {
			i := m * BytesPerMacropixel
			img.Cb[cOff+m] = row[i]
			yRow[m*2] = row[i+1]
			img.Cr[cOff+m] = row[i+2]
			if m*2+1 < width {
				yRow[m*2+1] = row[i+3]
			}
		}
	}

	return img
}
