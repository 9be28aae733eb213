package frame

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"

	// Registered decoders for DecodeImage.
	_ "image/gif"
	_ "image/png"
)

// DecodeBase64 decodes a base64-encoded JPEG/PNG/GIF into a single-channel
// luma frame stamped with timestamp.
func DecodeBase64(data string, timestamp int64) (Frame, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: base64: %v", ErrInvalidFrame, err)
	}
	return DecodeImage(raw, timestamp)
}

// DecodeImage decodes an encoded image into a single-channel luma frame.
func DecodeImage(data []byte, timestamp int64) (Frame, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Frame{}, fmt.Errorf("%w: decode: %v", ErrInvalidFrame, err)
	}
	if gray, ok := img.(*image.Gray); ok {
		return FromGray(gray, timestamp)
	}

	bounds := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	for y := 0; y < bounds.Dy(); y++ {
		for x := 0; x < bounds.Dx(); x++ {
			gray.Set(x, y, color.GrayModel.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)))
		}
	}
	return FromGray(gray, timestamp)
}

// FromGray copies a grayscale image into a frame.
func FromGray(img *image.Gray, timestamp int64) (Frame, error) {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	pix := make([]byte, w*h)
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w]
		copy(pix[y*w:], row)
	}
	return New(w, h, 1, pix, timestamp)
}

// Image converts the frame back into an image.Image (Gray for one channel,
// RGBA for three or four).
func (f Frame) Image() (image.Image, error) {
	switch f.Channels {
	case 1:
		img := image.NewGray(image.Rect(0, 0, f.Width, f.Height))
		copy(img.Pix, f.Pix)
		return img, nil
	case 3, 4:
		img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
		for i := 0; i < f.Width*f.Height; i++ {
			img.Pix[i*4+0] = f.Pix[i*f.Channels+0]
			img.Pix[i*4+1] = f.Pix[i*f.Channels+1]
			img.Pix[i*4+2] = f.Pix[i*f.Channels+2]
			img.Pix[i*4+3] = 0xff
		}
		return img, nil
	default:
		return nil, fmt.Errorf("%w: unsupported channel count %d", ErrInvalidFrame, f.Channels)
	}
}

// EncodeJPEG encodes the frame as JPEG for the downstream analysis call.
func EncodeJPEG(f Frame, quality int) ([]byte, error) {
	img, err := f.Image()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// IsBlank reports whether a frame looks like a dead or still-initialising
// camera: a dark, nearly uniform image. Samples a 10x10 grid.
func IsBlank(f Frame) bool {
	if f.Width < 10 || f.Height < 10 {
		return true
	}

	var sum, hi int
	lo := 255
	samples := 0
	for y := 0; y < f.Height; y += f.Height / 10 {
		for x := 0; x < f.Width; x += f.Width / 10 {
			v := int(f.At(x, y, 0))
			sum += v
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
			samples++
		}
	}

	avg := sum / samples
	return avg < 16 && hi-lo < 8
}
