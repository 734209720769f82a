package render

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"

	"golang.org/x/image/draw"
	"golang.org/x/image/tiff"
)

const (
	DefaultThumbnailWidth = 200
	jpegQuality           = 80
)

// browserImage normalises an extracted page image into something a browser
// can display directly. JPEG and PNG pass through; TIFF (CCITT scans) is
// re-encoded as PNG. ok is false for formats that cannot be shown.
func browserImage(fileType string, r io.Reader) (mimeType string, data []byte, ok bool, err error) {
	switch fileType {
	case "jpg", "jpeg":
		data, err = io.ReadAll(r)
		return "image/jpeg", data, err == nil, err
	case "png":
		data, err = io.ReadAll(r)
		return "image/png", data, err == nil, err
	case "tif", "tiff":
		img, err := tiff.Decode(r)
		if err != nil {
			return "", nil, false, err
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			return "", nil, false, err
		}
		return "image/png", buf.Bytes(), true, nil
	default:
		return "", nil, false, nil
	}
}

// decodeImage decodes an image previously normalised by browserImage.
func decodeImage(mimeType string, data []byte) (image.Image, error) {
	switch mimeType {
	case "image/jpeg":
		return jpeg.Decode(bytes.NewReader(data))
	case "image/png":
		return png.Decode(bytes.NewReader(data))
	default:
		return nil, fmt.Errorf("unsupported image type %q", mimeType)
	}
}

// Thumbnail scales img to width, preserving aspect ratio, and encodes it as JPEG.
// Images already narrower than width are encoded unscaled.
func Thumbnail(img image.Image, width int) ([]byte, error) {
	if width <= 0 {
		width = DefaultThumbnailWidth
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, fmt.Errorf("empty image")
	}

	var out image.Image = img
	if b.Dx() > width {
		height := max(1, b.Dy()*width/b.Dx())
		dst := image.NewRGBA(image.Rect(0, 0, width, height))
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
		out = dst
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, out, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeJPEG re-encodes an inline page image as JPEG for upload under the
// pre-rendered layout, which serves every page as page-NNN.jpg.
func EncodeJPEG(mimeType string, data []byte) ([]byte, error) {
	if mimeType == "image/jpeg" {
		return data, nil
	}
	img, err := decodeImage(mimeType, data)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
