package gallery

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"path"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// Decode decodes image bytes in any registered format.
func Decode(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return img, nil
}

// Normalize converts img to an opaque RGB image anchored at the origin.
// Transparent pixels are composited over white, so every pixel carries exactly
// three meaningful channels.
func Normalize(img image.Image) (*image.RGBA, error) {
	b := img.Bounds()
	if b.Empty() {
		return nil, fmt.Errorf("%w: empty image %dx%d", ErrFormat, b.Dx(), b.Dy())
	}
	if p, ok := img.(*image.Paletted); ok && len(p.Palette) == 0 {
		return nil, fmt.Errorf("%w: paletted image without palette", ErrFormat)
	}

	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), image.White, image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Over)

	if got := channels(dst); got != 3 {
		return nil, fmt.Errorf("%w: %d channels after conversion", ErrFormat, got)
	}
	return dst, nil
}

// channels reports 3 when every pixel is opaque, 4 otherwise.
func channels(img *image.RGBA) int {
	for i := 3; i < len(img.Pix); i += 4 {
		if img.Pix[i] != 0xff {
			return 4
		}
	}
	return 3
}

// Label derives the gallery label from an image path: the file name without
// its extension.
func Label(name string) string {
	base := path.Base(name)
	return base[:len(base)-len(path.Ext(base))]
}

// ClassPath returns the slash-separated directory of one class below the
// image root, laid out as branch/year/section. Without a branch it is the
// whole tree.
func ClassPath(branch, year, section string) string {
	if branch == "" {
		return "."
	}
	return path.Join(branch, year, section)
}
