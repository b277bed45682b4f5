// Package icon prepares marker icons: aspect-fit resizing, optional labels
// and a cached library serving encoded PNGs by reference.
package icon

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/jpeg" // decoder
	"image/png"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/golang/freetype"
	"github.com/golang/freetype/truetype"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/math/fixed"

	"github.com/OCAP2/locsync/pkg/core"
)

// ContentType of every encoded icon.
const ContentType = "image/png"

const (
	labelSize    = 12.0
	labelPadding = 2
)

// FitSize returns the largest size with the aspect ratio of w x h that fits
// in tw x th. Images are scaled up as well as down.
func FitSize(w, h, tw, th int) (int, int) {
	if w <= 0 || h <= 0 || tw <= 0 || th <= 0 {
		return 0, 0
	}

	widthRatio := float64(tw) / float64(w)
	heightRatio := float64(th) / float64(h)
	ratio := widthRatio
	if widthRatio > heightRatio {
		ratio = heightRatio
	}

	nw := int(float64(w)*ratio + 0.5)
	nh := int(float64(h)*ratio + 0.5)
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	return nw, nh
}

// Fit scales img to fit in tw x th keeping its aspect ratio.
func Fit(img image.Image, tw, th int) (*image.RGBA, error) {
	b := img.Bounds()
	nw, nh := FitSize(b.Dx(), b.Dy(), tw, th)
	if nw == 0 {
		return nil, fmt.Errorf("cannot fit %dx%d image into %dx%d", b.Dx(), b.Dy(), tw, th)
	}

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, b, xdraw.Over, nil)
	return dst, nil
}

var (
	faceOnce sync.Once
	faceFont *truetype.Font
	faceErr  error
)

func labelFont() (*truetype.Font, error) {
	faceOnce.Do(func() {
		faceFont, faceErr = freetype.ParseFont(goregular.TTF)
	})
	return faceFont, faceErr
}

// Label returns img with text drawn centred in a strip below it.
func Label(img image.Image, text string) (*image.RGBA, error) {
	parsed, err := labelFont()
	if err != nil {
		return nil, fmt.Errorf("failed to parse font: %w", err)
	}
	face := truetype.NewFace(parsed, &truetype.Options{
		Size:    labelSize,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	defer face.Close()

	drawer := &font.Drawer{
		Src:  image.NewUniform(color.Black),
		Face: face,
	}
	advance := drawer.MeasureString(text).Ceil()
	metrics := face.Metrics()
	lineHeight := (metrics.Ascent + metrics.Descent).Ceil()

	b := img.Bounds()
	width := b.Dx()
	if advance+2*labelPadding > width {
		width = advance + 2*labelPadding
	}
	height := b.Dy() + lineHeight + 2*labelPadding

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	offset := image.Pt((width-b.Dx())/2, 0)
	draw.Draw(dst, image.Rectangle{Min: offset, Max: offset.Add(b.Size())}, img, b.Min, draw.Over)

	// label background
	strip := image.Rect(0, b.Dy(), width, height)
	draw.Draw(dst, strip, image.NewUniform(color.White), image.Point{}, draw.Src)

	drawer.Dst = dst
	drawer.Dot = fixed.Point26_6{
		X: fixed.I((width - advance) / 2),
		Y: fixed.I(b.Dy()+labelPadding) + metrics.Ascent,
	}
	drawer.DrawString(text)
	return dst, nil
}

// Pin draws the default marker: a filled red circle with a white centre.
func Pin(size int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	r := float64(size) / 2
	inner := r / 3
	red := color.RGBA{R: 0xd3, G: 0x2f, B: 0x2f, A: 0xff}

	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			dx := float64(x) + 0.5 - r
			dy := float64(y) + 0.5 - r
			d := dx*dx + dy*dy
			switch {
			case d <= inner*inner:
				img.Set(x, y, color.White)
			case d <= r*r:
				img.Set(x, y, red)
			}
		}
	}
	return img
}

// Encode encodes img as PNG.
func Encode(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode icon: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode reads a PNG or JPEG file.
func Decode(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return img, nil
}

// ResizeFile fits the image at in into w x h, optionally labels it and writes
// it to out as PNG.
func ResizeFile(in, out string, w, h int, label string) error {
	img, err := Decode(in)
	if err != nil {
		return err
	}
	fitted, err := Fit(img, w, h)
	if err != nil {
		return err
	}
	result := fitted
	if label != "" {
		if result, err = Label(fitted, label); err != nil {
			return err
		}
	}
	data, err := Encode(result)
	if err != nil {
		return err
	}
	return os.WriteFile(out, data, 0644)
}

// Library serves icons from a directory, fitted to MaxSize and cached.
type Library struct {
	dir        string
	maxSize    int
	defaultRef string

	mu    sync.Mutex
	cache map[string][]byte
}

// NewLibrary creates a library over dir. A missing defaultRef file is
// replaced by a drawn pin.
func NewLibrary(dir string, maxSize int, defaultRef string) *Library {
	if maxSize <= 0 {
		maxSize = 64
	}
	return &Library{
		dir:        dir,
		maxSize:    maxSize,
		defaultRef: defaultRef,
		cache:      make(map[string][]byte),
	}
}

// Icon returns the encoded icon for ref.
func (l *Library) Icon(ref string) ([]byte, string, error) {
	if ref == "" || filepath.Base(ref) != ref || ref == "." || ref == ".." {
		return nil, "", fmt.Errorf("invalid icon reference %q", ref)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if data, ok := l.cache[ref]; ok {
		return data, ContentType, nil
	}

	img, err := l.load(ref)
	if err != nil {
		return nil, "", err
	}
	data, err := Encode(img)
	if err != nil {
		return nil, "", err
	}
	l.cache[ref] = data
	return data, ContentType, nil
}

func (l *Library) load(ref string) (image.Image, error) {
	img, err := Decode(filepath.Join(l.dir, ref))
	if errors.Is(err, fs.ErrNotExist) {
		if ref == l.defaultRef {
			return Pin(l.maxSize), nil
		}
		return nil, fmt.Errorf("%w: icon %s", core.ErrNotFound, ref)
	}
	if err != nil {
		return nil, err
	}
	return Fit(img, l.maxSize, l.maxSize)
}
