package icon

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OCAP2/locsync/pkg/core"
)

func solid(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
}

func TestFitSize(t *testing.T) {
	tests := []struct {
		name         string
		w, h, tw, th int
		wantW, wantH int
	}{
		{"wide image shrinks to width", 200, 100, 50, 50, 50, 25},
		{"tall image shrinks to height", 100, 200, 50, 50, 25, 50},
		{"small image grows", 10, 20, 40, 40, 20, 40},
		{"same ratio", 64, 64, 32, 32, 32, 32},
		{"never below one pixel", 1000, 1, 10, 10, 10, 1},
		{"empty", 0, 10, 10, 10, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, h := FitSize(tt.w, tt.h, tt.tw, tt.th)
			assert.Equal(t, tt.wantW, w)
			assert.Equal(t, tt.wantH, h)
		})
	}
}

func TestFit(t *testing.T) {
	img, err := Fit(solid(120, 60, color.RGBA{R: 255, A: 255}), 30, 30)

	require.NoError(t, err)
	assert.Equal(t, 30, img.Bounds().Dx())
	assert.Equal(t, 15, img.Bounds().Dy())
	r, _, _, a := img.At(15, 7).RGBA()
	assert.Equal(t, uint32(0xffff), r)
	assert.Equal(t, uint32(0xffff), a)
}

func TestFit_EmptyImage(t *testing.T) {
	_, err := Fit(image.NewRGBA(image.Rect(0, 0, 0, 0)), 10, 10)

	assert.Error(t, err)
}

func TestLabel(t *testing.T) {
	src := solid(16, 16, color.RGBA{B: 255, A: 255})

	img, err := Label(src, "alice@example.com")

	require.NoError(t, err)
	assert.Greater(t, img.Bounds().Dy(), 16)
	assert.Greater(t, img.Bounds().Dx(), 16, "strip widens for long labels")

	dark := 0
	for y := 16; y < img.Bounds().Dy(); y++ {
		for x := 0; x < img.Bounds().Dx(); x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			if r < 0x8000 && g < 0x8000 && b < 0x8000 {
				dark++
			}
		}
	}
	assert.Greater(t, dark, 0, "label text drawn")
}

func TestPin(t *testing.T) {
	img := Pin(32)

	_, _, _, cornerA := img.At(0, 0).RGBA()
	assert.Zero(t, cornerA)
	r, g, _, _ := img.At(16, 16).RGBA()
	assert.Equal(t, uint32(0xffff), r)
	assert.Equal(t, uint32(0xffff), g)
	r, g, _, _ = img.At(16, 3).RGBA()
	assert.Greater(t, r, g)
}

func TestResizeFile(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.png")
	out := filepath.Join(dir, "out.png")
	writePNG(t, in, solid(100, 50, color.White))

	require.NoError(t, ResizeFile(in, out, 20, 20, ""))

	img, err := Decode(out)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 20, 10), img.Bounds())
}

func TestLibrary(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "car.png"), solid(128, 64, color.Black))
	lib := NewLibrary(dir, 32, "pin2X.png")

	data, contentType, err := lib.Icon("car.png")
	require.NoError(t, err)
	assert.Equal(t, ContentType, contentType)

	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 32, 16), img.Bounds())

	// cached even after the file is gone
	require.NoError(t, os.Remove(filepath.Join(dir, "car.png")))
	again, _, err := lib.Icon("car.png")
	require.NoError(t, err)
	assert.Equal(t, data, again)
}

func TestLibrary_DefaultPin(t *testing.T) {
	lib := NewLibrary(t.TempDir(), 24, "pin2X.png")

	data, _, err := lib.Icon("pin2X.png")
	require.NoError(t, err)

	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 24, 24), img.Bounds())
}

func TestLibrary_Errors(t *testing.T) {
	lib := NewLibrary(t.TempDir(), 24, "pin2X.png")

	_, _, err := lib.Icon("other.png")
	assert.ErrorIs(t, err, core.ErrNotFound)

	for _, ref := range []string{"", "../secret.png", "a/b.png", ".."} {
		_, _, err := lib.Icon(ref)
		assert.Error(t, err, ref)
	}
}
