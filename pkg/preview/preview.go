// Package preview converts frames to 8-bit images for autosave and loads
// stored frames back for offline registration.
package preview

import (
	"fmt"
	"image"
	"image/color"
	_ "image/png"
	"math"
	"os"
	"path/filepath"

	"golang.org/x/image/tiff"
	"gonum.org/v1/gonum/floats"

	"nanodriftguard/internal/models"
)

// ToGray converts a frame to an 8-bit image. Values are clamped to [0,1]
// unless stretch is set, in which case the frame's own range is used.
func ToGray(f models.Frame, stretch bool) *image.Gray {
	lo, hi := 0.0, 1.0
	if stretch && len(f.Data) > 0 {
		lo, hi = floats.Min(f.Data), floats.Max(f.Data)
	}
	span := hi - lo
	img := image.NewGray(image.Rect(0, 0, f.Cols, f.Rows))
	for r := 0; r < f.Rows; r++ {
		for c := 0; c < f.Cols; c++ {
			v := 0.0
			if span > 0 {
				v = (f.At(r, c) - lo) / span
			}
			img.SetGray(c, r, color.Gray{Y: uint8(math.Round(math.Max(0, math.Min(1, v)) * 255))})
		}
	}
	return img
}

// FromImage converts any image to a frame of luminance values in [0,1]
func FromImage(img image.Image) models.Frame {
	b := img.Bounds()
	f := models.NewFrame(b.Dy(), b.Dx())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			g := color.Gray16Model.Convert(img.At(x, y)).(color.Gray16)
			f.Set(y-b.Min.Y, x-b.Min.X, float64(g.Y)/65535)
		}
	}
	return f
}

// Normalize rescales a frame in place to span [0,1]. A flat frame becomes zero.
func Normalize(f models.Frame) {
	if len(f.Data) == 0 {
		return
	}
	lo, hi := floats.Min(f.Data), floats.Max(f.Data)
	floats.AddConst(-lo, f.Data)
	if hi > lo {
		floats.Scale(1/(hi-lo), f.Data)
	}
}

// Crop extracts the rows×cols region starting at (row, col)
func Crop(f models.Frame, row, col, rows, cols int) (models.Frame, error) {
	if row < 0 || col < 0 {
		return models.Frame{}, fmt.Errorf("region origin must be non-negative")
	}
	if rows <= 0 || cols <= 0 {
		return models.Frame{}, fmt.Errorf("region size must be positive")
	}
	if row+rows > f.Rows || col+cols > f.Cols {
		return models.Frame{}, fmt.Errorf("region %dx%d at (%d,%d) extends beyond %dx%d frame", rows, cols, row, col, f.Rows, f.Cols)
	}
	out := models.NewFrame(rows, cols)
	for r := 0; r < rows; r++ {
		copy(out.Data[r*cols:(r+1)*cols], f.Data[(row+r)*f.Cols+col:(row+r)*f.Cols+col+cols])
	}
	return out, nil
}

// SaveTIFF writes a frame as an 8-bit grayscale TIFF
func SaveTIFF(path string, f models.Frame) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := tiff.Encode(file, ToGray(f, false), &tiff.Options{Compression: tiff.Deflate}); err != nil {
		file.Close()
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return file.Close()
}

// LoadFrame decodes a TIFF or PNG file into a frame
func LoadFrame(path string) (models.Frame, error) {
	file, err := os.Open(path)
	if err != nil {
		return models.Frame{}, err
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return models.Frame{}, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return FromImage(img), nil
}

// Autosaver writes every Nth frame it is offered into Dir
type Autosaver struct {
	Dir   string
	Every int

	seen  int
	saved int
}

// NewAutosaver creates the output directory. every below 1 saves every frame.
func NewAutosaver(dir string, every int) (*Autosaver, error) {
	if every < 1 {
		every = 1
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create image directory: %w", err)
	}
	return &Autosaver{Dir: dir, Every: every}, nil
}

// Offer saves the frame if it is due and returns the file name, or "" when skipped
func (a *Autosaver) Offer(f models.Frame) (string, error) {
	a.seen++
	if (a.seen-1)%a.Every != 0 {
		return "", nil
	}
	a.saved++
	name := fmt.Sprintf("frame_%06d.tif", a.saved)
	if err := SaveTIFF(filepath.Join(a.Dir, name), f); err != nil {
		return "", err
	}
	return name, nil
}
