// Package imaging turns raw 16-bit frames into displayable images plus a
// bucketed histogram, and manages the directory the images are written to.
package imaging

import (
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/image/draw"

	"github.com/cjeanneret/ccdpreview/internal/debug"
	"github.com/cjeanneret/ccdpreview/internal/device"
)

// Image formats.
const (
	FormatJPG = "jpg"
	FormatPNG = "png"
)

// Histogram bin limits.
const (
	MinBins     = 2
	MaxBins     = 256
	DefaultBins = 256
)

const jpegQuality = 90

// Settings are the runtime-adjustable histogram options.
type Settings struct {
	Bins int  `json:"bins"`
	LogY bool `json:"log_y"`
}

// Validate checks the bin count.
func (s Settings) Validate() error {
	if s.Bins < MinBins || s.Bins > MaxBins {
		return fmt.Errorf("bins must be between %d and %d, got %d", MinBins, MaxBins, s.Bins)
	}
	return nil
}

// Options configure a Converter.
type Options struct {
	WorkDir  string
	Format   string // FormatJPG or FormatPNG
	MaxWidth int    // downscale wider frames; 0 keeps the sensor size
	Settings Settings
}

// Image is a converted frame written to the work directory.
type Image struct {
	ID        string
	Filename  string // relative to the work directory
	Path      string
	Width     int
	Height    int
	Histogram []float64 // one value per bin
	BinEdges  []float64 // len(Histogram)+1 edges over 0..255
}

// Converter converts frames. Safe for concurrent use.
type Converter struct {
	workDir  string
	format   string
	maxWidth int

	mu       sync.RWMutex
	settings Settings
}

// NewConverter validates opts and creates the work directory.
func NewConverter(opts Options) (*Converter, error) {
	if opts.WorkDir == "" {
		return nil, errors.New("imaging: work dir is required")
	}
	if opts.Format == "" {
		opts.Format = FormatJPG
	}
	if opts.Format != FormatJPG && opts.Format != FormatPNG {
		return nil, fmt.Errorf("imaging: unsupported format %q", opts.Format)
	}
	if opts.MaxWidth < 0 {
		return nil, fmt.Errorf("imaging: max width must be >= 0, got %d", opts.MaxWidth)
	}
	if opts.Settings.Bins == 0 {
		opts.Settings.Bins = DefaultBins
	}
	if err := opts.Settings.Validate(); err != nil {
		return nil, fmt.Errorf("imaging: %w", err)
	}
	if err := os.MkdirAll(opts.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("imaging: create work dir: %w", err)
	}
	return &Converter{
		workDir:  opts.WorkDir,
		format:   opts.Format,
		maxWidth: opts.MaxWidth,
		settings: opts.Settings,
	}, nil
}

// WorkDir returns the directory images are written to.
func (c *Converter) WorkDir() string {
	return c.workDir
}

// Settings returns the current histogram options.
func (c *Converter) Settings() Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings
}

// SetSettings replaces the histogram options for subsequent conversions.
func (c *Converter) SetSettings(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.settings = s
	c.mu.Unlock()
	debug.Verbose("imaging: histogram settings bins=%d log_y=%v", s.Bins, s.LogY)
	return nil
}

// Convert stretches frame to 8 bits, computes its histogram, downscales it
// if needed and writes it to the work directory.
func (c *Converter) Convert(frame device.RawFrame) (Image, error) {
	if frame.Width <= 0 || frame.Height <= 0 || len(frame.Pixels) != frame.Width*frame.Height {
		return Image{}, fmt.Errorf("imaging: malformed frame %dx%d with %d pixels", frame.Width, frame.Height, len(frame.Pixels))
	}
	settings := c.Settings()

	gray := stretch(frame)
	hist, edges := histogram(gray.Pix, settings.Bins, settings.LogY)

	var img image.Image = gray
	if c.maxWidth > 0 && frame.Width > c.maxWidth {
		img = downscale(gray, c.maxWidth)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Image{}, fmt.Errorf("imaging: image id: %w", err)
	}
	name := fmt.Sprintf("image-%s.%s", id, c.format)
	path := filepath.Join(c.workDir, name)
	if err := c.write(path, img); err != nil {
		return Image{}, err
	}

	b := img.Bounds()
	debug.Verbose("imaging: %s %dx%d -> %s", frame.Device, frame.Width, frame.Height, name)
	return Image{
		ID:        id.String(),
		Filename:  name,
		Path:      path,
		Width:     b.Dx(),
		Height:    b.Dy(),
		Histogram: hist,
		BinEdges:  edges,
	}, nil
}

func (c *Converter) write(path string, img image.Image) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("imaging: create %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("imaging: close %s: %w", path, cerr)
		}
		if err != nil {
			_ = os.Remove(path)
		}
	}()

	switch c.format {
	case FormatPNG:
		err = png.Encode(f, img)
	default:
		err = jpeg.Encode(f, img, &jpeg.Options{Quality: jpegQuality})
	}
	if err != nil {
		return fmt.Errorf("imaging: encode %s: %w", path, err)
	}
	return nil
}

// CleanCache removes every generated image and returns how many were removed.
func (c *Converter) CleanCache() (int, error) {
	var removed int
	for _, ext := range []string{FormatJPG, FormatPNG} {
		matches, err := filepath.Glob(filepath.Join(c.workDir, "image-*."+ext))
		if err != nil {
			return removed, err
		}
		for _, m := range matches {
			if err := os.Remove(m); err != nil && !errors.Is(err, os.ErrNotExist) {
				return removed, fmt.Errorf("imaging: remove %s: %w", m, err)
			}
			removed++
		}
	}
	debug.Info("imaging: removed %d cached images from %s", removed, c.workDir)
	return removed, nil
}

// stretch maps the frame's min..max linearly onto 0..255.
func stretch(frame device.RawFrame) *image.Gray {
	lo, hi := uint16(math.MaxUint16), uint16(0)
	for _, v := range frame.Pixels {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	gray := image.NewGray(image.Rect(0, 0, frame.Width, frame.Height))
	if hi == lo {
		return gray
	}
	span := float64(hi - lo)
	for i, v := range frame.Pixels {
		gray.Pix[i] = uint8(math.Round(float64(v-lo) * 255 / span))
	}
	return gray
}

// histogram buckets 8-bit values into bins equal-width bins over 0..255.
func histogram(pix []uint8, bins int, logY bool) (counts, edges []float64) {
	raw := make([]int, bins)
	for _, v := range pix {
		raw[int(v)*bins/256]++
	}
	counts = make([]float64, bins)
	for i, n := range raw {
		if logY {
			counts[i] = math.Log10(1 + float64(n))
		} else {
			counts[i] = float64(n)
		}
	}
	edges = make([]float64, bins+1)
	for i := range edges {
		edges[i] = float64(i) * 255 / float64(bins)
	}
	return counts, edges
}

func downscale(src *image.Gray, maxWidth int) *image.Gray {
	b := src.Bounds()
	height := max(1, b.Dy()*maxWidth/b.Dx())
	dst := image.NewGray(image.Rect(0, 0, maxWidth, height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}
