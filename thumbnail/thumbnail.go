// Package thumbnail converts uploaded originals into bounded JPEG
// thumbnails. Images that fail to decode are reported per file so the
// processing pipeline can skip them.
package thumbnail

import (
	"context"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"os"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// Options contains configuration options for the generator.
type Options struct {
	// MaxSize bounds the longest thumbnail edge in pixels.
	MaxSize int

	// Quality is the JPEG encoder quality, 1-100.
	Quality int
}

// DefaultOptions contains the default generator configuration.
var DefaultOptions = Options{
	MaxSize: 512,
	Quality: 85,
}

// Generator scales images down to thumbnail size.
type Generator struct {
	opts Options
}

// New creates a thumbnail generator.
func New(optFns ...func(o *Options)) *Generator {
	opts := DefaultOptions

	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultOptions.MaxSize
	}
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = DefaultOptions.Quality
	}

	return &Generator{opts: opts}
}

// Generate decodes src, scales it to fit within MaxSize and writes a
// JPEG to dst. Images already within bounds are re-encoded unscaled.
func (g *Generator) Generate(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return fmt.Errorf("decode %s: %w", src, err)
	}

	img = g.scale(img)

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	if err := jpeg.Encode(out, img, &jpeg.Options{Quality: g.opts.Quality}); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("encode %s: %w", dst, err)
	}

	return out.Close()
}

func (g *Generator) scale(img image.Image) image.Image {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	longest := max(w, h)
	if longest <= g.opts.MaxSize {
		return img
	}

	scale := float64(g.opts.MaxSize) / float64(longest)
	dstW := max(int(float64(w)*scale), 1)
	dstH := max(int(float64(h)*scale), 1)

	dst := image.NewRGBA(image.Rect(0, 0, dstW, dstH))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)

	return dst
}
