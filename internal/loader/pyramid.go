package loader

import (
	"context"
	"errors"
	"fmt"

	"github.com/cshum/vipsgen/vips"
	"go.uber.org/zap"

	"voxcache/internal/dataset"
)

var ErrNoSuchSource = errors.New("no such source")

// Sources resolves setups to image files.
type Sources interface {
	BySetup(setup int) (dataset.Source, bool)
	Path(src dataset.Source) string
}

// Pyramid serves 2D images as multi-resolution volumes. Level l is the image
// downsampled by 2^l. Payloads are interleaved 8-bit samples, x fastest.
type Pyramid struct {
	sources Sources
	bands   int
	logger  *zap.Logger
}

func NewPyramid(sources Sources, bands int, logger *zap.Logger) *Pyramid {
	return &Pyramid{
		sources: sources,
		bands:   bands,
		logger:  logger,
	}
}

func (p *Pyramid) BytesPerElement() int {
	return p.bands
}

func (p *Pyramid) EmptyArray(dims []int) []byte {
	return make([]byte, PayloadSize(p, dims))
}

func (p *Pyramid) LoadArray(ctx context.Context, timepoint, setup, level int, dims []int, min []int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if timepoint != 0 {
		return nil, fmt.Errorf("timepoint %d: images have a single timepoint", timepoint)
	}
	if len(dims) != 2 || len(min) != 2 {
		return nil, fmt.Errorf("expected 2D cell, got %d dims", len(dims))
	}

	src, ok := p.sources.BySetup(setup)
	if !ok {
		return nil, fmt.Errorf("setup %d: %w", setup, ErrNoSuchSource)
	}
	if src.Bands != p.bands {
		return nil, fmt.Errorf("source %s has %d bands, loader serves %d", src.ID, src.Bands, p.bands)
	}

	// Cell region at full resolution, clipped to the image.
	factor := 1 << level
	startX := int(min[0]) * factor
	startY := int(min[1]) * factor
	width := minInt(dims[0]*factor, src.Width-startX)
	height := minInt(dims[1]*factor, src.Height-startY)
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid cell bounds at level %d", level)
	}

	// AccessRandom keeps extraction from large files cheap.
	image, err := dataset.Open(p.sources.Path(src), vips.AccessRandom)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer image.Close()

	if err := image.ExtractArea(startX, startY, width, height); err != nil {
		return nil, fmt.Errorf("failed to extract area: %w", err)
	}

	if level > 0 {
		resizeOpts := vips.DefaultResizeOptions()
		resizeOpts.Kernel = vips.KernelLanczos3
		if err := image.Resize(1/float64(factor), resizeOpts); err != nil {
			return nil, fmt.Errorf("failed to resize: %w", err)
		}
	}

	// Rounding in Resize can leave the result one pixel off the cell size.
	if image.Width() > dims[0] || image.Height() > dims[1] {
		if err := image.ExtractArea(0, 0, minInt(image.Width(), dims[0]), minInt(image.Height(), dims[1])); err != nil {
			return nil, fmt.Errorf("failed to crop: %w", err)
		}
	}
	if image.Width() < dims[0] || image.Height() < dims[1] {
		embedOpts := vips.DefaultEmbedOptions()
		embedOpts.Extend = vips.ExtendCopy
		if err := image.Embed(0, 0, dims[0], dims[1], embedOpts); err != nil {
			return nil, fmt.Errorf("failed to pad: %w", err)
		}
	}

	if err := image.Cast(vips.BandFormatUchar, vips.DefaultCastOptions()); err != nil {
		return nil, fmt.Errorf("failed to cast: %w", err)
	}

	data, err := image.RawsaveBuffer(vips.DefaultRawsaveBufferOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to export: %w", err)
	}
	if want := PayloadSize(p, dims); int64(len(data)) != want {
		return nil, fmt.Errorf("exported %d bytes, want %d", len(data), want)
	}

	p.logger.Debug("Loaded cell",
		zap.String("source_id", src.ID),
		zap.Int("level", level),
		zap.Ints("dims", dims),
		zap.Int64s("min", min))

	return data, nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
