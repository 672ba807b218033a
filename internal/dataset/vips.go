package dataset

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/cshum/vipsgen/vips"
)

// Open loads an image with the vips loader matching its file extension.
func Open(path string, access vips.Access) (*vips.Image, error) {
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".tif", ".tiff":
		opts := vips.DefaultTiffloadOptions()
		opts.Access = access
		return vips.NewTiffload(path, opts)
	case ".jpg", ".jpeg":
		opts := vips.DefaultJpegloadOptions()
		opts.Access = access
		return vips.NewJpegload(path, opts)
	case ".png":
		opts := vips.DefaultPngloadOptions()
		opts.Access = access
		return vips.NewPngload(path, opts)
	case ".webp":
		opts := vips.DefaultWebploadOptions()
		opts.Access = access
		return vips.NewWebpload(path, opts)
	default:
		return nil, fmt.Errorf("unsupported image format: %s", ext)
	}
}

func probeImage(path string) (int, int, int, error) {
	// Only the header is needed.
	image, err := Open(path, vips.AccessSequential)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("failed to open image: %w", err)
	}
	defer image.Close()

	return image.Width(), image.Height(), image.Bands(), nil
}
