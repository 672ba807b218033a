package dataset

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Source is one scanned image exposed as a setup of the dataset.
type Source struct {
	ID               string `json:"id"`
	OriginalFilename string `json:"original_filename"`
	CurrentFilename  string `json:"current_filename"`
	Width            int    `json:"width"`
	Height           int    `json:"height"`
	Bands            int    `json:"bands"`
	Bytes            int64  `json:"bytes"`

	// Derived on every scan, never persisted.
	Setup  int `json:"-"`
	Levels int `json:"-"`
}

// LevelDims returns the image size at a pyramid level, rounding up.
func (s *Source) LevelDims(level int) (int, int) {
	f := 1 << level
	return (s.Width + f - 1) / f, (s.Height + f - 1) / f
}

// ProbeFunc reads width, height and band count of an image file.
type ProbeFunc func(path string) (width, height, bands int, err error)

var extensions = map[string]bool{
	".tif":  true,
	".tiff": true,
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
}

type Scanner struct {
	dataDir  string
	cellSize int
	probe    ProbeFunc
	logger   *zap.Logger

	mu      sync.RWMutex
	sources []Source
}

func New(dataDir string, cellSize int, logger *zap.Logger) *Scanner {
	return NewWithProbe(dataDir, cellSize, probeImage, logger)
}

func NewWithProbe(dataDir string, cellSize int, probe ProbeFunc, logger *zap.Logger) *Scanner {
	return &Scanner{
		dataDir:  dataDir,
		cellSize: cellSize,
		probe:    probe,
		logger:   logger,
	}
}

// NumLevels is the number of 2x pyramid levels needed until the whole image
// fits in one cell.
func NumLevels(width, height, cellSize int) int {
	maxDim := math.Max(float64(width), float64(height))
	levels := int(math.Ceil(math.Log2(maxDim/float64(cellSize)))) + 1
	if levels < 1 {
		return 1
	}
	return levels
}

func (s *Scanner) Scan() error {
	if err := s.cleanupOrphanedJSON(); err != nil {
		return err
	}

	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return fmt.Errorf("failed to read data directory: %w", err)
	}

	var sources []Source
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		path := s.getFilePath(entry.Name())
		ext := strings.ToLower(filepath.Ext(path))
		if !extensions[ext] {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			s.logger.Warn("Error getting file info", zap.String("path", path), zap.Error(err))
			continue
		}

		basename := strings.TrimSuffix(filepath.Base(path), ext)
		jsonPath := s.getFilePath(basename + ".json")

		var src *Source
		if _, err := os.Stat(jsonPath); err != nil {
			src, err = s.adopt(path, ext, info)
			if err != nil {
				s.logger.Warn("Failed to adopt image", zap.String("path", path), zap.Error(err))
				continue
			}
		} else {
			src, err = s.loadMetadata(jsonPath)
			if err != nil {
				s.logger.Warn("Failed to load metadata, skipping", zap.String("json_path", jsonPath), zap.Error(err))
				continue
			}
		}
		sources = append(sources, *src)
	}

	sort.Slice(sources, func(i, j int) bool { return sources[i].ID < sources[j].ID })
	for i := range sources {
		sources[i].Setup = i
		sources[i].Levels = NumLevels(sources[i].Width, sources[i].Height, s.cellSize)
	}

	s.mu.Lock()
	s.sources = sources
	s.mu.Unlock()

	s.logger.Info("Dataset scanned", zap.String("data_dir", s.dataDir), zap.Int("sources", len(sources)))
	return nil
}

// adopt renames a file without metadata to <uuid><ext> and writes its sidecar.
func (s *Scanner) adopt(path, ext string, info os.FileInfo) (*Source, error) {
	id := uuid.New().String()
	finalPath := s.getFilePath(id + ext)
	if err := os.Rename(path, finalPath); err != nil {
		return nil, fmt.Errorf("failed to rename file: %w", err)
	}
	s.logger.Info("Migrated file to UUID", zap.String("old_path", path), zap.String("new_path", finalPath))

	width, height, bands, err := s.probe(finalPath)
	if err != nil {
		return nil, fmt.Errorf("failed to probe image: %w", err)
	}

	src := &Source{
		ID:               id,
		OriginalFilename: filepath.Base(path),
		CurrentFilename:  filepath.Base(finalPath),
		Width:            width,
		Height:           height,
		Bands:            bands,
		Bytes:            info.Size(),
	}

	jsonPath := s.getFilePath(id + ".json")
	if err := s.saveMetadata(jsonPath, src); err != nil {
		s.logger.Warn("Failed to save metadata", zap.String("json_path", jsonPath), zap.Error(err))
	} else {
		s.logger.Info("Created metadata file", zap.String("json_path", jsonPath))
	}
	return src, nil
}

func (s *Scanner) cleanupOrphanedJSON() error {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return fmt.Errorf("failed to read data directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		path := s.getFilePath(entry.Name())
		if strings.ToLower(filepath.Ext(path)) != ".json" {
			continue
		}

		basename := strings.TrimSuffix(filepath.Base(path), ".json")

		meta, err := s.loadMetadata(path)
		switch {
		case err != nil:
			s.removeJSON(path, "Deleted invalid JSON file")
		case meta.ID != basename:
			s.logger.Warn("UUID mismatch in JSON",
				zap.String("json_path", path),
				zap.String("filename_uuid", basename),
				zap.String("json_uuid", meta.ID))
			s.removeJSON(path, "Deleted JSON with UUID mismatch")
		default:
			if _, err := os.Stat(s.getFilePath(meta.CurrentFilename)); err != nil {
				s.removeJSON(path, "Deleted orphaned JSON file")
			}
		}
	}

	return nil
}

func (s *Scanner) removeJSON(path, msg string) {
	if err := os.Remove(path); err != nil {
		s.logger.Warn("Failed to delete JSON", zap.String("path", path), zap.Error(err))
		return
	}
	s.logger.Info(msg, zap.String("path", path))
}

// Sources returns the scanned sources ordered by setup index.
func (s *Scanner) Sources() []Source {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Source(nil), s.sources...)
}

func (s *Scanner) ByID(id string) (Source, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, src := range s.sources {
		if src.ID == id {
			return src, true
		}
	}
	return Source{}, false
}

func (s *Scanner) BySetup(setup int) (Source, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if setup < 0 || setup >= len(s.sources) {
		return Source{}, false
	}
	return s.sources[setup], true
}

// MaxLevels is the largest level count over all sources.
func (s *Scanner) MaxLevels() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	levels := 1
	for _, src := range s.sources {
		if src.Levels > levels {
			levels = src.Levels
		}
	}
	return levels
}

func (s *Scanner) CellSize() int {
	return s.cellSize
}

func (s *Scanner) Path(src Source) string {
	return s.getFilePath(src.CurrentFilename)
}

func (s *Scanner) getFilePath(filename string) string {
	return filepath.Join(s.dataDir, filename)
}

func (s *Scanner) loadMetadata(path string) (*Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var meta Source
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}

	return &meta, nil
}

func (s *Scanner) saveMetadata(path string, meta *Source) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}

	return nil
}
