package pipeline

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/grafov/m3u8"
)

const (
	// ManifestName is the media playlist written by the segmenter.
	ManifestName = "stream.m3u8"
	// SegmentPattern is the segmenter's output filename template.
	SegmentPattern = "stream%03d.ts"

	generationFile = ".generation"
)

// OutputDir is the shared directory written by exactly one generation at a time
// and read by the HTTP layer.
type OutputDir struct {
	path string
}

// NewOutputDir creates path if needed.
func NewOutputDir(path string) (*OutputDir, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve output dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &OutputDir{path: abs}, nil
}

// Path returns the absolute directory path.
func (d *OutputDir) Path() string { return d.path }

// ManifestPath returns the absolute manifest path.
func (d *OutputDir) ManifestPath() string { return filepath.Join(d.path, ManifestName) }

// SegmentPath returns the absolute segment filename template.
func (d *OutputDir) SegmentPath() string { return filepath.Join(d.path, SegmentPattern) }

// Reset removes the previous generation's manifest and segments and stamps
// the directory with generation. The stamp is written last so a reader never
// sees the new generation ID next to old artifacts.
func (d *OutputDir) Reset(generation string) error {
	if err := os.Remove(filepath.Join(d.path, generationFile)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove generation stamp: %w", err)
	}
	if err := d.Clean(); err != nil {
		return err
	}
	tmp := filepath.Join(d.path, generationFile+".tmp")
	if err := os.WriteFile(tmp, []byte(generation), 0o644); err != nil {
		return fmt.Errorf("write generation stamp: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(d.path, generationFile)); err != nil {
		return fmt.Errorf("commit generation stamp: %w", err)
	}
	return nil
}

// Clean deletes every manifest and segment file in the directory.
func (d *OutputDir) Clean() error {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return fmt.Errorf("read output dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !isArtifact(e.Name()) {
			continue
		}
		if err := os.Remove(filepath.Join(d.path, e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", e.Name(), err)
		}
	}
	return nil
}

func isArtifact(name string) bool {
	name = strings.TrimSuffix(name, ".tmp")
	return strings.HasSuffix(name, ".m3u8") || strings.HasSuffix(name, ".ts")
}

// Generation returns the ID the directory is currently stamped with, or ""
// when there is no stamp.
func (d *OutputDir) Generation() (string, error) {
	b, err := os.ReadFile(filepath.Join(d.path, generationFile))
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read generation stamp: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

// Ready reports whether generation's artifacts can be consumed: the directory
// carries its stamp, the manifest decodes as a media playlist with at least
// one segment, and the newest listed segment exists and is non-empty.
// A manifest that is still being written reads as not ready, not as an error.
func (d *OutputDir) Ready(generation string) (bool, error) {
	current, err := d.Generation()
	if err != nil {
		return false, err
	}
	if generation == "" || current != generation {
		return false, nil
	}

	f, err := os.Open(d.ManifestPath())
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()

	playlist, listType, err := m3u8.DecodeFrom(bufio.NewReader(f), false)
	if err != nil || listType != m3u8.MEDIA {
		return false, nil
	}
	media, ok := playlist.(*m3u8.MediaPlaylist)
	if !ok {
		return false, nil
	}

	var last *m3u8.MediaSegment
	for _, seg := range media.Segments {
		if seg == nil {
			break
		}
		last = seg
	}
	if last == nil {
		return false, nil
	}

	info, err := os.Stat(filepath.Join(d.path, filepath.Base(last.URI)))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat segment: %w", err)
	}
	return info.Size() > 0, nil
}
