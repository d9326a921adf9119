package orchestrator

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Resolver expands a remote playlist source into its entries.
type Resolver interface {
	Resolve(ctx context.Context, source string) ([]Entry, error)
}

// CommandResolver runs a yt-dlp compatible tool that prints one entry per line.
type CommandResolver struct {
	Path string
	Args []string
}

// Resolve implements Resolver. A source that lists nothing is treated as a
// single entry, which is how single videos come back from flat listing.
func (c CommandResolver) Resolve(ctx context.Context, source string) ([]Entry, error) {
	args := append(append([]string(nil), c.Args...), source)
	cmd := exec.CommandContext(ctx, c.Path, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, fmt.Errorf("resolve %s: %w: %s", source, err, msg)
		}
		return nil, fmt.Errorf("resolve %s: %w", source, err)
	}
	entries, err := parseLines(bytes.NewReader(out))
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return []Entry{Entry(source)}, nil
	}
	return entries, nil
}

type playlistFile struct {
	Entries []Entry `yaml:"entries"`
}

// LoadPlaylist builds a playlist from source. A .yaml or .yml file holds
// either an "entries" list or a bare list; any other existing file holds one
// entry per line, with # comments. Everything else goes to resolver.
func LoadPlaylist(ctx context.Context, source string, resolver Resolver) (*Playlist, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return nil, errors.New("playlist source is empty")
	}

	var (
		entries []Entry
		err     error
	)
	if info, statErr := os.Stat(source); statErr == nil && !info.IsDir() {
		entries, err = readPlaylistFile(source)
	} else {
		if resolver == nil {
			return nil, fmt.Errorf("no resolver for playlist source %q", source)
		}
		entries, err = resolver.Resolve(ctx, source)
	}
	if err != nil {
		return nil, err
	}
	return NewPlaylist(entries)
}

func readPlaylistFile(path string) ([]Entry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read playlist: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var doc yaml.Node
		if err := yaml.Unmarshal(b, &doc); err != nil {
			return nil, fmt.Errorf("parse playlist %s: %w", path, err)
		}
		if len(doc.Content) == 0 {
			return nil, nil
		}
		var entries []Entry
		if doc.Content[0].Kind == yaml.SequenceNode {
			err = doc.Content[0].Decode(&entries)
		} else {
			var f playlistFile
			err = doc.Content[0].Decode(&f)
			entries = f.Entries
		}
		if err != nil {
			return nil, fmt.Errorf("parse playlist %s: %w", path, err)
		}
		return compact(entries), nil
	default:
		return parseLines(bytes.NewReader(b))
	}
}

func parseLines(r io.Reader) ([]Entry, error) {
	var entries []Entry
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		entries = append(entries, Entry(line))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read playlist lines: %w", err)
	}
	return entries, nil
}

func compact(entries []Entry) []Entry {
	out := entries[:0]
	for _, e := range entries {
		if s := strings.TrimSpace(string(e)); s != "" {
			out = append(out, Entry(s))
		}
	}
	return out
}
