package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mediaManifest = "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:2\n#EXT-X-MEDIA-SEQUENCE:0\n" +
	"#EXTINF:2.0,\nstream000.ts\n#EXTINF:2.0,\nstream001.ts\n"

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func TestOutputDir_Ready(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, d *OutputDir)
		gen   string
		want  bool
	}{
		{
			name:  "unstamped",
			setup: func(t *testing.T, d *OutputDir) {},
			gen:   "g1",
		},
		{
			name: "no manifest yet",
			setup: func(t *testing.T, d *OutputDir) {
				require.NoError(t, d.Reset("g1"))
			},
			gen: "g1",
		},
		{
			name: "other generation",
			setup: func(t *testing.T, d *OutputDir) {
				require.NoError(t, d.Reset("g0"))
				writeFile(t, d.Path(), ManifestName, mediaManifest)
				writeFile(t, d.Path(), "stream001.ts", "data")
			},
			gen: "g1",
		},
		{
			name: "manifest without segments",
			setup: func(t *testing.T, d *OutputDir) {
				require.NoError(t, d.Reset("g1"))
				writeFile(t, d.Path(), ManifestName, "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:2\n")
			},
			gen: "g1",
		},
		{
			name: "truncated manifest",
			setup: func(t *testing.T, d *OutputDir) {
				require.NoError(t, d.Reset("g1"))
				writeFile(t, d.Path(), ManifestName, "#EXT")
			},
			gen: "g1",
		},
		{
			name: "listed segment missing",
			setup: func(t *testing.T, d *OutputDir) {
				require.NoError(t, d.Reset("g1"))
				writeFile(t, d.Path(), ManifestName, mediaManifest)
				writeFile(t, d.Path(), "stream000.ts", "data")
			},
			gen: "g1",
		},
		{
			name: "listed segment empty",
			setup: func(t *testing.T, d *OutputDir) {
				require.NoError(t, d.Reset("g1"))
				writeFile(t, d.Path(), ManifestName, mediaManifest)
				writeFile(t, d.Path(), "stream001.ts", "")
			},
			gen: "g1",
		},
		{
			name: "ready",
			setup: func(t *testing.T, d *OutputDir) {
				require.NoError(t, d.Reset("g1"))
				writeFile(t, d.Path(), ManifestName, mediaManifest)
				writeFile(t, d.Path(), "stream000.ts", "data")
				writeFile(t, d.Path(), "stream001.ts", "data")
			},
			gen:  "g1",
			want: true,
		},
		{
			name: "empty generation never ready",
			setup: func(t *testing.T, d *OutputDir) {
				writeFile(t, d.Path(), ManifestName, mediaManifest)
				writeFile(t, d.Path(), "stream001.ts", "data")
			},
			gen: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := NewOutputDir(t.TempDir())
			require.NoError(t, err)
			tt.setup(t, d)
			got, err := d.Ready(tt.gen)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOutputDir_Reset_replaces_generation(t *testing.T) {
	d, err := NewOutputDir(filepath.Join(t.TempDir(), "nested", "hls"))
	require.NoError(t, err)

	gen, err := d.Generation()
	require.NoError(t, err)
	assert.Empty(t, gen)

	require.NoError(t, d.Reset("first"))
	writeFile(t, d.Path(), ManifestName, mediaManifest)
	writeFile(t, d.Path(), "stream001.ts", "data")
	ok, err := d.Ready("first")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, d.Reset("second"))
	gen, err = d.Generation()
	require.NoError(t, err)
	assert.Equal(t, "second", gen)

	_, err = os.Stat(d.ManifestPath())
	assert.True(t, os.IsNotExist(err))
	ok, err = d.Ready("first")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOutputDir_paths(t *testing.T) {
	dir := t.TempDir()
	d, err := NewOutputDir(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "stream.m3u8"), d.ManifestPath())
	assert.Equal(t, filepath.Join(dir, "stream%03d.ts"), d.SegmentPath())
}

func TestTailBuffer(t *testing.T) {
	var tb tailBuffer
	_, _ = tb.Write([]byte("one\n\ntwo\nthree\n"))
	_, _ = tb.Write([]byte("four"))
	assert.Equal(t, "two | three | four", tb.Lines(3))

	big := make([]byte, tailLimit*2)
	for i := range big {
		big[i] = 'x'
	}
	_, _ = tb.Write(big)
	assert.Len(t, tb.buf, tailLimit)
}

func TestOutcomeOf(t *testing.T) {
	h := NewHandle(1, "e")
	assert.Equal(t, Running, OutcomeOf(h).Kind)
	h.setRunning()
	assert.Equal(t, StateRunning, h.State())

	h.finish(StateFailed, ErrPipelineCrashed)
	out := OutcomeOf(h)
	assert.Equal(t, Failed, out.Kind)
	assert.ErrorIs(t, out.Err, ErrPipelineCrashed)

	// terminal states are sticky
	h.finish(StateFinished, nil)
	assert.Equal(t, StateFailed, h.State())
	select {
	case <-h.Done():
	default:
		t.Fatal("done should be closed")
	}
}
