package orchestrator

import (
	"sync"

	"github.com/grafov/m3u8"
)

const (
	placeholderWindow         = 3
	placeholderTargetDuration = 2
)

var placeholder = sync.OnceValue(func() string {
	p, err := m3u8.NewMediaPlaylist(placeholderWindow, placeholderWindow)
	if err != nil {
		return "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-MEDIA-SEQUENCE:0\n#EXT-X-TARGETDURATION:2\n"
	}
	p.TargetDuration = placeholderTargetDuration
	return p.Encode().String()
})

// PlaceholderManifest is an open media playlist without segments. It is
// served in place of the real manifest while a generation is loading, so
// players keep polling instead of failing on 404 or replaying stale segments.
func PlaceholderManifest() string {
	return placeholder()
}
