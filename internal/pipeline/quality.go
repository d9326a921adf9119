package pipeline

import (
	"fmt"
	"sort"
	"strings"
)

// DefaultQuality is used when no preset or an unknown preset is requested.
const DefaultQuality = "720p"

// Quality selects the source format and the encoded output size.
type Quality struct {
	Name       string
	Format     string
	Resolution string
	Bitrate    string
}

var qualities = map[string]Quality{
	"1080p": preset("1080p", 1080, "1920x1080", "4000k"),
	"720p":  preset("720p", 720, "1280x720", "2500k"),
	"480p":  preset("480p", 480, "854x480", "1000k"),
	"360p":  preset("360p", 360, "640x360", "700k"),
}

func preset(name string, height int, resolution, bitrate string) Quality {
	return Quality{
		Name:       name,
		Format:     fmt.Sprintf("bestvideo[height<=%d]+bestaudio/best[height<=%d]", height, height),
		Resolution: resolution,
		Bitrate:    bitrate,
	}
}

// LookupQuality returns the named preset. ok is false for unknown names, in
// which case the default preset is returned.
func LookupQuality(name string) (q Quality, ok bool) {
	q, ok = qualities[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return qualities[DefaultQuality], false
	}
	return q, true
}

// QualityNames lists the presets, highest first.
func QualityNames() []string {
	names := make([]string, 0, len(qualities))
	for n := range qualities {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool {
		return len(names[i]) > len(names[j]) || (len(names[i]) == len(names[j]) && names[i] > names[j])
	})
	return names
}

// Vars returns the argument template variables for this preset.
func (q Quality) Vars() map[string]string {
	return map[string]string{
		"format":     q.Format,
		"resolution": q.Resolution,
		"bitrate":    q.Bitrate,
	}
}
