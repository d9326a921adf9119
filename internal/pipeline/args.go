package pipeline

// RetrievalArgs is the argument template for a yt-dlp compatible tool writing
// the selected format to stdout. A cookie file, when given, is passed through
// untouched. extra is inserted before the output options.
func RetrievalArgs(cookiesFile string, extra ...string) []string {
	args := []string{"--quiet", "--no-warnings", "--no-playlist", "-f", "{format}"}
	if cookiesFile != "" {
		args = append(args, "--cookies", cookiesFile)
	}
	args = append(args, extra...)
	return append(args, "-o", "-", "{entry}")
}

// SegmenterArgs is the argument template for an ffmpeg compatible tool that
// reads the retrieval output from stdin and keeps a short live HLS window in
// the output directory. It expects {resolution} and {bitrate} vars.
func SegmenterArgs(extra ...string) []string {
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-re", "-i", "pipe:0",
		"-map", "0:v:0", "-map", "0:a:0?",
		"-c:v", "libx264", "-preset", "ultrafast", "-tune", "zerolatency",
		"-pix_fmt", "yuv420p",
		"-s", "{resolution}",
		"-b:v", "{bitrate}",
		"-c:a", "aac", "-b:a", "128k",
	}
	args = append(args, extra...)
	return append(args,
		"-f", "hls",
		"-hls_time", "2",
		"-hls_list_size", "5",
		"-hls_flags", "delete_segments+append_list",
		"-hls_segment_filename", "{segment_pattern}",
		"{manifest}",
	)
}

// FlatPlaylistArgs lists the entries of a playlist URL, one per line.
func FlatPlaylistArgs(cookiesFile string, extra ...string) []string {
	args := []string{"--quiet", "--no-warnings", "--flat-playlist", "--print", "url"}
	if cookiesFile != "" {
		args = append(args, "--cookies", cookiesFile)
	}
	return append(args, extra...)
}
