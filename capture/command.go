// Package capture wraps the external media tool (ffmpeg/ffprobe): it builds tool
// invocations, runs them as child processes while draining their output, and
// splits oversized artifacts into size-bounded parts.
//
// Nothing in this package re-encodes media. Every invocation it builds uses
// stream copy (-c copy) so a capture is a byte-level remux of the source.
package capture

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// Invocation is a single external tool call. It is built fresh per call and never mutated.
type Invocation struct {
	Binary string
	Args   []string
}

// String renders the invocation for logs.
func (inv Invocation) String() string {
	return inv.Binary + " " + strings.Join(inv.Args, " ")
}

// Builder constructs capture, split and probe invocations.
type Builder struct {
	// Binary is the capture/mux tool (ffmpeg).
	Binary string
	// ProbeBinary is the duration probe tool (ffprobe).
	ProbeBinary string
	// Format is the ffmpeg muxer name used for capture and segment output (e.g. matroska).
	Format string
}

// NewBuilder returns a Builder with ffmpeg defaults for any empty field.
func NewBuilder(binary, probeBinary, format string) Builder {
	if binary == "" {
		binary = "ffmpeg"
	}
	if probeBinary == "" {
		probeBinary = "ffprobe"
	}
	if format == "" {
		format = "matroska"
	}
	return Builder{Binary: binary, ProbeBinary: probeBinary, Format: format}
}

// Capture copies every stream of sourceURL into outputPath, overwriting it.
// The URL is passed through untouched; callers validate the scheme first.
func (b Builder) Capture(sourceURL, outputPath string) Invocation {
	return Invocation{
		Binary: b.Binary,
		Args: []string{
			"-hide_banner",
			"-i", sourceURL,
			"-c", "copy",
			"-map", "0",
			"-f", b.Format,
			"-y", outputPath,
		},
	}
}

// Split segments inputPath into fixed-duration parts named after pattern
// (a printf-style pattern, see SegmentPattern).
func (b Builder) Split(inputPath string, segmentSeconds int, pattern string) Invocation {
	return Invocation{
		Binary: b.Binary,
		Args: []string{
			"-hide_banner",
			"-i", inputPath,
			"-c", "copy",
			"-map", "0",
			"-f", "segment",
			"-segment_time", strconv.Itoa(segmentSeconds),
			"-segment_format", b.Format,
			"-reset_timestamps", "1",
			"-y", pattern,
		},
	}
}

// Probe asks ffprobe for the container duration in seconds, printed alone on stdout.
func (b Builder) Probe(path string) Invocation {
	return Invocation{
		Binary: b.ProbeBinary,
		Args: []string{
			"-v", "error",
			"-show_entries", "format=duration",
			"-of", "default=noprint_wrappers=1:nokey=1",
			path,
		},
	}
}

// Extension returns the file extension (with dot) for the configured container.
func (b Builder) Extension() string { return ExtensionFor(b.Format) }

// ExtensionFor maps an ffmpeg muxer name to a file extension.
func ExtensionFor(format string) string {
	switch strings.ToLower(format) {
	case "matroska", "mkv":
		return ".mkv"
	case "mp4", "mov":
		return ".mp4"
	case "mpegts", "ts":
		return ".ts"
	case "webm":
		return ".webm"
	case "flv":
		return ".flv"
	default:
		return "." + strings.ToLower(format)
	}
}

const partMarker = "_part"

// SegmentPattern returns the deterministic, sequence-numbered output pattern for
// splitting inputPath: <dir>/<base>_part%03d<ext>.
func SegmentPattern(inputPath string) string {
	ext := filepath.Ext(inputPath)
	base := strings.TrimSuffix(inputPath, ext)
	return base + partMarker + "%03d" + ext
}

// SegmentGlob matches exactly the files SegmentPattern(inputPath) produces, and
// nothing produced by splitting one of those parts again.
func SegmentGlob(inputPath string) string {
	ext := filepath.Ext(inputPath)
	base := strings.TrimSuffix(inputPath, ext)
	return globEscape(base) + partMarker + "[0-9][0-9][0-9]" + globEscape(ext)
}

// SegmentPath returns the path of segment n (0-based, as ffmpeg numbers them).
func SegmentPath(inputPath string, n int) string {
	return fmt.Sprintf(SegmentPattern(strings.ReplaceAll(inputPath, "%", "%%")), n)
}

func globEscape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`)
	return r.Replace(s)
}
