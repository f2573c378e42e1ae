package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Part is one deliverable file. Index is 1-based and defines delivery order.
type Part struct {
	Path      string
	SizeBytes int64
	Index     int
}

const (
	// DefaultMaxBytes is the split threshold: 1800 MiB, under the 2 GB bot upload cap.
	DefaultMaxBytes int64 = 1800 * 1024 * 1024
	// DefaultFallbackSegment is used when the artifact's duration cannot be determined.
	DefaultFallbackSegment = time.Hour

	// Target parts at 90% of the limit: stream-copy segments cut on keyframes so
	// real part sizes wander around the estimate.
	splitHeadroom = 0.9
	maxSplitDepth = 2
)

// Splitter bounds artifact size by segmenting oversized files with the tool.
type Splitter struct {
	Builder  Builder
	Runner   Runner
	MaxBytes int64
	// FallbackSegment is the segment length when neither a probe nor a hint gives a duration.
	FallbackSegment time.Duration
	Logger          *slog.Logger
}

// Split returns the parts to deliver for path.
//
// An artifact at or under MaxBytes is returned unchanged as a single part; an empty
// one too, with a warning. Larger artifacts are segmented; on success the original
// is removed and the parts are returned in order. hint is the caller's estimate of
// the media duration (for a live capture, the wall-clock recording time) and is
// used only when probing fails.
//
// If the tool succeeds but writes no parts, a *BrokenInvariantError is returned and
// the original is left on disk.
func (s *Splitter) Split(ctx context.Context, path string, hint time.Duration) ([]Part, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat artifact: %w", err)
	}
	size := info.Size()
	logger := s.logger().With(slog.String("path", path), slog.Int64("size_bytes", size))

	if size == 0 {
		logger.Warn("artifact is empty; delivering unsplit")
		return []Part{{Path: path, SizeBytes: 0, Index: 1}}, nil
	}
	if size <= s.maxBytes() {
		return []Part{{Path: path, SizeBytes: size, Index: 1}}, nil
	}

	dur := s.duration(ctx, path, hint)
	logger.Info("artifact over split threshold", slog.Int64("max_bytes", s.maxBytes()), slog.Duration("duration", dur))
	parts, err := s.segment(ctx, path, size, dur, 0)
	if err != nil {
		return nil, err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("remove split original", slog.Any("err", err))
	}
	for i := range parts {
		parts[i].Index = i + 1
	}
	logger.Info("artifact split", slog.Int("parts", len(parts)))
	return parts, nil
}

// segment splits path once and recursively re-splits any part still over the limit.
func (s *Splitter) segment(ctx context.Context, path string, size int64, dur time.Duration, depth int) ([]Part, error) {
	removeSegments(path)
	secs := s.segmentSeconds(size, dur)
	res, err := s.Runner.Run(ctx, s.Builder.Split(path, secs, SegmentPattern(path)))
	if err != nil {
		removeSegments(path)
		return nil, fmt.Errorf("split %s: %w", filepath.Base(path), err)
	}

	files, err := filepath.Glob(SegmentGlob(path))
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	if len(files) == 0 {
		reason := "tool reported success but wrote no segments"
		if tail := res.Tail(1); len(tail) > 0 {
			reason += " (last output: " + tail[0] + ")"
		}
		return nil, &BrokenInvariantError{Path: path, Reason: reason}
	}
	sort.Strings(files)

	var parts []Part
	for _, f := range files {
		fi, err := os.Stat(f)
		if err != nil {
			removeParts(parts)
			removeSegments(path)
			return nil, fmt.Errorf("stat segment: %w", err)
		}
		p := Part{Path: f, SizeBytes: fi.Size()}
		if p.SizeBytes <= s.maxBytes() {
			parts = append(parts, p)
			continue
		}
		if depth+1 >= maxSplitDepth || secs <= 1 {
			s.logger().Warn("segment still over split threshold", slog.String("path", f), slog.Int64("size_bytes", p.SizeBytes))
			parts = append(parts, p)
			continue
		}
		// Assume a roughly constant bitrate to estimate the part's duration.
		var partDur time.Duration
		if dur > 0 {
			partDur = time.Duration(float64(dur) * float64(p.SizeBytes) / float64(size))
		} else {
			partDur = time.Duration(secs) * time.Second
		}
		sub, err := s.segment(ctx, f, p.SizeBytes, partDur, depth+1)
		if err != nil {
			removeParts(parts)
			removeSegments(path)
			return nil, err
		}
		_ = os.Remove(f)
		parts = append(parts, sub...)
	}
	return parts, nil
}

// segmentSeconds picks a segment length expected to keep each part under the limit.
func (s *Splitter) segmentSeconds(size int64, dur time.Duration) int {
	n := int(math.Ceil(float64(size) / (float64(s.maxBytes()) * splitHeadroom)))
	if n < 2 {
		n = 2
	}
	if dur <= 0 {
		fb := s.FallbackSegment
		if fb <= 0 {
			fb = DefaultFallbackSegment
		}
		return int(fb.Seconds())
	}
	secs := int(dur.Seconds()) / n
	if secs < 1 {
		secs = 1
	}
	return secs
}

// duration probes the artifact, falling back to hint.
func (s *Splitter) duration(ctx context.Context, path string, hint time.Duration) time.Duration {
	if s.Builder.ProbeBinary == "" {
		return hint
	}
	res, err := s.Runner.Run(ctx, s.Builder.Probe(path))
	if err != nil {
		s.logger().Warn("duration probe failed; using hint", slog.Any("err", err), slog.Duration("hint", hint))
		return hint
	}
	for _, line := range res.Stdout() {
		if secs, err := strconv.ParseFloat(strings.TrimSpace(line), 64); err == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second))
		}
	}
	return hint
}

func (s *Splitter) maxBytes() int64 {
	if s.MaxBytes > 0 {
		return s.MaxBytes
	}
	return DefaultMaxBytes
}

func (s *Splitter) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func removeParts(parts []Part) {
	for _, p := range parts {
		_ = os.Remove(p.Path)
	}
}

// removeSegments deletes any parts previously produced from path.
func removeSegments(path string) {
	files, _ := filepath.Glob(SegmentGlob(path))
	for _, f := range files {
		_ = os.Remove(f)
	}
}
