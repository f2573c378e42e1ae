package dispatch

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// SweepPolicy controls the startup cleanup of DataDir.
type SweepPolicy struct {
	// QuarantineMaxAge removes quarantined artifacts older than this; 0 keeps them.
	QuarantineMaxAge time.Duration
	// DryRun logs what would be removed without removing it.
	DryRun bool
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	Removed     int
	Quarantined int
	Bytes       int64
}

// Sweep removes artifacts left behind by a previous process that died mid-job:
// captures, split parts and history dumps in dataDir. Quarantined files are only
// removed once older than policy.QuarantineMaxAge. It must run before any job starts.
func Sweep(dataDir string, policy SweepPolicy, logger *slog.Logger) (SweepReport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "sweep"), slog.Bool("dry_run", policy.DryRun))
	var rep SweepReport

	entries, err := os.ReadDir(dataDir)
	if errors.Is(err, os.ErrNotExist) {
		return rep, nil
	}
	if err != nil {
		return rep, fmt.Errorf("read data dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !staleArtifact(e.Name()) {
			continue
		}
		if sweepFile(filepath.Join(dataDir, e.Name()), policy.DryRun, logger, &rep.Bytes) {
			rep.Removed++
		}
	}

	if policy.QuarantineMaxAge > 0 {
		qdir := filepath.Join(dataDir, QuarantineDir)
		entries, err := os.ReadDir(qdir)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return rep, fmt.Errorf("read quarantine dir: %w", err)
		}
		cutoff := time.Now().Add(-policy.QuarantineMaxAge)
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			info, err := e.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			if sweepFile(filepath.Join(qdir, e.Name()), policy.DryRun, logger, &rep.Bytes) {
				rep.Quarantined++
			}
		}
	}

	if rep.Removed > 0 || rep.Quarantined > 0 {
		logger.Info("stale artifacts swept", slog.Int("removed", rep.Removed), slog.Int("quarantined", rep.Quarantined), slog.Int64("bytes", rep.Bytes))
	}
	return rep, nil
}

func staleArtifact(name string) bool {
	return strings.HasPrefix(name, "capture_") ||
		(strings.HasPrefix(name, "captures-") && strings.HasSuffix(name, ".csv"))
}

func sweepFile(path string, dryRun bool, logger *slog.Logger, bytes *int64) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	if dryRun {
		logger.Info("would remove stale artifact", slog.String("path", path), slog.Int64("size_bytes", info.Size()))
		*bytes += info.Size()
		return true
	}
	if err := os.Remove(path); err != nil {
		logger.Warn("remove stale artifact", slog.String("path", path), slog.Any("err", err))
		return false
	}
	logger.Debug("removed stale artifact", slog.String("path", path))
	*bytes += info.Size()
	return true
}
