package logger

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rileyhilliard/keyfleet/internal/errors"
)

// Retention bounds how many per-run log files pile up in a log directory.
// A zero field disables that rule.
// Priority: MaxSizeMB > KeepDays > KeepRuns
type Retention struct {
	KeepRuns  int // earlier run logs to keep
	KeepDays  int
	MaxSizeMB int
}

// Enabled reports whether any rule is set.
func (r Retention) Enabled() bool {
	return r.KeepRuns > 0 || r.KeepDays > 0 || r.MaxSizeMB > 0
}

// logFile is a run log with metadata for cleanup decisions.
type logFile struct {
	path    string
	modTime time.Time
	size    int64
}

// Cleanup removes old run logs from dir according to r and returns the
// paths it deleted. Only files named the way FileName names them are
// touched. Call it before New so the current run's file is never a candidate.
func Cleanup(dir string, r Retention, now time.Time) ([]string, error) {
	if dir == "" || !r.Enabled() {
		return nil, nil
	}

	files, err := listLogFiles(dir)
	if err != nil {
		return nil, err
	}

	// Oldest first.
	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.Before(files[j].modTime)
	})

	var removed []string
	remove := func(f logFile) error {
		if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
			return errors.WrapWithCode(err, errors.ErrConfig,
				"Can't delete old log file "+f.path,
				"Check your permissions, or pass --no_log_file.")
		}
		removed = append(removed, f.path)
		return nil
	}

	// Priority 1: MaxSizeMB
	if r.MaxSizeMB > 0 {
		maxBytes := int64(r.MaxSizeMB) * 1024 * 1024
		var total int64
		for _, f := range files {
			total += f.size
		}
		for total > maxBytes && len(files) > 0 {
			if err := remove(files[0]); err != nil {
				return removed, err
			}
			total -= files[0].size
			files = files[1:]
		}
	}

	// Priority 2: KeepDays
	if r.KeepDays > 0 {
		cutoff := now.Add(-time.Duration(r.KeepDays) * 24 * time.Hour)
		for len(files) > 0 && files[0].modTime.Before(cutoff) {
			if err := remove(files[0]); err != nil {
				return removed, err
			}
			files = files[1:]
		}
	}

	// Priority 3: KeepRuns
	if r.KeepRuns > 0 && len(files) > r.KeepRuns {
		for _, f := range files[:len(files)-r.KeepRuns] {
			if err := remove(f); err != nil {
				return removed, err
			}
		}
	}

	return removed, nil
}

func listLogFiles(dir string) ([]logFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.WrapWithCode(err, errors.ErrConfig,
			"Can't read log directory "+dir,
			"Check --log_dir and your permissions.")
	}

	var files []logFile
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, FilePrefix) || !strings.HasSuffix(name, ".log") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue // Skip entries we can't stat
		}
		files = append(files, logFile{
			path:    filepath.Join(dir, name),
			modTime: info.ModTime(),
			size:    info.Size(),
		})
	}
	return files, nil
}
