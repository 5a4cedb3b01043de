// Package retention removes expired Parquet archive files.
//
// Archive files carry their creation time in the name
// (measurements-20260118T101500-0003.parquet). A file is expired once that
// time is older than MaxAge. The file the archive is still writing is never
// removed.
package retention

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xtxerr/sensorgw/config"
	"github.com/xtxerr/sensorgw/internal/logging"
	"github.com/xtxerr/sensorgw/internal/metrics"
	"github.com/xtxerr/sensorgw/internal/storage/parquet"
)

var log = logging.Component("retention")

// Config configures a Manager.
type Config struct {
	Dir      string
	MaxAge   time.Duration
	Interval time.Duration

	// Active returns the path currently being written, if any.
	Active func() string

	Now func() time.Time
}

// Manager handles automatic cleanup of expired archive files.
type Manager struct {
	cfg Config

	mu    sync.Mutex
	stats Stats
}

// Stats holds retention statistics.
type Stats struct {
	LastRunTime  time.Time `json:"last_run_time"`
	FilesDeleted int64     `json:"files_deleted"`
	BytesFreed   int64     `json:"bytes_freed"`
	FilesSkipped int64     `json:"files_skipped"`
	Errors       int64     `json:"errors"`
}

// CleanupResult holds the result of one cleanup run.
type CleanupResult struct {
	FilesDeleted int
	BytesFreed   int64
	FilesSkipped int
	Errors       []error
}

// New creates a retention manager.
func New(cfg Config) *Manager {
	if cfg.Interval <= 0 {
		cfg.Interval = config.DefaultRetentionInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{cfg: cfg}
}

// Run cleans up once and then every Interval until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	if m.cfg.MaxAge <= 0 {
		return
	}
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		res := m.RunCleanup()
		if res.FilesDeleted > 0 || len(res.Errors) > 0 {
			log.Info("archive cleanup", "deleted", res.FilesDeleted, "bytes_freed", res.BytesFreed, "errors", len(res.Errors))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunCleanup deletes every expired archive file.
func (m *Manager) RunCleanup() CleanupResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	res := m.cleanup(false)
	m.stats.LastRunTime = m.cfg.Now()
	m.stats.FilesDeleted += int64(res.FilesDeleted)
	m.stats.BytesFreed += res.BytesFreed
	m.stats.FilesSkipped += int64(res.FilesSkipped)
	m.stats.Errors += int64(len(res.Errors))
	return res
}

// DryRun reports what RunCleanup would delete.
func (m *Manager) DryRun() CleanupResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cleanup(true)
}

func (m *Manager) cleanup(dryRun bool) CleanupResult {
	var res CleanupResult
	if m.cfg.MaxAge <= 0 {
		return res
	}

	files, err := listFiles(m.cfg.Dir)
	if err != nil {
		if !os.IsNotExist(err) {
			res.Errors = append(res.Errors, fmt.Errorf("list files: %w", err))
		}
		return res
	}

	active := ""
	if m.cfg.Active != nil {
		active = m.cfg.Active()
	}
	cutoff := m.cfg.Now().Add(-m.cfg.MaxAge)

	for _, f := range files {
		created, err := ParseFileTime(f.name)
		if err != nil || f.path == active || created.After(cutoff) {
			res.FilesSkipped++
			continue
		}

		if !dryRun {
			if err := os.Remove(f.path); err != nil {
				res.Errors = append(res.Errors, fmt.Errorf("delete %s: %w", f.path, err))
				continue
			}
			metrics.ArchiveFilesDeleted.Inc()
			log.Debug("deleted archive file", "path", f.path, "created", created)
		}
		res.FilesDeleted++
		res.BytesFreed += f.size
	}
	return res
}

type fileInfo struct {
	name string
	path string
	size int64
}

// listFiles lists the Parquet files in dir, oldest first.
func listFiles(dir string) ([]fileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []fileInfo
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".parquet" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, fileInfo{
			name: entry.Name(),
			path: filepath.Join(dir, entry.Name()),
			size: info.Size(),
		})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].name < files[j].name
	})
	return files, nil
}

// ParseFileTime extracts the creation time from an archive file name.
func ParseFileTime(name string) (time.Time, error) {
	rest, ok := strings.CutPrefix(name, parquet.FilePrefix)
	if !ok || len(rest) < len(parquet.FileTimeLayout) {
		return time.Time{}, fmt.Errorf("not an archive file: %s", name)
	}
	return time.Parse(parquet.FileTimeLayout, rest[:len(parquet.FileTimeLayout)])
}

// Stats returns the accumulated statistics.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// DiskUsage holds disk usage information.
type DiskUsage struct {
	FileCount int   `json:"file_count"`
	TotalSize int64 `json:"total_size"`
}

// Usage returns the number and total size of archive files.
func (m *Manager) Usage() DiskUsage {
	files, err := listFiles(m.cfg.Dir)
	if err != nil {
		return DiskUsage{}
	}
	var u DiskUsage
	for _, f := range files {
		u.FileCount++
		u.TotalSize += f.size
	}
	return u
}
