package journal

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vAudience/vertx-stomp/internal/logging"
)

// RetentionPolicy bounds how many journal segments are retained on disk.
type RetentionPolicy struct {
	MaxSegments int
	MaxAge      time.Duration
}

// StorageStats summarises the disk footprint of retained journal segments.
type StorageStats struct {
	Segments  int
	Headers   int
	Bytes     int64
	LastSweep time.Time
}

// Cleaner periodically prunes journal segments according to a retention
// policy, run alongside a Writer producing fresh segments.
type Cleaner struct {
	mu     sync.RWMutex
	dir    string
	policy RetentionPolicy
	log    *logging.Logger
	now    func() time.Time
	stats  StorageStats
}

// NewCleaner constructs a cleaner for the given journal root directory.
func NewCleaner(dir string, policy RetentionPolicy, logger *logging.Logger) *Cleaner {
	if logger == nil {
		logger = logging.L()
	}
	return &Cleaner{dir: dir, policy: policy, log: logger, now: time.Now}
}

// Run executes retention sweeps on interval until ctx is cancelled.
func (c *Cleaner) Run(ctx context.Context, interval time.Duration) {
	if c == nil || ctx == nil {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	c.sweep()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// RunOnce performs a single retention sweep.
func (c *Cleaner) RunOnce() {
	if c == nil {
		return
	}
	c.sweep()
}

// Stats returns the storage statistics observed by the last sweep.
func (c *Cleaner) Stats() StorageStats {
	if c == nil {
		return StorageStats{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

type segment struct {
	name    string
	paths   []string
	headers []string
	size    int64
	modTime time.Time
	isDir   bool
}

func (c *Cleaner) sweep() {
	if c == nil || strings.TrimSpace(c.dir) == "" {
		return
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		c.log.Warn("journal retention scan failed", logging.Error(err), logging.String("directory", c.dir))
		return
	}
	segments := c.collect(entries)
	now := c.now()
	kept := 0
	stats := StorageStats{LastSweep: now}
	for _, seg := range segments {
		shouldRemove, reason := c.shouldRemove(seg, now, kept)
		if shouldRemove {
			if err := c.remove(seg); err != nil {
				c.log.Warn("journal retention removal failed", logging.Error(err), logging.String("segment", seg.name))
				kept++
				stats.Segments++
				stats.Headers += len(seg.headers)
				stats.Bytes += seg.size
			} else {
				c.log.Info("journal retention removed segment", logging.String("segment", seg.name), logging.String("reason", reason))
			}
			continue
		}
		kept++
		stats.Segments++
		stats.Headers += len(seg.headers)
		stats.Bytes += seg.size
	}
	c.mu.Lock()
	c.stats = stats
	c.mu.Unlock()
}

func (c *Cleaner) collect(entries []os.DirEntry) []*segment {
	segments := make(map[string]*segment, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		base := name
		isHeader := false
		if strings.HasSuffix(name, ".header.json") {
			base = strings.TrimSuffix(name, ".header.json")
			isHeader = true
		}
		path := filepath.Join(c.dir, name)
		info, err := entry.Info()
		if err != nil {
			c.log.Warn("journal retention stat failed", logging.Error(err), logging.String("path", path))
			continue
		}
		seg := segments[base]
		if seg == nil {
			seg = &segment{name: base, modTime: info.ModTime(), isDir: entry.IsDir()}
			segments[base] = seg
		}
		if info.ModTime().After(seg.modTime) {
			seg.modTime = info.ModTime()
		}
		if entry.IsDir() {
			size, err := directorySize(path)
			if err != nil {
				c.log.Warn("journal retention size failed", logging.Error(err), logging.String("path", path))
				continue
			}
			seg.paths = append(seg.paths, path)
			seg.size += size
			continue
		}
		if isHeader {
			seg.headers = append(seg.headers, path)
		} else {
			seg.paths = append(seg.paths, path)
		}
		seg.size += info.Size()
	}
	list := make([]*segment, 0, len(segments))
	for _, seg := range segments {
		list = append(list, seg)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].modTime.After(list[j].modTime) })
	return list
}

func (c *Cleaner) shouldRemove(seg *segment, now time.Time, kept int) (bool, string) {
	reasons := make([]string, 0, 2)
	if c.policy.MaxAge > 0 && now.Sub(seg.modTime) > c.policy.MaxAge {
		reasons = append(reasons, fmt.Sprintf("age>%s", c.policy.MaxAge))
	}
	if c.policy.MaxSegments > 0 && kept >= c.policy.MaxSegments {
		reasons = append(reasons, fmt.Sprintf(">=%d segments", c.policy.MaxSegments))
	}
	return len(reasons) > 0, strings.Join(reasons, ", ")
}

func (c *Cleaner) remove(seg *segment) error {
	var errs error
	for _, path := range seg.paths {
		if seg.isDir {
			if err := os.RemoveAll(path); err != nil {
				errs = errors.Join(errs, err)
			}
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = errors.Join(errs, err)
		}
	}
	for _, path := range seg.headers {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = errors.Join(errs, err)
		}
	}
	return errs
}

func directorySize(root string) (int64, error) {
	var total int64
	walkErr := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, walkErr
}
