package eventcache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ocx/qrc-bridge/internal/qrcerr"
	"github.com/ocx/qrc-bridge/internal/ringbuffer"
)

// spillFileName builds the documented {groupId}_{epochMs}_{seq}.json name.
func spillFileName(groupID string, epochMs int64, seq uint64) string {
	return fmt.Sprintf("%s_%d_%d.json", groupID, epochMs, seq)
}

// FlushSpill writes a group's pending (ring-buffer-evicted) events to one
// JSON file on disk and clears the pending batch. A no-op if spillover is
// disabled or nothing is pending.
func (m *Manager) FlushSpill(groupID string) error {
	m.mu.Lock()
	g, ok := m.groups[groupID]
	if !ok || m.cfg.SpilloverDir == "" || len(g.pendingSpill) == 0 {
		m.mu.Unlock()
		return nil
	}
	batch := g.pendingSpill
	g.pendingSpill = nil
	seq := g.seq
	m.mu.Unlock()

	if err := os.MkdirAll(m.cfg.SpilloverDir, 0o755); err != nil {
		return qrcerr.Wrap(qrcerr.PersistenceFailed, "create spillover directory", err)
	}

	data, err := json.Marshal(batch)
	if err != nil {
		return qrcerr.Wrap(qrcerr.PersistenceFailed, "marshal spillover batch", err)
	}

	name := spillFileName(groupID, time.Now().UnixMilli(), seq)
	path := filepath.Join(m.cfg.SpilloverDir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return qrcerr.Wrap(qrcerr.PersistenceFailed, "write spillover file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return qrcerr.Wrap(qrcerr.PersistenceFailed, "rename spillover file", err)
	}
	return nil
}

// FlushAllSpill flushes every group's pending spill batch.
func (m *Manager) FlushAllSpill() error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.groups))
	for id := range m.groups {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.FlushSpill(id); err != nil {
			return err
		}
	}
	return nil
}

// loadSpillEvents reads every archived file for groupID and returns events
// overlapping [startNs, endNs] (endNs == 0 meaning no upper bound).
func loadSpillEvents(dir, groupID string, startNs, endNs int64) ([]ringbuffer.Event, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, qrcerr.Wrap(qrcerr.PersistenceFailed, "list spillover directory", err)
	}

	prefix := groupID + "_"
	out := make([]ringbuffer.Event, 0)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		var batch []ringbuffer.Event
		if err := json.Unmarshal(data, &batch); err != nil {
			continue
		}
		for _, e := range batch {
			if e.TimestampNs < startNs {
				continue
			}
			if endNs > 0 && e.TimestampNs > endNs {
				continue
			}
			out = append(out, e)
		}
	}
	return out, nil
}

// spillFileAge parses the epochMs component out of a spill file name.
func spillFileAge(name string, now time.Time) (time.Duration, bool) {
	trimmed := strings.TrimSuffix(name, ".json")
	parts := strings.Split(trimmed, "_")
	if len(parts) < 3 {
		return 0, false
	}
	var epochMs int64
	if _, err := fmt.Sscanf(parts[len(parts)-2], "%d", &epochMs); err != nil {
		return 0, false
	}
	return now.Sub(time.UnixMilli(epochMs)), true
}

// RunJanitor periodically deletes spill files older than SpilloverMaxAgeDays
// and, if SpilloverMaxTotalBytes is set, removes the oldest files beyond
// that total size cap. Runs until ctx is cancelled or Shutdown is called.
func (m *Manager) RunJanitor(ctx context.Context, interval time.Duration) {
	if m.cfg.SpilloverDir == "" {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweepSpillDir()
		}
	}
}

type spillFileInfo struct {
	path    string
	size    int64
	modTime time.Time
}

func (m *Manager) sweepSpillDir() {
	dir := m.cfg.SpilloverDir
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	now := time.Now()
	maxAge := time.Duration(m.cfg.SpilloverMaxAgeDays) * 24 * time.Hour

	files := make([]spillFileInfo, 0, len(entries))
	var total int64
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			continue
		}

		if age, ok := spillFileAge(entry.Name(), now); ok && age > maxAge {
			os.Remove(path)
			continue
		}

		files = append(files, spillFileInfo{path: path, size: info.Size(), modTime: info.ModTime()})
		total += info.Size()
	}

	if m.cfg.SpilloverMaxTotalBytes <= 0 || total <= m.cfg.SpilloverMaxTotalBytes {
		return
	}

	sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })
	for _, f := range files {
		if total <= m.cfg.SpilloverMaxTotalBytes {
			break
		}
		if err := os.Remove(f.path); err == nil {
			total -= f.size
		}
	}
}
