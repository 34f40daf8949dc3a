// Package analytics keeps delivery counters and a bounded log of recent
// sends, persisted as a single JSON document.
package analytics

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shineum/mailgate/internal/email"
	"github.com/shineum/mailgate/internal/metrics"
)

const (
	// RecentCapacity bounds the recent activity log.
	RecentCapacity = 100

	summaryRecent = 10
	summaryDays   = 7
	dayLayout     = "2006-01-02"
)

// Entry is one line of the recent activity log.
type Entry struct {
	To        string    `json:"to"`
	Provider  string    `json:"provider"`
	Template  string    `json:"template,omitempty"`
	Success   bool      `json:"success"`
	MessageID string    `json:"messageId,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Snapshot is the full persisted state.
type Snapshot struct {
	TotalSent    int64            `json:"totalSent"`
	TotalFailed  int64            `json:"totalFailed"`
	ByProvider   map[string]int64 `json:"byProvider"`
	ByTemplate   map[string]int64 `json:"byTemplate"`
	ByDay        map[string]int64 `json:"byDay"`
	RecentEmails []Entry          `json:"recentEmails"`
}

// Totals is the headline block of a Summary.
type Totals struct {
	Sent        int64  `json:"sent"`
	Failed      int64  `json:"failed"`
	SuccessRate string `json:"successRate"`
}

// Summary is the condensed view served to operators.
type Summary struct {
	Total        Totals           `json:"total"`
	ByProvider   map[string]int64 `json:"byProvider"`
	ByTemplate   map[string]int64 `json:"byTemplate"`
	Last7Days    map[string]int64 `json:"last7Days"`
	RecentEmails []Entry          `json:"recentEmails"`
}

// Recorder folds delivery outcomes into counters. It is safe for
// concurrent use.
type Recorder struct {
	path string
	now  func() time.Time

	mu         sync.Mutex
	sent       int64
	failed     int64
	byProvider map[string]int64
	byTemplate map[string]int64
	byDay      map[string]int64
	recent     *ring
	version    uint64

	saveMu sync.Mutex
	saved  uint64
}

// Open returns a Recorder persisting to path, loading any existing state.
// An empty path keeps everything in memory.
func Open(path string) (*Recorder, error) {
	r := &Recorder{
		path:       path,
		now:        time.Now,
		byProvider: map[string]int64{},
		byTemplate: map[string]int64{},
		byDay:      map[string]int64{},
		recent:     newRing(RecentCapacity),
	}
	if path == "" {
		return r, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating analytics directory: %w", err)
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading analytics file: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parsing analytics file %s: %w", path, err)
	}
	r.load(snap)
	return r, nil
}

func (r *Recorder) load(s Snapshot) {
	r.sent, r.failed = s.TotalSent, s.TotalFailed
	for k, v := range s.ByProvider {
		r.byProvider[k] = v
	}
	for k, v := range s.ByTemplate {
		r.byTemplate[k] = v
	}
	for k, v := range s.ByDay {
		r.byDay[k] = v
	}
	// Stored newest first; replay oldest first.
	recent := s.RecentEmails
	if len(recent) > RecentCapacity {
		recent = recent[:RecentCapacity]
	}
	for i := len(recent) - 1; i >= 0; i-- {
		r.recent.push(recent[i])
	}
}

// Record counts one outcome. template and recipient may be empty.
func (r *Recorder) Record(out email.Outcome, template, recipient string) {
	now := r.now().UTC()

	r.mu.Lock()
	if out.Success {
		r.sent++
	} else {
		r.failed++
	}
	r.byProvider[out.Provider]++
	if template != "" {
		r.byTemplate[template]++
	}
	r.byDay[now.Format(dayLayout)]++
	r.recent.push(Entry{
		To:        recipient,
		Provider:  out.Provider,
		Template:  template,
		Success:   out.Success,
		MessageID: out.MessageID,
		Error:     out.Error,
		Timestamp: now,
	})
	r.version++
	r.mu.Unlock()

	result := "sent"
	if !out.Success {
		result = "failed"
	}
	metrics.DeliveryOutcomes.WithLabelValues(out.Provider, result).Inc()

	r.persist()
}

// Snapshot returns a copy of the full state.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Recorder) snapshotLocked() Snapshot {
	return Snapshot{
		TotalSent:    r.sent,
		TotalFailed:  r.failed,
		ByProvider:   copyCounts(r.byProvider),
		ByTemplate:   copyCounts(r.byTemplate),
		ByDay:        copyCounts(r.byDay),
		RecentEmails: r.recent.newest(0),
	}
}

// Summary returns totals, a trailing seven day series ending today and the
// most recent entries.
func (r *Recorder) Summary() Summary {
	today := r.now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	days := make(map[string]int64, summaryDays)
	for i := 0; i < summaryDays; i++ {
		key := today.AddDate(0, 0, -i).Format(dayLayout)
		days[key] = r.byDay[key]
	}

	return Summary{
		Total: Totals{
			Sent:        r.sent,
			Failed:      r.failed,
			SuccessRate: successRate(r.sent, r.failed),
		},
		ByProvider:   copyCounts(r.byProvider),
		ByTemplate:   copyCounts(r.byTemplate),
		Last7Days:    days,
		RecentEmails: r.recent.newest(summaryRecent),
	}
}

func successRate(sent, failed int64) string {
	if sent == 0 {
		return "0%"
	}
	return fmt.Sprintf("%.2f%%", float64(sent)/float64(sent+failed)*100)
}

// Reset zeroes every counter and empties the log.
func (r *Recorder) Reset() error {
	r.mu.Lock()
	r.sent, r.failed = 0, 0
	clear(r.byProvider)
	clear(r.byTemplate)
	clear(r.byDay)
	r.recent.reset()
	r.version++
	r.mu.Unlock()

	slog.Info("analytics reset")
	return r.save()
}

func (r *Recorder) persist() {
	if err := r.save(); err != nil {
		slog.Error("failed to write analytics", "path", r.path, "error", err)
	}
}

// save writes the current state unless a newer version is already on disk.
func (r *Recorder) save() error {
	if r.path == "" {
		return nil
	}

	r.mu.Lock()
	version := r.version
	data, err := json.MarshalIndent(r.snapshotLocked(), "", "  ")
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encoding analytics: %w", err)
	}

	r.saveMu.Lock()
	defer r.saveMu.Unlock()
	if version <= r.saved {
		return nil
	}
	if err := writeFileAtomic(r.path, data); err != nil {
		return err
	}
	r.saved = version
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".analytics-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replacing analytics file: %w", err)
	}
	return nil
}

func copyCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
