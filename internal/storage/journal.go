// Package storage journals indicator events as JSON lines so override
// history survives restarts.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dgnsrekt/tz_agent/internal/relay"
)

// Record is one journal line.
type Record struct {
	Time  time.Time       `json:"ts"`
	Feed  string          `json:"feed"`
	Event json.RawMessage `json:"event"`
}

// Journal writes records to <dir>/<YYYY-MM-DD>/<feed>.jsonl, opening a new
// directory when the UTC date changes.
type Journal struct {
	dir       string
	maxSizeMB int
	now       func() time.Time

	mu      sync.Mutex
	date    string
	writers map[string]*lumberjack.Logger
}

func NewJournal(dir string, maxSizeMB int) *Journal {
	return &Journal{dir: dir, maxSizeMB: maxSizeMB, now: time.Now, writers: map[string]*lumberjack.Logger{}}
}

// Follow subscribes to broker and journals every event until ctx is done.
func (j *Journal) Follow(ctx context.Context, broker *relay.Broker) {
	id, ch := broker.Subscribe()
	defer broker.Unsubscribe(id)
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := j.Write(evt); err != nil {
				slog.Warn("journal write failed", "feed", evt.Feed, "error", err)
			}
		}
	}
}

// Write appends evt to its feed's file.
func (j *Journal) Write(evt relay.Event) error {
	now := j.now().UTC()
	line, err := json.Marshal(Record{Time: now, Feed: evt.Feed, Event: json.RawMessage(evt.Payload)})
	if err != nil {
		return fmt.Errorf("journal: marshal: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	w, err := j.writerLocked(now.Format("2006-01-02"), evt.Feed)
	if err != nil {
		return err
	}
	if _, err := w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("journal: write: %w", err)
	}
	return nil
}

func (j *Journal) writerLocked(date, feed string) (*lumberjack.Logger, error) {
	if date != j.date {
		j.closeLocked()
		j.date = date
	}
	if w, ok := j.writers[feed]; ok {
		return w, nil
	}
	dir := filepath.Join(j.dir, date)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("journal: mkdir %s: %w", dir, err)
	}
	w := &lumberjack.Logger{
		Filename:   filepath.Join(dir, feed+".jsonl"),
		MaxSize:    j.maxSizeMB,
		MaxBackups: 100,
		MaxAge:     30,
	}
	j.writers[feed] = w
	slog.Debug("journal file opened", "file", w.Filename)
	return w, nil
}

func (j *Journal) closeLocked() {
	for feed, w := range j.writers {
		if err := w.Close(); err != nil {
			slog.Debug("journal close failed", "feed", feed, "error", err)
		}
		delete(j.writers, feed)
	}
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.closeLocked()
	return nil
}
