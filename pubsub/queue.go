package pubsub

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"tripkit/config"
	"tripkit/logger"
)

// QueuedEvent wraps a serialized event with retry metadata for persistence.
type QueuedEvent struct {
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
	Retries int             `json:"retries"`
}

// Queue stores events that failed to publish so they can be retried after
// the connection comes back. Bounded: once full, the oldest entry is dropped.
// With a persist path set, contents survive process restarts as JSON lines.
type Queue struct {
	path       string
	maxSize    int
	maxRetries int
	log        logger.Logger

	mu     sync.Mutex
	events []QueuedEvent
}

// NewQueue creates a queue and loads any persisted events from disk.
func NewQueue(cfg config.QueueConfig, maxRetries int, log logger.Logger) *Queue {
	q := &Queue{
		path:       cfg.PersistPath,
		maxSize:    cfg.MaxSize,
		maxRetries: maxRetries,
		log:        log,
		events:     make([]QueuedEvent, 0),
	}
	q.loadFromDisk()
	return q
}

// Add queues a serialized event for a logical channel.
func (q *Queue) Add(channel string, payload []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.events = append(q.events, QueuedEvent{Channel: channel, Payload: payload})
	if len(q.events) > q.maxSize {
		dropped := len(q.events) - q.maxSize
		q.events = q.events[dropped:]
		q.log.Warnf("[Queue] Queue full, dropped %d oldest event(s)", dropped)
	}
	q.persistToDisk()
	q.log.Debugf("[Queue] Queued event for %s (total: %d)", channel, len(q.events))
}

// Count returns the number of queued events.
func (q *Queue) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Flush attempts to send every queued event in order using the provided
// sender. Failed entries stay queued with their retry count bumped; entries
// that exceeded the retry budget are discarded.
func (q *Queue) Flush(sender func(channel string, payload json.RawMessage) error) {
	q.mu.Lock()
	if len(q.events) == 0 {
		q.mu.Unlock()
		return
	}
	pending := make([]QueuedEvent, len(q.events))
	copy(pending, q.events)
	q.mu.Unlock()

	q.log.Infof("[Queue] Flushing %d queued events...", len(pending))

	var failed []QueuedEvent
	sent, discarded := 0, 0
	for _, entry := range pending {
		if entry.Retries >= q.maxRetries {
			q.log.Warnf("[Queue] Event for %s exceeded max retries (%d), discarding",
				entry.Channel, q.maxRetries)
			discarded++
			continue
		}
		if err := sender(entry.Channel, entry.Payload); err != nil {
			q.log.Warnf("[Queue] Failed to send queued event for %s (retry %d/%d): %v",
				entry.Channel, entry.Retries+1, q.maxRetries, err)
			entry.Retries++
			failed = append(failed, entry)
			continue
		}
		sent++
	}

	q.log.Infof("[Queue] Flushed %d events, %d failed (will retry), %d discarded",
		sent, len(failed), discarded)

	q.mu.Lock()
	// Entries added while the lock was released sit past the snapshot; keep
	// them after the retries.
	q.events = append(failed, q.events[len(pending):]...)
	q.persistToDisk()
	q.mu.Unlock()
}

// persistToDisk writes the queue as JSON lines. Must be called with the
// mutex held.
func (q *Queue) persistToDisk() {
	if q.path == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0755); err != nil {
		q.log.Errorf("[Queue] Failed to create directory for %s: %v", q.path, err)
		return
	}
	if len(q.events) == 0 {
		os.Remove(q.path)
		return
	}
	f, err := os.Create(q.path)
	if err != nil {
		q.log.Errorf("[Queue] Failed to create queue file: %v", err)
		return
	}
	defer f.Close()

	for _, entry := range q.events {
		data, err := json.Marshal(entry)
		if err != nil {
			q.log.Errorf("[Queue] Failed to marshal queued event: %v", err)
			continue
		}
		f.Write(data)
		f.Write([]byte("\n"))
	}
}

func (q *Queue) loadFromDisk() {
	if q.path == "" {
		return
	}
	f, err := os.Open(q.path)
	if err != nil {
		if !os.IsNotExist(err) {
			q.log.Errorf("[Queue] Failed to open queue file: %v", err)
		}
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	count := 0
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		var entry QueuedEvent
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			q.log.Warnf("[Queue] Skipping unparseable queued event: %v", err)
			continue
		}
		q.events = append(q.events, entry)
		count++
	}
	if count > 0 {
		q.log.Infof("[Queue] Loaded %d queued events from disk", count)
	}
}
