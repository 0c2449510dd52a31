package pubsub

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tripkit/config"
	"tripkit/logger"
)

func TestQueueFlushInOrder(t *testing.T) {
	q := NewQueue(config.QueueConfig{MaxSize: 10}, 3, logger.Nop())
	q.Add("position:new", []byte(`{"timestamp":1}`))
	q.Add("position:new", []byte(`{"timestamp":2}`))
	require.Equal(t, 2, q.Count())

	var sent []string
	q.Flush(func(channel string, payload json.RawMessage) error {
		sent = append(sent, string(payload))
		return nil
	})
	assert.Equal(t, []string{`{"timestamp":1}`, `{"timestamp":2}`}, sent)
	assert.Equal(t, 0, q.Count())
}

func TestQueueRetriesThenDiscards(t *testing.T) {
	q := NewQueue(config.QueueConfig{MaxSize: 10}, 2, logger.Nop())
	q.Add("position:new", []byte(`{}`))

	fail := func(string, json.RawMessage) error { return errors.New("down") }
	q.Flush(fail)
	assert.Equal(t, 1, q.Count(), "failed entry stays queued")
	q.Flush(fail)
	assert.Equal(t, 1, q.Count())
	// Third flush sees retries == maxRetries and discards.
	q.Flush(fail)
	assert.Equal(t, 0, q.Count())
}

func TestQueueBounded(t *testing.T) {
	q := NewQueue(config.QueueConfig{MaxSize: 2}, 3, logger.Nop())
	q.Add("c", []byte(`{"n":1}`))
	q.Add("c", []byte(`{"n":2}`))
	q.Add("c", []byte(`{"n":3}`))
	require.Equal(t, 2, q.Count())

	var sent []string
	q.Flush(func(_ string, payload json.RawMessage) error {
		sent = append(sent, string(payload))
		return nil
	})
	assert.Equal(t, []string{`{"n":2}`, `{"n":3}`}, sent, "oldest entry is dropped when full")
}

func TestQueueKeepsEventsAddedDuringFlush(t *testing.T) {
	q := NewQueue(config.QueueConfig{MaxSize: 10}, 3, logger.Nop())
	q.Add("position:new", []byte(`{"timestamp":1}`))

	// A publish can fail and queue a new event while a flush is in progress;
	// the write-back must not lose it.
	q.Flush(func(channel string, payload json.RawMessage) error {
		q.Add("position:new", []byte(`{"timestamp":2}`))
		return errors.New("down")
	})
	require.Equal(t, 2, q.Count())

	var sent []string
	q.Flush(func(_ string, payload json.RawMessage) error {
		sent = append(sent, string(payload))
		return nil
	})
	assert.Equal(t, []string{`{"timestamp":1}`, `{"timestamp":2}`}, sent)
}

func TestQueuePersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.jsonl")
	cfg := config.QueueConfig{MaxSize: 10, PersistPath: path}

	q := NewQueue(cfg, 3, logger.Nop())
	q.Add("position:new", []byte(`{"timestamp":7}`))

	reloaded := NewQueue(cfg, 3, logger.Nop())
	require.Equal(t, 1, reloaded.Count())

	var sent []string
	reloaded.Flush(func(channel string, payload json.RawMessage) error {
		sent = append(sent, channel+" "+string(payload))
		return nil
	})
	assert.Equal(t, []string{`position:new {"timestamp":7}`}, sent)

	// An emptied queue removes its file, so a fresh load sees nothing.
	fresh := NewQueue(cfg, 3, logger.Nop())
	assert.Equal(t, 0, fresh.Count())
}
