package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"content-sync/internal/core/logger"
	"content-sync/internal/core/metrics"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// defaultRetention is how long published files stay on disk before a later
// publish sweeps them. Subscribers only react to files created while they watch,
// so retention never causes redelivery.
const defaultRetention = time.Minute

// FileBus is a drop-directory bus: each publish writes one JSON file into
// <dir>/<topic>/ and every process watching that directory picks it up.
// It needs nothing but a shared filesystem, which makes it the bus of choice
// for hosts without a local Redis.
type FileBus struct {
	dir       string
	origin    string
	retention time.Duration
	logger    *zap.Logger

	mu       sync.Mutex
	watchers map[*fsnotify.Watcher]chan struct{}
	closed   bool
}

// NewFileBus creates a bus rooted at dir.
func NewFileBus(dir string) (*FileBus, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create bus directory: %w", err)
	}
	return &FileBus{
		dir:       dir,
		origin:    uuid.NewString(),
		retention: defaultRetention,
		logger:    logger.Named("bus.file"),
		watchers:  make(map[*fsnotify.Watcher]chan struct{}),
	}, nil
}

// Origin returns the id stamped on messages published through this bus.
func (b *FileBus) Origin() string {
	return b.origin
}

// Publish writes msg atomically (temp file + rename) into the topic directory.
func (b *FileBus) Publish(_ context.Context, topic string, msg Message) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	topicDir := filepath.Join(b.dir, topic)
	if err := os.MkdirAll(topicDir, 0o755); err != nil {
		return fmt.Errorf("failed to create topic directory: %w", err)
	}

	msg.Origin = b.origin
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode broadcast: %w", err)
	}

	tmp, err := os.CreateTemp(topicDir, ".pending-*")
	if err != nil {
		return fmt.Errorf("failed to create broadcast file: %w", err)
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write broadcast file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close broadcast file: %w", err)
	}

	name := fmt.Sprintf("%d-%s.json", time.Now().UnixNano(), uuid.NewString())
	if err := os.Rename(tmp.Name(), filepath.Join(topicDir, name)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to commit broadcast file: %w", err)
	}

	metrics.Sync.Published(topic, string(msg.Type))
	b.sweep(topicDir)
	return nil
}

// Subscribe watches the topic directory and hands new messages from other
// origins to handler.
func (b *FileBus) Subscribe(topic string, handler Handler) (func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.mu.Unlock()

	topicDir := filepath.Join(b.dir, topic)
	if err := os.MkdirAll(topicDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create topic directory: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := w.Add(topicDir); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", topicDir, err)
	}

	stop := make(chan struct{})
	b.mu.Lock()
	b.watchers[w] = stop
	b.mu.Unlock()

	go b.run(topic, w, stop, handler)

	return func() {
		b.mu.Lock()
		_, owned := b.watchers[w]
		delete(b.watchers, w)
		b.mu.Unlock()
		if owned {
			close(stop)
			w.Close()
		}
	}, nil
}

func (b *FileBus) run(topic string, w *fsnotify.Watcher, stop <-chan struct{}, handler Handler) {
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) || !isMessageFile(ev.Name) {
				continue
			}
			msg, err := readMessage(ev.Name)
			if err != nil {
				// Swept before we got to it, or a foreign file.
				if !errors.Is(err, os.ErrNotExist) {
					b.logger.Warn("Discarding unreadable broadcast",
						zap.String("topic", topic),
						zap.String("file", ev.Name),
						zap.Error(err),
					)
				}
				continue
			}
			if msg.Origin == b.origin {
				continue
			}
			handler(msg)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			b.logger.Error("Broadcast watcher error", zap.String("topic", topic), zap.Error(err))
		}
	}
}

// sweep removes message files older than the retention window.
func (b *FileBus) sweep(topicDir string) {
	entries, err := os.ReadDir(topicDir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-b.retention).UnixNano()
	for _, e := range entries {
		if !isMessageFile(e.Name()) {
			continue
		}
		stamp, err := strconv.ParseInt(strings.SplitN(e.Name(), "-", 2)[0], 10, 64)
		if err != nil || stamp >= cutoff {
			continue
		}
		_ = os.Remove(filepath.Join(topicDir, e.Name()))
	}
}

// Close stops every watcher opened through this bus.
func (b *FileBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	watchers := b.watchers
	b.watchers = map[*fsnotify.Watcher]chan struct{}{}
	b.mu.Unlock()

	var errs []error
	for w, stop := range watchers {
		close(stop)
		errs = append(errs, w.Close())
	}
	return errors.Join(errs...)
}

func isMessageFile(name string) bool {
	base := filepath.Base(name)
	return !strings.HasPrefix(base, ".") && strings.HasSuffix(base, ".json")
}

func readMessage(path string) (Message, error) {
	var msg Message
	data, err := os.ReadFile(path)
	if err != nil {
		return msg, err
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("failed to decode broadcast: %w", err)
	}
	return msg, nil
}
