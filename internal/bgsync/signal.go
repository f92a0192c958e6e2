// Package bgsync lets one process ask another to sync opportunistically.
//
// A running daemon watches a request file next to its database; any process
// that writes the file (fieldsync sync --background, a host scheduler, a
// cron job) causes one background-sync request. Requests coalesce: a burst
// of writes before the daemon reads the channel yields a single request.
package bgsync

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// RequestSuffix is appended to the database path to form the request file.
const RequestSuffix = ".sync-request"

// RequestFile returns the request file path for a database.
func RequestFile(dbPath string) string {
	return dbPath + RequestSuffix
}

// Request asks the watcher of path for a background sync.
func Request(path string) error {
	stamp := time.Now().UTC().Format(time.RFC3339Nano) + "\n"
	if err := os.WriteFile(path, []byte(stamp), 0o644); err != nil {
		return fmt.Errorf("write sync request %s: %w", path, err)
	}
	return nil
}

// FileSignal watches a request file and emits one signal per request burst.
type FileSignal struct {
	path     string
	watcher  *fsnotify.Watcher
	requests chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
	logger   *slog.Logger
}

// Option configures a FileSignal.
type Option func(*FileSignal)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *FileSignal) {
		s.logger = logger
	}
}

// Watch starts watching path. The file need not exist yet; its directory
// must.
func Watch(path string, opts ...Option) (*FileSignal, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	// Watch the directory: editors and atomic writers replace files, which
	// drops a watch placed on the file itself.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	s := &FileSignal{
		path:     abs,
		watcher:  watcher,
		requests: make(chan struct{}, 1),
		done:     make(chan struct{}),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wg.Add(1)
	go s.loop()
	return s, nil
}

// Path returns the watched request file.
func (s *FileSignal) Path() string {
	return s.path
}

// Requests delivers background-sync requests. Closed by Close.
func (s *FileSignal) Requests() <-chan struct{} {
	return s.requests
}

// Close stops watching and closes the Requests channel.
func (s *FileSignal) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.watcher.Close()
		s.wg.Wait()
		close(s.requests)
	})
	if err != nil {
		return fmt.Errorf("close watcher: %w", err)
	}
	return nil
}

func (s *FileSignal) loop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			s.logger.Debug("background sync requested", "path", s.path, "op", event.Op.String())
			select {
			case s.requests <- struct{}{}:
			default:
			}

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("background sync watcher error", "path", s.path, "error", err)
		}
	}
}
