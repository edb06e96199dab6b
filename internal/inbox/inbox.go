// ============================================================================
// bulkwrite Inbox - drop-a-file job submission
// ============================================================================
//
// Package: internal/inbox
// File: inbox.go
// Purpose: watch a directory and submit every new .txt / .md file as an
//          insert-content job
//
// Flow:
//   fsnotify Create/Write -> debounce per path -> read file
//     -> Submit(insert-content, {parent_id, content, position})
//     -> move the file to <dir>/processed/
//
//   Writers usually produce several events per file, so a file is only read
//   once it has been quiet for the debounce interval. Files already present
//   when the watcher starts are submitted too.
//
// ============================================================================

package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ChuLiYu/bulkwrite/pkg/types"
)

// ProcessedDir is the subdirectory submitted files are moved to
const ProcessedDir = "processed"

// DefaultDebounce is how long a file must be quiet before it is read
const DefaultDebounce = 200 * time.Millisecond

// Submitter accepts jobs; *jobmanager.Registry implements it
type Submitter interface {
	Submit(jobType types.JobType, params any, description string) (types.JobID, error)
}

// Config holds the watched directory and where its content goes
type Config struct {
	Dir      string
	ParentID string
	Position string
}

// Option configures a Watcher
type Option func(*Watcher)

// WithDebounce replaces DefaultDebounce
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithLogger replaces the default slog logger
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// Watcher submits files dropped into a directory
type Watcher struct {
	cfg      Config
	submit   Submitter
	debounce time.Duration
	logger   *slog.Logger

	watcher *fsnotify.Watcher
	loopWg  sync.WaitGroup

	mu      sync.Mutex
	pending map[string]*time.Timer
	closed  bool
	wg      sync.WaitGroup // in-flight submissions
}

// New creates a watcher; call Start to begin watching
func New(cfg Config, submit Submitter, opts ...Option) (*Watcher, error) {
	if cfg.Dir == "" {
		return nil, errors.New("inbox dir is required")
	}
	if cfg.ParentID == "" {
		return nil, errors.New("inbox parent id is required")
	}
	w := &Watcher{
		cfg:      cfg,
		submit:   submit,
		debounce: DefaultDebounce,
		logger:   slog.Default(),
		pending:  make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start creates the directories, submits existing files and begins watching.
// Watching stops when ctx is done or Close is called.
func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Join(w.cfg.Dir, ProcessedDir), 0755); err != nil {
		return fmt.Errorf("ensure inbox dir %s: %w", w.cfg.Dir, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(w.cfg.Dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", w.cfg.Dir, err)
	}
	w.watcher = watcher

	entries, err := os.ReadDir(w.cfg.Dir)
	if err != nil {
		watcher.Close()
		return fmt.Errorf("scan %s: %w", w.cfg.Dir, err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			w.schedule(filepath.Join(w.cfg.Dir, e.Name()))
		}
	}

	w.loopWg.Add(1)
	go w.loop(ctx)

	w.logger.Info("Inbox watching", "dir", w.cfg.Dir, "parent", w.cfg.ParentID)
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.loopWg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				w.logger.Debug("Inbox event", "op", event.Op.String(), "file", event.Name)
				w.schedule(event.Name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Inbox watcher error", "error", err)
		}
	}
}

// Accepts reports whether a file name is submitted by the inbox
func Accepts(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") {
		return false
	}
	switch strings.ToLower(filepath.Ext(base)) {
	case ".txt", ".md":
		return true
	}
	return false
}

// schedule (re)starts the debounce timer of path
func (w *Watcher) schedule(path string) {
	if !Accepts(path) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if t, ok := w.pending[path]; ok {
		t.Reset(w.debounce)
		return
	}
	w.pending[path] = time.AfterFunc(w.debounce, func() { w.fire(path) })
}

func (w *Watcher) fire(path string) {
	w.mu.Lock()
	delete(w.pending, path)
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.wg.Add(1)
	w.mu.Unlock()
	defer w.wg.Done()

	if err := w.process(path); err != nil {
		w.logger.Error("Inbox file not submitted", "file", path, "error", err)
	}
}

// process submits one file and moves it out of the way
func (w *Watcher) process(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil // moved or removed while debouncing
		}
		return err
	}
	if info.IsDir() {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	content := strings.TrimSpace(string(data))
	if content == "" {
		w.logger.Warn("Inbox file is empty, skipping", "file", path)
		return nil
	}

	id, err := w.submit.Submit(types.JobTypeInsertContent, types.InsertContentParams{
		ParentID: w.cfg.ParentID,
		Content:  string(data),
		Position: w.cfg.Position,
	}, "inbox: "+filepath.Base(path))
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}

	dest := filepath.Join(w.cfg.Dir, ProcessedDir, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		return fmt.Errorf("job %s submitted but file not moved: %w", id, err)
	}
	w.logger.Info("Inbox file submitted", "file", filepath.Base(path), "jobID", id)
	return nil
}

// Close stops watching and waits for in-flight submissions
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()

	var err error
	if w.watcher != nil {
		err = w.watcher.Close()
	}
	w.loopWg.Wait()
	w.wg.Wait()
	return err
}
