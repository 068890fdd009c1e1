package authz

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/albguard/albguard/internal/observability"
)

// RuleSource loads rule documents from an external location.
type RuleSource interface {
	// Load reads and parses the current rules document.
	Load(ctx context.Context) (*RulesConfig, error)
}

// ApplyFunc receives each successfully loaded rules document.
type ApplyFunc func(*RulesConfig)

// FileSource loads rules from a file on disk and can watch it for
// changes.
type FileSource struct {
	path          string
	logger        observability.Logger
	metrics       *Metrics
	debounceDelay time.Duration

	watcher   *fsnotify.Watcher
	apply     ApplyFunc
	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// FileSourceOption is a functional option for a file source.
type FileSourceOption func(*FileSource)

// WithFileSourceLogger sets the logger.
func WithFileSourceLogger(logger observability.Logger) FileSourceOption {
	return func(s *FileSource) {
		s.logger = logger
	}
}

// WithFileSourceMetrics sets the metrics.
func WithFileSourceMetrics(metrics *Metrics) FileSourceOption {
	return func(s *FileSource) {
		s.metrics = metrics
	}
}

// WithFileSourceDebounce sets the delay applied between a file change
// and the reload, so editors that write in bursts trigger one reload.
func WithFileSourceDebounce(delay time.Duration) FileSourceOption {
	return func(s *FileSource) {
		s.debounceDelay = delay
	}
}

// NewFileSource creates a file source for the given path.
func NewFileSource(path string, opts ...FileSourceOption) (*FileSource, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	s := &FileSource{
		path:          absPath,
		logger:        observability.NopLogger(),
		debounceDelay: 100 * time.Millisecond,
		stopCh:        make(chan struct{}),
		stoppedCh:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.metrics == nil {
		s.metrics = GetSharedMetrics()
	}

	return s, nil
}

// Path returns the absolute path of the rules file.
func (s *FileSource) Path() string {
	return s.path
}

// Load reads and parses the rules file.
func (s *FileSource) Load(_ context.Context) (*RulesConfig, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("reading rules file: %w", err)
	}

	cfg, err := ParseRulesConfig(data)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Watch begins watching the rules file, delivering each successfully
// reloaded document to apply. The initial document is loaded and
// delivered before Watch returns. Documents that fail to load or
// validate are logged and skipped, the previous rule set stays
// active.
func (s *FileSource) Watch(ctx context.Context, apply ApplyFunc) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.apply = apply
	s.mu.Unlock()

	cfg, err := s.Load(ctx)
	if err != nil {
		s.setStopped()
		return err
	}
	if apply != nil {
		apply(cfg)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.setStopped()
		return err
	}
	s.watcher = watcher

	// Watch the directory, not the file. Editors and config mounts
	// replace the file, which drops a file-level watch.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		_ = watcher.Close()
		s.setStopped()
		return err
	}

	s.logger.Info("started watching rules file",
		observability.String("path", s.path),
	)

	go s.watch(ctx)

	return nil
}

// setStopped marks the source as not running after a failed Watch, so
// Stop stays a no-op and Watch can be retried.
func (s *FileSource) setStopped() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// Stop stops watching the rules file.
func (s *FileSource) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	<-s.stoppedCh

	return s.watcher.Close()
}

// watch is the main watch loop.
func (s *FileSource) watch(ctx context.Context) {
	defer close(s.stoppedCh)

	var debounceTimer *time.Timer
	var debounceCh <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("rules watcher stopped due to context cancellation")
			return

		case <-s.stopCh:
			s.logger.Info("rules watcher stopped")
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			debounceTimer, debounceCh = s.handleFileEvent(event, debounceTimer, debounceCh)

		case <-debounceCh:
			debounceCh = nil
			s.reload(ctx)

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error("rules watcher error",
				observability.Error(err),
			)
		}
	}
}

// handleFileEvent processes a file system event and returns the
// updated debounce timer.
func (s *FileSource) handleFileEvent(
	event fsnotify.Event,
	debounceTimer *time.Timer,
	debounceCh <-chan time.Time,
) (timer *time.Timer, ch <-chan time.Time) {
	if filepath.Clean(event.Name) != s.path {
		return debounceTimer, debounceCh
	}

	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return debounceTimer, debounceCh
	}

	s.logger.Debug("rules file changed",
		observability.String("path", event.Name),
		observability.String("op", event.Op.String()),
	)

	if debounceTimer != nil {
		debounceTimer.Stop()
	}
	debounceTimer = time.NewTimer(s.debounceDelay)
	return debounceTimer, debounceTimer.C
}

// reload loads the rules file and delivers it to the apply callback.
func (s *FileSource) reload(ctx context.Context) {
	cfg, err := s.Load(ctx)
	s.metrics.RecordReload("file", err)
	if err != nil {
		s.logger.Error("failed to reload rules file",
			observability.String("path", s.path),
			observability.Error(err),
		)
		return
	}

	s.logger.Info("rules file reloaded",
		observability.String("path", s.path),
	)

	s.mu.Lock()
	apply := s.apply
	s.mu.Unlock()

	if apply != nil {
		apply(cfg)
	}
}

// Ensure FileSource implements the interface.
var _ RuleSource = (*FileSource)(nil)
