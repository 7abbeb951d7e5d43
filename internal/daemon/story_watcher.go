package daemon

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"git.home.luguber.info/inful/storybuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/storybuilder/internal/logfields"
	"git.home.luguber.info/inful/storybuilder/internal/orchestrator"
	"git.home.luguber.info/inful/storybuilder/internal/story"
)

// DefaultDebounce is how long a story file must stay quiet before a build
// is enqueued.
const DefaultDebounce = 2 * time.Second

// StoryWatcher enqueues a build whenever a story file is created or written.
// Bursts of events for the same story collapse into one build.
type StoryWatcher struct {
	dir      string
	enqueuer Enqueuer
	watcher  *fsnotify.Watcher
	debounce time.Duration

	mu       sync.Mutex
	timers   map[string]*time.Timer
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewStoryWatcher watches dir and its immediate subdirectories.
func NewStoryWatcher(dir string, enqueuer Enqueuer) (*StoryWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.WrapError(err, errors.CategoryDaemon, "failed to create file watcher").Build()
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		_ = w.Close()
		return nil, errors.WrapError(err, errors.CategoryFileSystem, "failed to resolve stories directory").
			WithContext("path", dir).
			Build()
	}
	return &StoryWatcher{
		dir:      abs,
		enqueuer: enqueuer,
		watcher:  w,
		debounce: DefaultDebounce,
		timers:   make(map[string]*time.Timer),
		stopChan: make(chan struct{}),
	}, nil
}

// WithDebounce overrides DefaultDebounce.
func (sw *StoryWatcher) WithDebounce(d time.Duration) *StoryWatcher {
	if d > 0 {
		sw.debounce = d
	}
	return sw
}

// Start adds the watches and begins processing events.
func (sw *StoryWatcher) Start(ctx context.Context) error {
	if err := sw.watcher.Add(sw.dir); err != nil {
		return errors.WrapError(err, errors.CategoryFileSystem, "failed to watch stories directory").
			WithContext("path", sw.dir).
			Build()
	}
	sw.addSubdirs()

	slog.Info("Starting story watcher", logfields.Path(sw.dir))
	sw.wg.Add(1)
	go sw.watchLoop(ctx)
	return nil
}

// Stop ends the watch loop and cancels pending builds.
func (sw *StoryWatcher) Stop(_ context.Context) error {
	var err error
	sw.stopOnce.Do(func() {
		slog.Info("Stopping story watcher")
		close(sw.stopChan)
		err = sw.watcher.Close()
		sw.wg.Wait()

		sw.mu.Lock()
		for id, t := range sw.timers {
			t.Stop()
			delete(sw.timers, id)
		}
		sw.mu.Unlock()
	})
	return err
}

func (sw *StoryWatcher) addSubdirs() {
	entries, err := filepath.Glob(filepath.Join(sw.dir, "*"))
	if err != nil {
		return
	}
	for _, p := range entries {
		if isDir(p) {
			if err := sw.watcher.Add(p); err != nil {
				slog.Warn("Failed to watch story subdirectory", logfields.Path(p), logfields.Error(err))
			}
		}
	}
}

func (sw *StoryWatcher) watchLoop(ctx context.Context) {
	defer sw.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sw.stopChan:
			return
		case event, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			sw.handle(event)
		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("Story watcher error", logfields.Error(err))
		}
	}
}

func (sw *StoryWatcher) handle(event fsnotify.Event) {
	if event.Op.Has(fsnotify.Create) && filepath.Dir(event.Name) == sw.dir && isDir(event.Name) {
		if err := sw.watcher.Add(event.Name); err != nil {
			slog.Warn("Failed to watch story subdirectory", logfields.Path(event.Name), logfields.Error(err))
		}
		return
	}
	if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) {
		return
	}
	if !strings.EqualFold(filepath.Ext(event.Name), ".md") {
		return
	}
	id := story.IDFromPath(event.Name)
	if id == "" {
		return
	}
	slog.Debug("Story file change detected", logfields.StoryID(id), logfields.Path(event.Name))
	sw.schedule(id)
}

// schedule (re)starts the debounce timer of storyID.
func (sw *StoryWatcher) schedule(storyID string) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if t, ok := sw.timers[storyID]; ok {
		t.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(sw.debounce, func() {
		sw.mu.Lock()
		if sw.timers[storyID] == t {
			delete(sw.timers, storyID)
		}
		sw.mu.Unlock()

		select {
		case <-sw.stopChan:
			return
		default:
		}
		job := NewJob(storyID, false, TriggerWatch, orchestrator.Options{})
		if err := sw.enqueuer.Enqueue(job); err != nil {
			slog.Warn("Failed to enqueue build for changed story", logfields.StoryID(storyID), logfields.Error(err))
		}
	})
	sw.timers[storyID] = t
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
