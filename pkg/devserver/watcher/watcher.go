// Package watcher turns filesystem notifications under a project root into
// debounced, classified changesets.
package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/kart-io/logger"

	"github.com/kart-io/devserver/pkg/errors"
)

// Change is one changed path.
type Change struct {
	// Path is relative to the project root, slash separated.
	Path string
	Kind Kind
	Op   fsnotify.Op
}

// Changeset is everything observed in one debounce window.
type Changeset struct {
	Seq     uint64
	Changes []Change
}

// Has reports whether any change is of kind k.
func (cs Changeset) Has(k Kind) bool {
	for _, c := range cs.Changes {
		if c.Kind == k {
			return true
		}
	}
	return false
}

// Kinds returns the distinct kinds in the changeset.
func (cs Changeset) Kinds() []Kind {
	seen := map[Kind]bool{}
	var kinds []Kind
	for _, c := range cs.Changes {
		if !seen[c.Kind] {
			seen[c.Kind] = true
			kinds = append(kinds, c.Kind)
		}
	}
	return kinds
}

// Paths returns the changed paths.
func (cs Changeset) Paths() []string {
	paths := make([]string, len(cs.Changes))
	for i, c := range cs.Changes {
		paths[i] = c.Path
	}
	return paths
}

// DefaultDebounce is the coalescing window used when none is configured.
const DefaultDebounce = 300 * time.Millisecond

// Options configures a Watcher.
type Options struct {
	Debounce time.Duration
	Rules    []Rule
	Ignore   []string
}

// Option configures a Watcher.
type Option func(*Options)

// WithDebounce sets the debounce window.
func WithDebounce(d time.Duration) Option {
	return func(o *Options) { o.Debounce = d }
}

// WithIgnore appends ignore patterns to the defaults.
func WithIgnore(patterns ...string) Option {
	return func(o *Options) { o.Ignore = append(o.Ignore, patterns...) }
}

// WithRules puts rules ahead of the defaults.
func WithRules(rules ...Rule) Option {
	return func(o *Options) { o.Rules = append(append([]Rule{}, rules...), o.Rules...) }
}

// Watcher watches a project tree. Each Watch call starts a session; sequence
// numbers keep increasing across sessions.
type Watcher struct {
	root       string
	debounce   time.Duration
	classifier *Classifier
	seq        atomic.Uint64

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// New creates a watcher for root.
func New(root string, opts ...Option) (*Watcher, error) {
	o := Options{
		Debounce: DefaultDebounce,
		Rules:    append([]Rule{}, DefaultRules...),
		Ignore:   append([]string{}, DefaultIgnore...),
	}
	for _, opt := range opts {
		opt(&o)
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.ErrWatch.WithCause(err)
	}
	if info, err := os.Stat(abs); err != nil || !info.IsDir() {
		return nil, errors.ErrWatch.WithMessagef("project root %s is not a directory", root)
	}
	if o.Debounce <= 0 {
		o.Debounce = DefaultDebounce
	}
	c, err := NewClassifier(o.Rules, o.Ignore)
	if err != nil {
		return nil, errors.ErrWatch.WithCause(err)
	}
	return &Watcher{root: abs, debounce: o.Debounce, classifier: c}, nil
}

// Root is the watched directory.
func (w *Watcher) Root() string { return w.root }

// Watch subscribes to the tree and returns the changesets. The channel is
// closed when ctx is done, Close is called, or Watch is called again.
func (w *Watcher) Watch(ctx context.Context) (<-chan Changeset, error) {
	w.Close()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.ErrWatch.WithCause(err)
	}
	if _, err := w.addTree(fsw, w.root); err != nil {
		_ = fsw.Close()
		return nil, errors.ErrWatch.WithCause(err)
	}

	sctx, cancel := context.WithCancel(ctx)
	stopped := make(chan struct{})
	w.mu.Lock()
	w.cancel = cancel
	w.stopped = stopped
	w.mu.Unlock()

	out := make(chan Changeset, 16)
	go func() {
		defer close(stopped)
		defer close(out)
		defer fsw.Close()
		w.loop(sctx, fsw, out)
	}()

	logger.Infow("Watching project", "root", w.root, "debounce", w.debounce.String())
	return out, nil
}

// Close ends the current session and waits for it to finish.
func (w *Watcher) Close() {
	w.mu.Lock()
	cancel, stopped := w.cancel, w.stopped
	w.cancel, w.stopped = nil, nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
		<-stopped
	}
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher, out chan<- Changeset) {
	pending := map[string]Change{}
	var fire <-chan time.Time
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	add := func(c Change) {
		pending[c.Path] = c
		if fire == nil {
			timer = time.NewTimer(w.debounce)
			fire = timer.C
		}
	}

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			for _, c := range w.changes(fsw, ev) {
				add(c)
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			logger.Warnw("Watcher error", "root", w.root, "error", err)

		case <-fire:
			cs := Changeset{Seq: w.seq.Add(1), Changes: make([]Change, 0, len(pending))}
			for _, c := range pending {
				cs.Changes = append(cs.Changes, c)
			}
			sort.Slice(cs.Changes, func(i, j int) bool { return cs.Changes[i].Path < cs.Changes[j].Path })
			pending = map[string]Change{}
			fire, timer = nil, nil

			logger.Debugw("Changeset", "seq", cs.Seq, "paths", cs.Paths())
			select {
			case out <- cs:
			case <-ctx.Done():
				return
			}
		}
	}
}

// changes turns one notification into relevant changes. A created directory
// is watched and the files already inside it are reported as created.
func (w *Watcher) changes(fsw *fsnotify.Watcher, ev fsnotify.Event) []Change {
	if ev.Op == fsnotify.Chmod {
		return nil
	}
	rel, ok := w.rel(ev.Name)
	if !ok {
		return nil
	}

	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if w.classifier.IgnoredDir(rel) {
				return nil
			}
			files, err := w.addTree(fsw, ev.Name)
			if err != nil {
				logger.Warnw("Failed to watch directory", "path", rel, "error", err)
			}
			var out []Change
			for _, f := range files {
				if c, ok := w.change(f, fsnotify.Create); ok {
					out = append(out, c)
				}
			}
			return out
		}
	}
	if c, ok := w.change(rel, ev.Op); ok {
		return []Change{c}
	}
	return nil
}

func (w *Watcher) change(rel string, op fsnotify.Op) (Change, bool) {
	if w.classifier.Ignored(rel) {
		return Change{}, false
	}
	kind := w.classifier.Kind(rel)
	if kind == KindIrrelevant {
		return Change{}, false
	}
	return Change{Path: rel, Kind: kind, Op: op}, true
}

// addTree watches dir and every directory below it, skipping ignored ones.
// It returns the relative paths of the files found.
func (w *Watcher) addTree(fsw *fsnotify.Watcher, dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			// Entries can vanish between the notification and the walk.
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		rel, ok := w.rel(p)
		if !ok {
			return nil
		}
		if !d.IsDir() {
			files = append(files, rel)
			return nil
		}
		if rel != "." && w.classifier.IgnoredDir(rel) {
			return filepath.SkipDir
		}
		return fsw.Add(p)
	})
	return files, err
}

func (w *Watcher) rel(name string) (string, bool) {
	rel, err := filepath.Rel(w.root, name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return filepath.ToSlash(rel), true
}
