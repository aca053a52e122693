// Package modelstore resolves model names to trained weight artifacts on
// disk and loads them into runner handles.
//
// The store watches its directory so the set of available models stays
// current while the pipeline runs; a model switch only ever consults the
// store at a configuration checkpoint.
package modelstore

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/visagelab/liveswap/internal/runner"
)

// ErrModelLoad marks failures to resolve or load a model artifact. Fatal to
// the current run configuration, never to the process.
var ErrModelLoad = errors.New("model load error")

const modelExt = ".onnx"

// Store indexes swap model artifacts in a directory.
type Store struct {
	dir string
	log *zap.Logger

	mu        sync.RWMutex
	available map[string]string // model name -> artifact path

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates a store over dir and begins watching it for artifact changes.
func New(dir string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}

	s := &Store{
		dir:  dir,
		log:  log,
		done: make(chan struct{}),
	}

	if err := s.rescan(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "create model directory watcher")
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, errors.Wrapf(err, "watch model directory %s", dir)
	}
	s.watcher = watcher

	s.wg.Add(1)
	go s.watch()

	return s, nil
}

// rescan rebuilds the name index from the directory contents.
func (s *Store) rescan() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "read model directory %s", s.dir), ErrModelLoad)
	}

	available := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), modelExt) {
			continue
		}
		name := strings.TrimSuffix(e.Name(), modelExt)
		available[name] = filepath.Join(s.dir, e.Name())
	}

	s.mu.Lock()
	s.available = available
	s.mu.Unlock()
	return nil
}

func (s *Store) watch() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if err := s.rescan(); err != nil {
				s.log.Warn("model directory rescan failed", zap.Error(err))
				continue
			}
			s.log.Debug("model directory changed",
				zap.String("event", event.String()),
				zap.Strings("available", s.Available()))
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn("model directory watch error", zap.Error(err))
		}
	}
}

// Available lists the model names currently on disk, sorted.
func (s *Store) Available() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.available))
	for name := range s.available {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Path resolves a model name to its artifact path.
func (s *Store) Path(name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	path, ok := s.available[name]
	if !ok {
		return "", errors.Mark(
			errors.Newf("model %q not found in %s (available: %s)",
				name, s.dir, strings.Join(s.availableLocked(), ", ")),
			ErrModelLoad)
	}
	return path, nil
}

func (s *Store) availableLocked() []string {
	names := make([]string, 0, len(s.available))
	for name := range s.available {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Load builds a fresh-generation handle for the named model, bound to the
// given source identity embedding. The model family is inferred from the
// artifact name; inswapper-style is the default.
func (s *Store) Load(name string, embedding *runner.Embedding) (*runner.Handle, error) {
	path, err := s.Path(name)
	if err != nil {
		return nil, err
	}

	var model runner.Model
	if strings.HasPrefix(name, "simswap") {
		model, err = runner.NewSimSwap(name, path, embedding)
	} else {
		model, err = runner.NewInswapper(name, path, embedding)
	}
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "load model %q", name), ErrModelLoad)
	}

	s.log.Info("model loaded",
		zap.String("name", name),
		zap.Int("crop_size", model.CropSize()))
	return runner.NewHandle(model), nil
}

// Close stops the directory watcher.
func (s *Store) Close() error {
	close(s.done)
	var err error
	if s.watcher != nil {
		err = s.watcher.Close()
	}
	s.wg.Wait()
	return err
}
