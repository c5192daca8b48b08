package service

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// LoaderService keeps the workflow registry in sync with a directory of
// YAML definition files. Files are registered on startup and re-registered
// when they change; deleting a file unregisters its workflow. Edits are
// debounced so atomic saves (write to temp, rename over) register once.
type LoaderService struct {
	orchestrator *OrchestratorService
	dir          string
	debounce     time.Duration

	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu         sync.Mutex
	pending    map[string]time.Time // path -> last event time
	pathToName map[string]string    // path -> registered workflow name
}

// NewLoaderService creates a loader for the given directory.
func NewLoaderService(orchestrator *OrchestratorService, dir string) *LoaderService {
	return &LoaderService{
		orchestrator: orchestrator,
		dir:          dir,
		debounce:     500 * time.Millisecond,
		stopCh:       make(chan struct{}),
		pending:      make(map[string]time.Time),
		pathToName:   make(map[string]string),
	}
}

// Start registers the definitions already in the directory and begins
// watching for changes.
func (s *LoaderService) Start(ctx context.Context) error {
	if err := s.loadAll(ctx); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	s.watcher = watcher

	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		return err
	}

	s.wg.Add(1)
	go s.loop()
	log.Printf("loader: watching %s", s.dir)
	return nil
}

// Stop terminates the watcher. Safe to call multiple times.
func (s *LoaderService) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	if s.watcher != nil {
		s.watcher.Close()
	}
}

// loadAll registers every workflow file currently in the directory.
func (s *LoaderService) loadAll(ctx context.Context) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !isWorkflowFile(entry.Name()) {
			continue
		}
		s.loadFile(ctx, filepath.Join(s.dir, entry.Name()))
	}
	return nil
}

func (s *LoaderService) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !isWorkflowFile(event.Name) {
				continue
			}
			// Atomic saves land as rename-over, deletions as remove or
			// rename-away. The debounce tick checks whether the path
			// still exists and registers or removes accordingly.
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				s.mu.Lock()
				s.pending[event.Name] = time.Now()
				s.mu.Unlock()
			}

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("loader: watch error: %v", err)

		case <-ticker.C:
			s.processPending()
		}
	}
}

func (s *LoaderService) processPending() {
	s.mu.Lock()
	now := time.Now()
	var ready []string
	for path, t := range s.pending {
		if now.Sub(t) >= s.debounce {
			ready = append(ready, path)
		}
	}
	for _, path := range ready {
		delete(s.pending, path)
	}
	s.mu.Unlock()

	ctx := context.Background()
	for _, path := range ready {
		if _, err := os.Stat(path); err != nil {
			s.removeFile(ctx, path)
			continue
		}
		s.loadFile(ctx, path)
	}
}

// loadFile registers or refreshes one workflow definition. A broken
// definition logs the parse error and keeps the previous revision
// registered.
func (s *LoaderService) loadFile(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("loader: failed to read %s: %v", path, err)
		return
	}

	wf, err := s.orchestrator.RegisterWorkflow(ctx, &RegisterWorkflowRequest{
		Path:   path,
		Source: data,
	})
	if err != nil {
		log.Printf("loader: failed to register %s: %v", path, err)
		return
	}

	s.mu.Lock()
	s.pathToName[path] = wf.Name
	s.mu.Unlock()

	log.Printf("loader: registered workflow %s revision %s from %s", wf.Name, wf.Revision, path)
}

// removeFile unregisters the workflow loaded from a deleted file.
func (s *LoaderService) removeFile(ctx context.Context, path string) {
	s.mu.Lock()
	name, ok := s.pathToName[path]
	delete(s.pathToName, path)
	s.mu.Unlock()

	if !ok {
		return
	}

	if err := s.orchestrator.RemoveWorkflow(ctx, name); err != nil {
		log.Printf("loader: failed to remove workflow %s: %v", name, err)
		return
	}
	log.Printf("loader: removed workflow %s, %s was deleted", name, path)
}

func isWorkflowFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
