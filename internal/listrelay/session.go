package listrelay

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// StaticSessionProvider serves tokens from a fixed map, mainly for tests and
// single-tenant deployments.
type StaticSessionProvider map[string]string

func (p StaticSessionProvider) ResolveSession(_ context.Context, ownerID string) (Session, error) {
	token, ok := p[ownerID]
	if !ok || strings.TrimSpace(token) == "" {
		return Session{}, ErrNoValidSession
	}
	return Session{OwnerID: ownerID, Token: token}, nil
}

// FileSessionProvider reads owner tokens from a JSON file
// ({"ownerID": "token", ...}) and reloads it whenever the file changes,
// so rotated credentials (e.g. a mounted secret) are picked up without a
// restart.
type FileSessionProvider struct {
	path   string
	logger Logger

	mu     sync.RWMutex
	tokens map[string]string

	watcher *fsnotify.Watcher
	closed  chan struct{}
	once    sync.Once
}

func NewFileSessionProvider(path string, logger Logger) (*FileSessionProvider, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	p := &FileSessionProvider{
		path:   path,
		logger: logger,
		tokens: map[string]string{},
		closed: make(chan struct{}),
	}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory rather than the file: editors and secret mounts
	// replace the file, which would otherwise drop the watch.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	p.watcher = watcher
	go p.watch()
	return p, nil
}

func (p *FileSessionProvider) ResolveSession(_ context.Context, ownerID string) (Session, error) {
	p.mu.RLock()
	token, ok := p.tokens[ownerID]
	p.mu.RUnlock()
	if !ok || strings.TrimSpace(token) == "" {
		return Session{}, ErrNoValidSession
	}
	return Session{OwnerID: ownerID, Token: token}, nil
}

// Reload re-reads the credentials file. A missing file is not an error; it
// simply leaves no valid sessions.
func (p *FileSessionProvider) Reload() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			p.mu.Lock()
			p.tokens = map[string]string{}
			p.mu.Unlock()
			return nil
		}
		return err
	}
	var tokens map[string]string
	if err := json.Unmarshal(data, &tokens); err != nil {
		return err
	}
	p.mu.Lock()
	p.tokens = tokens
	p.mu.Unlock()
	return nil
}

func (p *FileSessionProvider) watch() {
	base := filepath.Base(p.path)
	for {
		select {
		case <-p.closed:
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if err := p.Reload(); err != nil {
				logf(p.logger, "session provider: reload %s failed: %v", p.path, err)
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			logf(p.logger, "session provider: watch error: %v", err)
		}
	}
}

func (p *FileSessionProvider) Close() error {
	var err error
	p.once.Do(func() {
		close(p.closed)
		if p.watcher != nil {
			err = p.watcher.Close()
		}
	})
	return err
}
