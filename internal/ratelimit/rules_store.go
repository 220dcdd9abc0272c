package ratelimit

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	ratelimitv3 "github.com/envoyproxy/go-control-plane/envoy/extensions/common/ratelimit/v3"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// RuleStore holds the active rule configuration behind a read-mostly guard.
// Reloads swap the whole tree atomically, so readers never observe a partial
// config. On a failed reload the previous configuration is retained.
type RuleStore struct {
	mu       sync.RWMutex
	config   RateLimitConfig
	path     string
	onReload []func()
}

// NewRuleStore returns a store serving the given configuration. Stores built
// this way have no backing file and cannot be watched.
func NewRuleStore(config RateLimitConfig) *RuleStore {
	return &RuleStore{config: config}
}

// NewRuleStoreFromFile loads the rules file and remembers its path for
// reloads.
func NewRuleStoreFromFile(path string) (*RuleStore, error) {
	cfg, err := LoadRules(path)
	if err != nil {
		return nil, err
	}
	return &RuleStore{config: cfg, path: path}, nil
}

// FindLimit resolves the effective rule under the current configuration.
func (s *RuleStore) FindLimit(domain string, descriptor *ratelimitv3.RateLimitDescriptor) *RateLimitRule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config.FindLimit(domain, descriptor)
}

// Config returns a snapshot of the current configuration.
func (s *RuleStore) Config() RateLimitConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// SetConfig swaps the active configuration and runs reload hooks.
func (s *RuleStore) SetConfig(config RateLimitConfig) {
	s.mu.Lock()
	s.config = config
	hooks := s.onReload
	s.mu.Unlock()

	for _, hook := range hooks {
		hook()
	}
}

// OnReload registers a hook invoked after every successful configuration
// swap. The local limiter uses this to drop counters built against the old
// limits.
func (s *RuleStore) OnReload(hook func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReload = append(s.onReload, hook)
}

// Reload re-reads the backing file. Errors leave the active configuration
// untouched.
func (s *RuleStore) Reload() error {
	if s.path == "" {
		return nil
	}
	cfg, err := LoadRules(s.path)
	if err != nil {
		return err
	}
	s.SetConfig(cfg)
	return nil
}

// Watch reloads the rules when the backing file changes or the reload
// interval elapses, until the context is canceled. A reload failure keeps
// the previous rules and logs at warn. Watcher setup failure degrades to
// interval-only reloads.
func (s *RuleStore) Watch(ctx context.Context, reloadInterval time.Duration) {
	if s.path == "" {
		return
	}

	var events chan fsnotify.Event
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create rules watcher, falling back to interval reloads")
	} else {
		defer watcher.Close()
		// Watch the directory: editors and config managers replace the file,
		// which would orphan a watch on the file itself.
		if err := watcher.Add(filepath.Dir(s.path)); err != nil {
			log.Warn().Err(err).Str("path", s.path).Msg("Failed to watch rules directory")
		} else {
			events = watcher.Events
		}
	}

	if reloadInterval <= 0 {
		reloadInterval = time.Minute
	}
	ticker := time.NewTicker(reloadInterval)
	defer ticker.Stop()

	target := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-events:
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := s.Reload(); err != nil {
				log.Warn().Err(err).Str("path", s.path).Msg("Rules reload failed, keeping previous rules")
			}
		case <-ticker.C:
			if err := s.Reload(); err != nil {
				log.Warn().Err(err).Str("path", s.path).Msg("Rules reload failed, keeping previous rules")
			}
		}
	}
}
