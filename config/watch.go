package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"market-access-go/cache"
)

// PolicyApplier receives the cache policy table of every successful reload.
// cache.PolicyManager.ReplacePolicies satisfies it.
type PolicyApplier func(map[cache.DataType]cache.Policy) error

// PolicyWatcher 监听配置文件变化，仅热更新缓存策略表；其余配置需重启生效。
type PolicyWatcher struct {
	path     string
	cooldown time.Duration
	apply    PolicyApplier
	logger   *zap.Logger

	watcher *fsnotify.Watcher
	mu      sync.Mutex
	reloads int
	lastErr error
}

// NewPolicyWatcher watches the directory holding path, so editors that
// replace the file by rename are still seen. Bursts of events closer than
// cooldown collapse into one reload.
func NewPolicyWatcher(path string, cooldown time.Duration, apply PolicyApplier, logger *zap.Logger) (*PolicyWatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cooldown <= 0 {
		cooldown = 500 * time.Millisecond
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("failed to watch config dir: %w", err)
	}
	return &PolicyWatcher{path: abs, cooldown: cooldown, apply: apply, logger: logger, watcher: w}, nil
}

// Run processes events until ctx is done, then closes the watcher.
func (p *PolicyWatcher) Run(ctx context.Context) error {
	defer p.watcher.Close()
	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		case event, ok := <-p.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != p.path {
				continue
			}
			// 只处理写入、创建和改名事件
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(p.cooldown)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(p.cooldown)
			}
			pending = timer.C
		case <-pending:
			pending = nil
			p.Reload()
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return nil
			}
			p.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

// Reload loads the file and applies its policy table. A file that fails to
// load or validate leaves the current table untouched.
func (p *PolicyWatcher) Reload() error {
	err := p.reload()
	p.mu.Lock()
	p.lastErr = err
	if err == nil {
		p.reloads++
	}
	p.mu.Unlock()
	if err != nil {
		p.logger.Error("cache policy reload failed", zap.String("path", p.path), zap.Error(err))
		return err
	}
	p.logger.Info("cache policies reloaded", zap.String("path", p.path))
	return nil
}

func (p *PolicyWatcher) reload() error {
	cfg, err := Load(p.path)
	if err != nil {
		return err
	}
	policies, err := cfg.CachePolicies()
	if err != nil {
		return err
	}
	return p.apply(policies)
}

// Stats returns the number of successful reloads and the last reload error.
func (p *PolicyWatcher) Stats() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reloads, p.lastErr
}
