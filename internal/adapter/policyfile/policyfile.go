// Package policyfile provides a local policy.Evaluator compiled from a YAML
// policy document, optionally reloaded when the file changes.
package policyfile

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/Strob0t/agentwire/internal/domain/policy"
	policyport "github.com/Strob0t/agentwire/internal/port/policy"
)

// Evaluator evaluates envelopes against a compiled local policy. The path
// argument of Evaluate is ignored: one file holds one policy.
type Evaluator struct {
	file    string
	current atomic.Pointer[policyHolder]
	logger  *slog.Logger
}

type policyHolder struct {
	p policy.Policy
}

// Compile-time interface check.
var _ policyport.Evaluator = (*Evaluator)(nil)

// Static returns an evaluator for a fixed policy.
func Static(p policy.Policy) *Evaluator {
	e := &Evaluator{logger: slog.Default()}
	e.current.Store(&policyHolder{p: p})
	return e
}

// Load compiles the policy file at path.
func Load(path string, logger *slog.Logger) (*Evaluator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p, err := policy.LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	e := &Evaluator{file: path, logger: logger}
	e.current.Store(&policyHolder{p: p})
	return e, nil
}

// Evaluate runs the current policy.
func (e *Evaluator) Evaluate(_ context.Context, _ string, in policy.Input) (policy.Decision, error) {
	h := e.current.Load()
	if h == nil || h.p == nil {
		return policy.Decision{}, fmt.Errorf("policyfile: no policy loaded")
	}
	return h.p.Evaluate(in), nil
}

// Name returns the name of the current policy.
func (e *Evaluator) Name() string {
	if h := e.current.Load(); h != nil && h.p != nil {
		return h.p.Name()
	}
	return ""
}

// Reload recompiles the policy file. On error the previous policy stays
// in effect.
func (e *Evaluator) Reload() error {
	if e.file == "" {
		return nil
	}
	p, err := policy.LoadFromFile(e.file)
	if err != nil {
		return err
	}
	e.current.Store(&policyHolder{p: p})
	return nil
}

// Watch reloads the policy whenever its file is written, created or
// renamed into place, until ctx is cancelled. The parent directory is
// watched so atomic replacements by editors are seen.
func (e *Evaluator) Watch(ctx context.Context) error {
	if e.file == "" {
		return nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("policy watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(e.file)); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("watch %s: %w", e.file, err)
	}

	target := filepath.Clean(e.file)
	go func() {
		defer fsw.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := e.Reload(); err != nil {
					e.logger.Error("policy reload failed, keeping previous policy", "path", e.file, "error", err)
					continue
				}
				e.logger.Info("policy reloaded", "path", e.file, "policy", e.Name())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				e.logger.Error("policy watcher error", "error", err)
			}
		}
	}()
	return nil
}
