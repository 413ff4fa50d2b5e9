package common

import (
	"errors"
	"strings"
	"sync"
)

// ErrModulePaused is returned by Guard when operations for a module are halted.
var ErrModulePaused = errors.New("module paused")

// PauseView exposes the read side of the pause switchboard.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard rejects the call when the named module is paused.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

// PauseSet is a concurrency-safe PauseView driven by configuration or an
// operator surface.
type PauseSet struct {
	mu     sync.RWMutex
	paused map[string]bool
}

// NewPauseSet builds a pause set with the supplied modules initially paused.
func NewPauseSet(paused ...string) *PauseSet {
	set := &PauseSet{paused: make(map[string]bool)}
	for _, module := range paused {
		set.SetPaused(module, true)
	}
	return set
}

// SetPaused toggles the pause flag for a module.
func (s *PauseSet) SetPaused(module string, paused bool) {
	if s == nil {
		return
	}
	name := canonicalModule(module)
	if name == "" {
		return
	}
	s.mu.Lock()
	if paused {
		s.paused[name] = true
	} else {
		delete(s.paused, name)
	}
	s.mu.Unlock()
}

// IsPaused implements PauseView.
func (s *PauseSet) IsPaused(module string) bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.paused[canonicalModule(module)]
}

func canonicalModule(module string) string {
	return strings.ToLower(strings.TrimSpace(module))
}
