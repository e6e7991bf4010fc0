package common

import (
	"errors"
	"sort"
	"sync"
)

// ErrModulePaused is returned by Guard when the named module is halted.
var ErrModulePaused = errors.New("module paused")

// PauseView reports whether a native module has been administratively halted.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard rejects a module operation while the module is paused. A nil view or
// empty module name always passes.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

// PauseSet is a concurrency-safe PauseView backed by an in-memory set. Node
// operators toggle entries at runtime; engines only ever read it through
// Guard. The zero value is ready to use.
type PauseSet struct {
	mu     sync.RWMutex
	paused map[string]struct{}
}

// NewPauseSet returns an empty pause set.
func NewPauseSet() *PauseSet {
	return &PauseSet{paused: make(map[string]struct{})}
}

// SetPaused marks or unmarks the module as halted.
func (p *PauseSet) SetPaused(module string, paused bool) {
	if p == nil || module == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused == nil {
		p.paused = make(map[string]struct{})
	}
	if paused {
		p.paused[module] = struct{}{}
	} else {
		delete(p.paused, module)
	}
}

// IsPaused implements PauseView.
func (p *PauseSet) IsPaused(module string) bool {
	if p == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.paused[module]
	return ok
}

// Paused returns the sorted list of halted modules, for operator inspection.
func (p *PauseSet) Paused() []string {
	if p == nil {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.paused))
	for module := range p.paused {
		out = append(out, module)
	}
	sort.Strings(out)
	return out
}
