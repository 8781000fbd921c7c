package plugins

import (
	"fmt"
	"plugin"

	"github.com/glennswest/switchd/pkg/poll"
)

// Shared objects export package-level functions with these signatures.
type (
	initFunc     = func(h *Host, phaseID int) error
	runFunc      = func(h *Host) error
	waitFunc     = func(h *Host, p *poll.Poller)
	destroyFunc  = func(h *Host) error
	registerFunc = func(h *Host) error
)

// symbolTable resolves exported symbols of one opened module.
type symbolTable func(name string) (any, error)

// openSymbols opens a shared object. Tests replace it to exercise the
// loader without building .so files.
var openSymbols = func(path string) (symbolTable, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, err
	}
	return func(name string) (any, error) {
		sym, err := p.Lookup(name)
		if err != nil {
			return nil, err
		}
		return sym, nil
	}, nil
}

// sharedPlugin adapts the symbols of one shared object to Plugin.
type sharedPlugin struct {
	path string

	init    initFunc
	run     runFunc
	wait    waitFunc
	destroy destroyFunc

	netdevRegister  registerFunc
	ofprotoRegister registerFunc
	bufmonRegister  registerFunc
}

var _ Plugin = (*sharedPlugin)(nil)

func (s *sharedPlugin) Init(h *Host, phaseID int) error { return s.init(h, phaseID) }
func (s *sharedPlugin) Run(h *Host) error               { return s.run(h) }
func (s *sharedPlugin) Wait(h *Host, p *poll.Poller)    { s.wait(h, p) }
func (s *sharedPlugin) Destroy(h *Host) error           { return s.destroy(h) }

func lookup[T any](sym symbolTable, name string) (T, bool) {
	var zero T
	v, err := sym(name)
	if err != nil {
		return zero, false
	}
	// Exported funcs come back as func values; exported vars holding a func
	// come back as pointers to them.
	switch f := v.(type) {
	case T:
		return f, true
	case *T:
		return *f, true
	}
	return zero, false
}

// openShared resolves the lifecycle of the shared object at path. missing
// lists the optional hooks the module does not export.
func openShared(path string) (s *sharedPlugin, missing []string, err error) {
	sym, err := openSymbols(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s: %w", path, err)
	}

	s = &sharedPlugin{path: path}
	var ok bool
	if s.init, ok = lookup[initFunc](sym, "Init"); !ok {
		return nil, nil, fmt.Errorf("%s: Init: %w", path, ErrMissingSymbol)
	}
	if s.run, ok = lookup[runFunc](sym, "Run"); !ok {
		return nil, nil, fmt.Errorf("%s: Run: %w", path, ErrMissingSymbol)
	}
	if s.wait, ok = lookup[waitFunc](sym, "Wait"); !ok {
		return nil, nil, fmt.Errorf("%s: Wait: %w", path, ErrMissingSymbol)
	}
	if s.destroy, ok = lookup[destroyFunc](sym, "Destroy"); !ok {
		return nil, nil, fmt.Errorf("%s: Destroy: %w", path, ErrMissingSymbol)
	}

	if s.netdevRegister, ok = lookup[registerFunc](sym, "NetdevRegister"); !ok {
		missing = append(missing, "NetdevRegister")
	}
	if s.ofprotoRegister, ok = lookup[registerFunc](sym, "OfprotoRegister"); !ok {
		missing = append(missing, "OfprotoRegister")
	}
	if s.bufmonRegister, ok = lookup[registerFunc](sym, "BufmonRegister"); !ok {
		missing = append(missing, "BufmonRegister")
	}
	return s, missing, nil
}

// The hook accessors return nil when p does not provide the hook.

func netdevHook(p Plugin) registerFunc {
	if s, ok := p.(*sharedPlugin); ok {
		return s.netdevRegister
	}
	if r, ok := p.(NetdevRegisterer); ok {
		return r.NetdevRegister
	}
	return nil
}

func ofprotoHook(p Plugin) registerFunc {
	if s, ok := p.(*sharedPlugin); ok {
		return s.ofprotoRegister
	}
	if r, ok := p.(OfprotoRegisterer); ok {
		return r.OfprotoRegister
	}
	return nil
}

func bufmonHook(p Plugin) registerFunc {
	if s, ok := p.(*sharedPlugin); ok {
		return s.bufmonRegister
	}
	if r, ok := p.(BufmonRegisterer); ok {
		return r.BufmonRegister
	}
	return nil
}
