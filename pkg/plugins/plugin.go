// Package plugins loads the daemon's plugins and drives their lifecycle.
//
// Plugins come from two places: built-ins that register a factory at
// package init, and Go shared objects found in the plugin directory. Both
// are initialized in the order given by the platform manifest, then any
// plugin the manifest did not name is initialized once with phase 0.
package plugins

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/glennswest/switchd/pkg/asic"
	"github.com/glennswest/switchd/pkg/blocks"
	"github.com/glennswest/switchd/pkg/extension"
	"github.com/glennswest/switchd/pkg/netdev"
	"github.com/glennswest/switchd/pkg/poll"
	"github.com/glennswest/switchd/pkg/store"
)

// ErrMissingSymbol is returned when a shared object lacks a required
// lifecycle function.
var ErrMissingSymbol = errors.New("missing plugin symbol")

// Host is what the daemon hands to every plugin.
type Host struct {
	Log        *zap.SugaredLogger
	Extensions *extension.Registry
	Buses      *blocks.Buses
	Store      *store.Store
	Netdevs    *netdev.Registry
	Classes    *asic.Classes
}

// Plugin is the required lifecycle. Init may be called more than once with
// increasing phase ids when the manifest lists the plugin repeatedly.
type Plugin interface {
	Init(h *Host, phaseID int) error
	Run(h *Host) error
	Wait(h *Host, p *poll.Poller)
	Destroy(h *Host) error
}

// NetdevRegisterer is implemented by plugins that add netdev classes.
type NetdevRegisterer interface {
	NetdevRegister(h *Host) error
}

// OfprotoRegisterer is implemented by plugins that add datapath providers.
type OfprotoRegisterer interface {
	OfprotoRegister(h *Host) error
}

// BufmonRegisterer is implemented by plugins that add a buffer-monitor
// provider.
type BufmonRegisterer interface {
	BufmonRegister(h *Host) error
}

// Factory builds a fresh built-in plugin.
type Factory func() Plugin

var (
	builtinMu sync.Mutex
	builtins  = make(map[string]Factory)
)

// RegisterBuiltin makes a compiled-in plugin discoverable under name. It is
// meant to be called from init functions and panics on a duplicate name.
func RegisterBuiltin(name string, f Factory) {
	builtinMu.Lock()
	defer builtinMu.Unlock()
	if _, dup := builtins[name]; dup {
		panic(fmt.Sprintf("plugins: builtin %q registered twice", name))
	}
	builtins[name] = f
}

// Builtins returns the names of the compiled-in plugins, sorted.
func Builtins() []string {
	builtinMu.Lock()
	defer builtinMu.Unlock()
	out := make([]string, 0, len(builtins))
	for name := range builtins {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func builtin(name string) Factory {
	builtinMu.Lock()
	defer builtinMu.Unlock()
	return builtins[name]
}
