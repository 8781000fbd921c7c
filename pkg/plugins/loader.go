package plugins

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/glennswest/switchd/pkg/poll"
)

// DisabledDir turns off shared-object discovery.
const DisabledDir = "none"

// Loader owns the discovered plugins and drives their lifecycle. Calls
// other than Discover and Init are made from the main loop only.
type Loader struct {
	host        *Host
	log         *zap.SugaredLogger
	dir         string
	manifestDir string
	inv         Inventory

	mu    sync.Mutex
	units map[string]*unit
	order []*unit // in first-init order
}

type unit struct {
	Name   string
	Source string // "builtin" or the shared object path
	Plugin Plugin

	// Phase is the id the next Init receives. It stays 0 for plugins the
	// manifest does not list until their single unordered Init.
	Phase  int
	inited bool
}

// NewLoader returns a loader that searches dir for shared objects and
// manifestDir for the platform manifest. inv may be nil to always use the
// generic manifest.
func NewLoader(h *Host, dir, manifestDir string, inv Inventory) *Loader {
	return &Loader{
		host:        h,
		log:         h.Log.Named("plugins"),
		dir:         dir,
		manifestDir: manifestDir,
		inv:         inv,
		units:       make(map[string]*unit),
	}
}

// Register adds an already built plugin under name.
func (l *Loader) Register(name, source string, p Plugin) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, dup := l.units[name]; dup {
		return fmt.Errorf("plugin %q already registered", name)
	}
	l.units[name] = &unit{Name: name, Source: source, Plugin: p}
	l.log.Infow("registered plugin", "name", name, "source", source)
	return nil
}

// ─── Discovery ──────────────────────────────────────────────────────────────

// Discover instantiates every built-in plugin and opens every shared object
// in the plugin directory. A module that fails to open or lacks a required
// symbol is logged and skipped.
func (l *Loader) Discover() error {
	for _, name := range Builtins() {
		if err := l.Register(name, "builtin", builtin(name)()); err != nil {
			l.log.Warnw("skipping builtin plugin", "name", name, "error", err)
		}
	}

	if l.dir == "" || l.dir == DisabledDir {
		return nil
	}
	entries, err := os.ReadDir(l.dir)
	if os.IsNotExist(err) {
		l.log.Infow("plugin directory absent", "dir", l.dir)
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading plugin directory %s: %w", l.dir, err)
	}

	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".so" {
			continue
		}
		path := filepath.Join(l.dir, e.Name())
		name := strings.TrimSuffix(e.Name(), ".so")

		s, missing, err := openShared(path)
		if err != nil {
			l.log.Warnw("skipping plugin module", "path", path, "error", err)
			continue
		}
		for _, sym := range missing {
			l.log.Infow("plugin module has no optional hook", "path", path, "symbol", sym)
		}
		if err := l.Register(name, path, s); err != nil {
			l.log.Warnw("skipping plugin module", "path", path, "error", err)
		}
	}
	return nil
}

// ─── Ordered Init ───────────────────────────────────────────────────────────

// Init calls Init on every plugin: first in manifest order with a per-plugin
// phase counter, then once with phase 0 on the plugins the manifest left out.
func (l *Loader) Init(ctx context.Context) {
	path := ManifestPath(ctx, l.manifestDir, l.inv)
	names, err := ReadManifest(path)
	if err != nil {
		l.log.Warnw("ignoring plugin manifest", "path", path, "error", err)
	}
	l.log.Infow("initializing plugins", "manifest", path, "listed", len(names))

	for _, name := range names {
		l.mu.Lock()
		u, ok := l.units[name]
		l.mu.Unlock()
		if !ok {
			l.log.Warnw("manifest names unknown plugin", "name", name)
			continue
		}
		l.initUnit(u, u.Phase)
		u.Phase++
	}

	for _, u := range l.sortedUnits() {
		if u.Phase == 0 && !u.inited {
			l.initUnit(u, 0)
		}
	}
}

func (l *Loader) initUnit(u *unit, phase int) {
	if err := u.Plugin.Init(l.host, phase); err != nil {
		l.log.Errorw("plugin init failed", "name", u.Name, "phase", phase, "error", err)
		return
	}
	if !u.inited {
		u.inited = true
		l.mu.Lock()
		l.order = append(l.order, u)
		l.mu.Unlock()
	}
	l.log.Debugw("plugin initialized", "name", u.Name, "phase", phase)
}

func (l *Loader) sortedUnits() []*unit {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*unit, 0, len(l.units))
	for _, u := range l.units {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// active returns the initialized plugins in init order.
func (l *Loader) active() []*unit {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*unit(nil), l.order...)
}

// Names returns the initialized plugins in init order.
func (l *Loader) Names() []string {
	var out []string
	for _, u := range l.active() {
		out = append(out, u.Name)
	}
	return out
}

// Plugin returns the plugin registered as name, or nil.
func (l *Loader) Plugin(name string) Plugin {
	l.mu.Lock()
	defer l.mu.Unlock()
	if u, ok := l.units[name]; ok {
		return u.Plugin
	}
	return nil
}

// ─── Fan-out ────────────────────────────────────────────────────────────────

func (l *Loader) Run() {
	for _, u := range l.active() {
		if err := u.Plugin.Run(l.host); err != nil {
			l.log.Warnw("plugin run failed", "name", u.Name, "error", err)
		}
	}
}

func (l *Loader) Wait(p *poll.Poller) {
	for _, u := range l.active() {
		u.Plugin.Wait(l.host, p)
	}
}

// Destroy tears plugins down in reverse init order.
func (l *Loader) Destroy() {
	units := l.active()
	for i := len(units) - 1; i >= 0; i-- {
		u := units[i]
		if err := u.Plugin.Destroy(l.host); err != nil {
			l.log.Warnw("plugin destroy failed", "name", u.Name, "error", err)
		}
	}
	l.mu.Lock()
	l.order = nil
	l.mu.Unlock()
}

func (l *Loader) NetdevRegister()  { l.fanOut("NetdevRegister", netdevHook) }
func (l *Loader) OfprotoRegister() { l.fanOut("OfprotoRegister", ofprotoHook) }
func (l *Loader) BufmonRegister()  { l.fanOut("BufmonRegister", bufmonHook) }

func (l *Loader) fanOut(hook string, get func(Plugin) registerFunc) {
	for _, u := range l.active() {
		fn := get(u.Plugin)
		if fn == nil {
			continue
		}
		if err := fn(l.host); err != nil {
			l.log.Errorw("plugin hook failed", "name", u.Name, "hook", hook, "error", err)
		}
	}
}
