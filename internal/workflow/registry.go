package workflow

import (
	"cmp"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"
)

// Registry holds workflows keyed by name and by event.
type Registry struct {
	deps Deps

	mu      sync.RWMutex
	byName  map[string]*Workflow
	byEvent map[string]*Workflow
}

// NewRegistry constructs an empty registry bound to deps.
func NewRegistry(deps Deps) *Registry {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Registry{
		deps:    deps,
		byName:  make(map[string]*Workflow),
		byEvent: make(map[string]*Workflow),
	}
}

// Register adds def. Names and events must be unique.
func (r *Registry) Register(def Definition) (*Workflow, error) {
	if err := def.validate(); err != nil {
		return nil, err
	}
	def.Policy = def.Policy.withDefaults()
	if def.Lookback <= 0 {
		def.Lookback = DefaultLookback
	}
	def.StartURLs = slices.Clone(def.StartURLs)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.byName[def.Name]; dup {
		return nil, fmt.Errorf("workflow %s already registered", def.Name)
	}
	if existing, dup := r.byEvent[def.Event]; dup {
		return nil, fmt.Errorf("event %s already handled by %s", def.Event, existing.def.Name)
	}
	w := &Workflow{def: def, registry: r, state: StateIdle}
	r.byName[def.Name] = w
	r.byEvent[def.Event] = w
	return w, nil
}

// MustRegister is Register for static site tables.
func (r *Registry) MustRegister(defs ...Definition) {
	for _, def := range defs {
		if _, err := r.Register(def); err != nil {
			panic(err)
		}
	}
}

// Get returns the workflow named name.
func (r *Registry) Get(name string) (*Workflow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.byName[name]
	return w, ok
}

// ForEvent returns the workflow handling event.
func (r *Registry) ForEvent(event string) (*Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.byEvent[event]
	if !ok {
		return nil, fmt.Errorf("%s: %w", event, ErrUnknownEvent)
	}
	return w, nil
}

// List returns every workflow ordered by name.
func (r *Registry) List() []*Workflow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Workflow, 0, len(r.byName))
	for _, w := range r.byName {
		out = append(out, w)
	}
	slices.SortFunc(out, func(a, b *Workflow) int { return cmp.Compare(a.def.Name, b.def.Name) })
	return out
}

func (r *Registry) env(w *Workflow, debug bool) *Env {
	store := r.deps.Store
	if debug && store != nil {
		store = store.AsDryRun()
	}
	return &Env{
		Store:    store,
		Covers:   r.deps.Covers,
		Logger:   r.deps.Logger.With(zap.String("workflow", w.def.Name)),
		registry: r,
		self:     w,
		debug:    debug,
	}
}
