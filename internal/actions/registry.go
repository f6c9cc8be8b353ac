package actions

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// HandlerFunc executes one action against the environment with validated
// parameters. Returning an error marks the action failed; the dispatcher
// owns retries and error classification.
type HandlerFunc func(ctx context.Context, env *Env, p Params) (*Result, error)

// Result is what a handler hands back to the dispatcher.
type Result struct {
	// Extracted carries content produced for the model, e.g. page text.
	Extracted string
	// IncludeInMemory asks the conversation layer to retain Extracted
	// beyond the next step.
	IncludeInMemory bool
	// Done ends the episode. Success and Summary qualify how it ended.
	Done    bool
	Success bool
	Summary string
}

// Action couples a catalog entry with its handler.
type Action struct {
	Name        string
	Description string
	Params      Schema
	// Terminal actions end the episode when they succeed.
	Terminal bool
	Handler  HandlerFunc
}

// Registry is the engine's action catalog. Registration order is preserved:
// the catalog text the model sees and the order tests observe are the
// order actions were registered in.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]*Action
	order   []string
}

func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]*Action)}
}

// Register adds an action. Names must be unique and non-empty.
func (r *Registry) Register(a *Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a == nil || a.Name == "" {
		return fmt.Errorf("action name cannot be empty")
	}
	if a.Handler == nil {
		return fmt.Errorf("action %q has no handler", a.Name)
	}
	if _, exists := r.actions[a.Name]; exists {
		return fmt.Errorf("action %q already registered", a.Name)
	}
	r.actions[a.Name] = a
	r.order = append(r.order, a.Name)
	return nil
}

// MustRegister adds an action and panics on error. For static catalogs
// assembled at construction time.
func (r *Registry) MustRegister(a *Action) {
	if err := r.Register(a); err != nil {
		panic(err)
	}
}

// Get returns an action by name.
func (r *Registry) Get(name string) (*Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[name]
	return a, ok
}

// Names returns the registered names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Catalog renders the deterministic plaintext catalog embedded in the
// system prompt: one block per action, parameters sorted by name.
func (r *Registry) Catalog() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var sb strings.Builder
	for _, name := range r.order {
		a := r.actions[name]
		fmt.Fprintf(&sb, "%s: %s\n", a.Name, a.Description)

		keys := make([]string, 0, len(a.Params.Properties))
		for key := range a.Params.Properties {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		required := make(map[string]bool, len(a.Params.Required))
		for _, req := range a.Params.Required {
			required[req] = true
		}
		for _, key := range keys {
			prop := a.Params.Properties[key]
			fmt.Fprintf(&sb, "  - %s (%s", key, prop.Type)
			if required[key] {
				sb.WriteString(", required")
			}
			sb.WriteString(")")
			if prop.Description != "" {
				sb.WriteString(": " + prop.Description)
			}
			if len(prop.Enum) > 0 {
				fmt.Fprintf(&sb, " [one of: %s]", strings.Join(prop.Enum, ", "))
			}
			if prop.Default != nil {
				fmt.Fprintf(&sb, " (default %v)", prop.Default)
			}
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}
