// Package readiness implements a minimal health-checking mechanism for use as readiness probes.
// A component stays ready once it has been marked ready.
package readiness

import (
	"bytes"
	"fmt"
	"net/http"
	"sort"
	"sync"
)

type Component string

// Registry tracks the readiness of a set of components.
type Registry struct {
	mu         sync.Mutex
	components map[Component]bool
}

func NewRegistry() *Registry {
	return &Registry{components: map[Component]bool{}}
}

// Default is the process-wide registry used by the package-level helpers.
var Default = NewRegistry()

// RegisterComponent registers the given component name such that it is required to be ready
// for the check to succeed. Registering twice is a no-op.
func (r *Registry) RegisterComponent(component Component) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.components[component]; ok {
		return
	}
	r.components[component] = false
}

func (r *Registry) SetReady(component Component) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.components[component] = true
}

// Ready reports whether all registered components are ready.
func (r *Registry) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range r.components {
		if !v {
			return false
		}
	}
	return true
}

// Handler returns 200 OK if all components are ready, or 412 Precondition Failed otherwise.
// The body lists the components and is not meant for machine consumption.
func (r *Registry) Handler(w http.ResponseWriter, _ *http.Request) {
	resp := new(bytes.Buffer)
	resp.WriteString("[not suitable for monitoring - do not parse]\n\n")

	r.mu.Lock()
	names := make([]string, 0, len(r.components))
	for k := range r.components {
		names = append(names, string(k))
	}
	sort.Strings(names)
	ready := true
	for _, k := range names {
		v := r.components[Component(k)]
		fmt.Fprintf(resp, "%s\t%v\n", k, v)
		if !v {
			ready = false
		}
	}
	r.mu.Unlock()

	if !ready {
		w.WriteHeader(http.StatusPreconditionFailed)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_, _ = resp.WriteTo(w)
}

func RegisterComponent(component Component) { Default.RegisterComponent(component) }

func SetReady(component Component) { Default.SetReady(component) }

func Handler(w http.ResponseWriter, r *http.Request) { Default.Handler(w, r) }
