// Package registry is the dispatch plane: a process-wide mapping from
// operation names to handlers, and the dispatcher that owns the transactional
// scope around every request. Handlers never commit; the dispatcher commits
// on success and rolls back on any failure.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tollgate/controlplane/internal/fault"
	"github.com/tollgate/controlplane/internal/storage"
)

// Layers an operation may declare. The alphabet is fixed; the dispatcher
// refuses registrations outside it.
const (
	LayerOrchestrator = "orchestrator"
	LayerEngine       = "engine"
	LayerDriver       = "driver"
	LayerModel        = "model"
)

var validLayers = map[string]bool{
	LayerOrchestrator: true,
	LayerEngine:       true,
	LayerDriver:       true,
	LayerModel:        true,
}

// Frame is the per-request call frame handed to a handler: the validated
// request context plus the scope the dispatcher owns. Handlers re-validate
// parameters even when the transport already checked them; the handler is
// the trust boundary.
type Frame struct {
	TenantID      string
	Operation     string
	Params        map[string]any
	SessionHandle string
	Scope         *storage.Scope
}

// Method returns the params.method sub-route, empty when absent.
func (f *Frame) Method() string {
	m, _ := f.Params["method"].(string)
	return m
}

// StringParam extracts a required string parameter.
func (f *Frame) StringParam(name string) (string, error) {
	v, ok := f.Params[name].(string)
	if !ok || v == "" {
		return "", fault.MissingParam(name)
	}
	return v, nil
}

// OptionalString extracts an optional string parameter.
func (f *Frame) OptionalString(name string) string {
	v, _ := f.Params[name].(string)
	return v
}

// Int64Param extracts a numeric parameter; JSON transports deliver float64.
func (f *Frame) Int64Param(name string) (int64, error) {
	switch v := f.Params[name].(type) {
	case float64:
		return int64(v), nil
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	default:
		return 0, fault.MissingParam(name)
	}
}

// OptionalInt64 extracts an optional numeric parameter, 0 when absent.
func (f *Frame) OptionalInt64(name string) int64 {
	n, err := f.Int64Param(name)
	if err != nil {
		return 0
	}
	return n
}

// Float64Param extracts a required float parameter.
func (f *Frame) Float64Param(name string) (float64, error) {
	switch v := f.Params[name].(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	default:
		return 0, fault.MissingParam(name)
	}
}

// HandlerFunc executes one operation against its frame. Returned data rides
// on the success result; returned errors are translated to wire codes.
type HandlerFunc func(ctx context.Context, f *Frame) (map[string]any, error)

// Operation declares a handler and its layer contract.
type Operation struct {
	Name            string
	Layer           string
	RequiresScope   bool
	RequiresSession bool
	Serializable    bool // scope opens at SERIALIZABLE isolation
	Handler         HandlerFunc
}

// Registry is the process-wide operation table, populated at boot.
type Registry struct {
	mu  sync.RWMutex
	ops map[string]*Operation
}

func New() *Registry {
	return &Registry{ops: make(map[string]*Operation)}
}

// Register adds an operation. Duplicate names and unknown layers are boot
// bugs and panic immediately.
func (r *Registry) Register(op *Operation) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if op.Name == "" || op.Handler == nil {
		panic(fmt.Sprintf("registry: invalid operation registration %+v", op))
	}
	if !validLayers[op.Layer] {
		panic(fmt.Sprintf("registry: operation %s declares unknown layer %q", op.Name, op.Layer))
	}
	if _, exists := r.ops[op.Name]; exists {
		panic(fmt.Sprintf("registry: duplicate operation %s", op.Name))
	}
	r.ops[op.Name] = op
}

// Lookup returns the operation for a name, nil when unknown.
func (r *Registry) Lookup(name string) *Operation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ops[name]
}

// Names lists the registered operation names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.ops))
	for name := range r.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Methods is a closed sub-routing table inside a handler. Unknown methods
// surface as UNKNOWN_METHOD on the wire.
type Methods map[string]HandlerFunc

// Dispatch routes on the frame's params.method.
func (m Methods) Dispatch(ctx context.Context, f *Frame) (map[string]any, error) {
	method := f.Method()
	if method == "" {
		return nil, fault.MissingParam("method")
	}
	h, ok := m[method]
	if !ok {
		return nil, fault.New(fault.KindPermanent, fault.CodeUnknownMethod,
			"operation %s has no method %q", f.Operation, method)
	}
	return h(ctx, f)
}
