package registry

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/tollgate/controlplane/internal/fault"
	"github.com/tollgate/controlplane/internal/metrics"
	"github.com/tollgate/controlplane/internal/storage"
)

// Request is the transport-agnostic envelope the dispatcher accepts.
type Request struct {
	Operation     string
	TenantID      string
	Params        map[string]any
	SessionHandle string
}

// OperationResult is the only shape that crosses the dispatch boundary. The
// dispatcher never throws; Code is the machine-readable classification and
// Data is absent on failure.
type OperationResult struct {
	OK      bool           `json:"ok"`
	Data    map[string]any `json:"data,omitempty"`
	Code    string         `json:"code,omitempty"`
	Message string         `json:"message,omitempty"`
}

// Fail builds a failure result.
func Fail(code, message string) OperationResult {
	return OperationResult{OK: false, Code: code, Message: message}
}

// Dispatcher routes requests through the registry. It is the single owner of
// commit and rollback on the request plane.
type Dispatcher struct {
	registry   *Registry
	store      *storage.Store
	metrics    *metrics.Metrics
	deadline   time.Duration
	tenantGate func(ctx context.Context, tenantID string) error
}

// NewDispatcher wires the dispatcher. Metrics may be nil in tests.
func NewDispatcher(reg *Registry, store *storage.Store, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{registry: reg, store: store, metrics: m, deadline: 30 * time.Second}
}

// WithDeadline overrides the per-request root deadline.
func (d *Dispatcher) WithDeadline(deadline time.Duration) *Dispatcher {
	d.deadline = deadline
	return d
}

// WithTenantGate installs the tenant check run before every operation;
// suspended and unknown tenants are refused at dispatch.
func (d *Dispatcher) WithTenantGate(gate func(ctx context.Context, tenantID string) error) *Dispatcher {
	d.tenantGate = gate
	return d
}

// Dispatch executes one request end to end: lookup, session gate, scope
// begin, handler, commit or rollback, fault translation. Panics inside a
// handler are contained and surface as SERVICE_ERROR.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) OperationResult {
	started := time.Now()
	result := d.dispatch(ctx, req)

	if d.metrics != nil {
		code := result.Code
		if result.OK {
			code = "OK"
		}
		d.metrics.RecordOperation(req.Operation, code, time.Since(started).Seconds())
	}
	return result
}

func (d *Dispatcher) dispatch(ctx context.Context, req Request) OperationResult {
	op := d.registry.Lookup(req.Operation)
	if op == nil {
		return Fail(fault.CodeUnknownOperation, "unknown operation "+req.Operation)
	}
	if req.TenantID == "" {
		return Fail(fault.CodeSessionRequired, "request carries no tenant")
	}
	if op.RequiresSession && req.SessionHandle == "" {
		return Fail(fault.CodeSessionRequired, "operation "+op.Name+" requires a session handle")
	}
	if d.tenantGate != nil {
		if err := d.tenantGate(ctx, req.TenantID); err != nil {
			return d.translate(req.Operation, err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, d.deadline)
	defer cancel()

	frame := &Frame{
		TenantID:      req.TenantID,
		Operation:     req.Operation,
		Params:        req.Params,
		SessionHandle: req.SessionHandle,
	}
	if frame.Params == nil {
		frame.Params = map[string]any{}
	}

	var sc *storage.Scope
	if op.RequiresScope {
		var err error
		if op.Serializable {
			sc, err = d.store.BeginSerializable(ctx)
		} else {
			sc, err = d.store.Begin(ctx)
		}
		if err != nil {
			return d.translate(req.Operation, err)
		}
		frame.Scope = sc
	}

	data, err := d.run(ctx, op, frame)

	if sc != nil {
		if err != nil {
			if rbErr := sc.Rollback(); rbErr != nil {
				slog.Error("rollback failed", "operation", req.Operation, "error", rbErr)
			}
		} else if commitErr := sc.Commit(ctx); commitErr != nil {
			return d.translate(req.Operation, commitErr)
		}
	}

	if err != nil {
		return d.translate(req.Operation, err)
	}
	return OperationResult{OK: true, Data: data}
}

// run executes the handler with panic containment. A panic is a programmer
// fault: logged loudly, never re-thrown across the boundary.
func (d *Dispatcher) run(ctx context.Context, op *Operation, frame *Frame) (data map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("handler panic",
				"operation", op.Name, "panic", r, "stack", string(debug.Stack()))
			data = nil
			err = fault.Programmer("handler %s panicked: %v", op.Name, r)
		}
	}()
	return op.Handler(ctx, frame)
}

// translate maps a typed fault onto the wire result. Programmer faults log
// at error level before surfacing; unclassified errors become SERVICE_ERROR.
func (d *Dispatcher) translate(operation string, err error) OperationResult {
	f := fault.As(err)
	if f == nil {
		slog.Error("unclassified dispatch error", "operation", operation, "error", err)
		return Fail(fault.CodeServiceError, "internal error")
	}
	if f.Kind == fault.KindProgrammer {
		slog.Error("programmer fault", "operation", operation, "error", f)
		return Fail(fault.CodeServiceError, "internal error")
	}
	return Fail(f.Code, f.Message)
}
