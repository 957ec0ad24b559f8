// Package dispatch is the central request registry: every unit of work in
// the runtime (gateway call, queue task, loop action, chat tool intent)
// resolves to a registered method and runs under a correlation id with a
// deadline and a cancellation handle.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sentience-labs/warden/pkg/errkind"
	"github.com/sentience-labs/warden/pkg/metrics"
)

// DefaultDeadline applies to methods registered without one.
const DefaultDeadline = 30 * time.Second

// Handler executes one method call. The context is cancelled on deadline
// expiry, client cancellation, and shutdown.
type Handler func(ctx context.Context, params map[string]any) (any, error)

// FieldType is a structural type tag for schema validation.
type FieldType string

const (
	TypeString FieldType = "string"
	TypeNumber FieldType = "number"
	TypeBool   FieldType = "bool"
	TypeObject FieldType = "object"
	TypeArray  FieldType = "array"
	TypeAny    FieldType = "any"
)

// Field declares one parameter of a method.
type Field struct {
	Type     FieldType
	Optional bool
}

// Schema maps parameter names to their structural declarations. Validation
// is structural only; semantic checks belong to the handler.
type Schema map[string]Field

// Validate checks params against the schema.
func (s Schema) Validate(params map[string]any) error {
	for name, field := range s {
		value, present := params[name]
		if !present {
			if field.Optional {
				continue
			}
			return errkind.New(errkind.KindInvalidParams, "missing required parameter %q", name)
		}
		if !matchesType(value, field.Type) {
			return errkind.New(errkind.KindInvalidParams, "parameter %q must be a %s", name, field.Type)
		}
	}
	return nil
}

func matchesType(value any, t FieldType) bool {
	switch t {
	case TypeAny:
		return true
	case TypeString:
		_, ok := value.(string)
		return ok
	case TypeNumber:
		switch value.(type) {
		case float64, float32, int, int64:
			return true
		}
		return false
	case TypeBool:
		_, ok := value.(bool)
		return ok
	case TypeObject:
		_, ok := value.(map[string]any)
		return ok
	case TypeArray:
		_, ok := value.([]any)
		return ok
	}
	return false
}

type method struct {
	name     string
	schema   Schema
	deadline time.Duration
	handler  Handler
}

// errClientCancelled marks a context cancelled through the correlation
// handle rather than by deadline.
var errClientCancelled = errkind.New(errkind.KindCancelled, "request cancelled")

type rpcRecord struct {
	id        string
	method    string
	startedAt time.Time
	cancel    context.CancelCauseFunc
}

// Dispatcher owns the method registry and the live RPC table.
type Dispatcher struct {
	logger *slog.Logger

	mu       sync.Mutex
	methods  map[string]*method
	inflight map[string]*rpcRecord
	sealed   bool
	down     bool
}

// New creates an empty dispatcher.
func New() *Dispatcher {
	return &Dispatcher{
		logger:   slog.Default().With("component", "dispatch"),
		methods:  make(map[string]*method),
		inflight: make(map[string]*rpcRecord),
	}
}

// Register adds a method. Duplicates and post-seal registrations are
// refused.
func (d *Dispatcher) Register(name string, schema Schema, deadline time.Duration, handler Handler) error {
	if name == "" || handler == nil {
		return fmt.Errorf("method registration needs a name and a handler")
	}
	if deadline <= 0 {
		deadline = DefaultDeadline
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sealed {
		return fmt.Errorf("dispatcher is sealed, cannot register %q", name)
	}
	if _, exists := d.methods[name]; exists {
		return fmt.Errorf("method %q is already registered", name)
	}
	d.methods[name] = &method{name: name, schema: schema, deadline: deadline, handler: handler}
	return nil
}

// Seal freezes the registry. Called once startup wiring is complete.
func (d *Dispatcher) Seal() {
	d.mu.Lock()
	d.sealed = true
	d.mu.Unlock()
}

// Methods lists the registered method names.
func (d *Dispatcher) Methods() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.methods))
	for name := range d.methods {
		names = append(names, name)
	}
	return names
}

// Dispatch runs one request to completion. An empty correlation id gets a
// generated one. The returned error always carries a taxonomy kind.
func (d *Dispatcher) Dispatch(ctx context.Context, correlationID, methodName string, params map[string]any) (any, error) {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	d.mu.Lock()
	if d.down {
		d.mu.Unlock()
		return nil, errkind.New(errkind.KindShuttingDown, "dispatcher is shutting down")
	}
	m, known := d.methods[methodName]
	if !known {
		d.mu.Unlock()
		d.count(methodName, errkind.KindUnknownMethod)
		return nil, errkind.New(errkind.KindUnknownMethod, "no method %q", methodName)
	}
	d.mu.Unlock()

	if err := m.schema.Validate(params); err != nil {
		d.count(methodName, errkind.KindInvalidParams)
		return nil, err
	}

	hctx, timeoutCancel := context.WithTimeout(ctx, m.deadline)
	defer timeoutCancel()
	hctx, cancel := context.WithCancelCause(hctx)
	defer cancel(nil)

	record := &rpcRecord{
		id:        correlationID,
		method:    methodName,
		startedAt: time.Now(),
		cancel:    cancel,
	}

	d.mu.Lock()
	// Re-check after validation: a Shutdown landing between the two critical
	// sections has already snapshotted the live table, so a record inserted
	// now would start a handler nothing cancels.
	if d.down {
		d.mu.Unlock()
		return nil, errkind.New(errkind.KindShuttingDown, "dispatcher is shutting down")
	}
	if _, live := d.inflight[correlationID]; live {
		d.mu.Unlock()
		// A live record for a correlation id is an ownership invariant; a
		// second one is a bug in the caller's edge, not an input error.
		panic(fmt.Sprintf("dispatch: correlation id %s already has a live RPC record", correlationID))
	}
	d.inflight[correlationID] = record
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.inflight, correlationID)
		d.mu.Unlock()
	}()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		value, err := m.handler(hctx, params)
		done <- outcome{value: value, err: err}
	}()

	select {
	case result := <-done:
		d.count(methodName, errkind.KindOf(result.err))
		return result.value, result.err
	case <-hctx.Done():
		kind := errkind.KindDeadlineExceeded
		switch {
		case context.Cause(hctx) == errClientCancelled:
			kind = errkind.KindCancelled
		case errkind.KindOf(context.Cause(hctx)) == errkind.KindShuttingDown:
			kind = errkind.KindShuttingDown
		case ctx.Err() != nil:
			kind = errkind.KindCancelled
		}
		d.count(methodName, kind)
		return nil, errkind.New(kind, "method %q did not complete (correlation %s)", methodName, correlationID)
	}
}

// Cancel signals the cancellation handle of one in-flight request. Unknown
// or completed ids report false.
func (d *Dispatcher) Cancel(correlationID string) bool {
	d.mu.Lock()
	record, live := d.inflight[correlationID]
	d.mu.Unlock()
	if !live {
		return false
	}
	record.cancel(errClientCancelled)
	return true
}

// InFlight reports whether a correlation id currently has a live record.
func (d *Dispatcher) InFlight(correlationID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, live := d.inflight[correlationID]
	return live
}

// Shutdown refuses new requests and cancels everything in flight. Safe to
// call repeatedly.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	if d.down {
		d.mu.Unlock()
		return
	}
	d.down = true
	records := make([]*rpcRecord, 0, len(d.inflight))
	for _, record := range d.inflight {
		records = append(records, record)
	}
	d.mu.Unlock()

	cause := errkind.New(errkind.KindShuttingDown, "dispatcher shut down")
	for _, record := range records {
		record.cancel(cause)
	}
	d.logger.Info("Dispatcher shut down", "cancelled", len(records))
}

func (d *Dispatcher) count(methodName string, kind errkind.Kind) {
	metrics.DispatchOutcomes.WithLabelValues(methodName, string(kind)).Inc()
}
