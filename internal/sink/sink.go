// Package sink defines the rendering sink contract and a fan-out sink.
package sink

import (
	"context"
	"sync"

	"go.uber.org/multierr"

	"github.com/OCAP2/locsync/pkg/core"
)

// RenderingSink consumes marker collections. Calls are never concurrent.
type RenderingSink interface {
	ClearAll(ctx context.Context) error
	AddAll(ctx context.Context, markers []core.MarkerEntity) error
}

// Renderer is implemented by sinks that order clear and add themselves.
type Renderer interface {
	Render(ctx context.Context, markers []core.MarkerEntity) error
}

// Render clears s and then adds markers. A failed clear skips the add.
// Errors are *core.RenderError values naming the failed step.
func Render(ctx context.Context, s RenderingSink, markers []core.MarkerEntity) error {
	if r, ok := s.(Renderer); ok {
		return r.Render(ctx, markers)
	}
	if err := s.ClearAll(ctx); err != nil {
		return &core.RenderError{Op: "clear", Err: err}
	}
	if err := s.AddAll(ctx, markers); err != nil {
		return &core.RenderError{Op: "add", Err: err}
	}
	return nil
}

// Closer is implemented by sinks holding connections.
type Closer interface {
	Close() error
}

// Multi forwards every call to all sinks in order. A failing sink does not
// stop the others; errors are combined.
type Multi struct {
	sinks []RenderingSink
}

// NewMulti creates a fan-out sink.
func NewMulti(sinks ...RenderingSink) *Multi {
	return &Multi{sinks: sinks}
}

// Add appends a sink.
func (m *Multi) Add(s RenderingSink) {
	m.sinks = append(m.sinks, s)
}

// Len returns the number of sinks.
func (m *Multi) Len() int {
	return len(m.sinks)
}

// ClearAll clears every sink.
func (m *Multi) ClearAll(ctx context.Context) error {
	var err error
	for _, s := range m.sinks {
		err = multierr.Append(err, s.ClearAll(ctx))
	}
	return err
}

// AddAll adds the markers to every sink.
func (m *Multi) AddAll(ctx context.Context, markers []core.MarkerEntity) error {
	var err error
	for _, s := range m.sinks {
		err = multierr.Append(err, s.AddAll(ctx, markers))
	}
	return err
}

// Render clears then refills each sink in turn. Only a sink whose own clear
// failed misses the add; the combined error lists every failed step.
func (m *Multi) Render(ctx context.Context, markers []core.MarkerEntity) error {
	var err error
	for _, s := range m.sinks {
		err = multierr.Append(err, Render(ctx, s, markers))
	}
	return err
}

// Close closes every sink that holds resources.
func (m *Multi) Close() error {
	var err error
	for _, s := range m.sinks {
		if c, ok := s.(Closer); ok {
			err = multierr.Append(err, c.Close())
		}
	}
	return err
}

// Recorder keeps every call it receives. Used in tests and the dry-run mode.
type Recorder struct {
	mu    sync.Mutex
	Calls []Call

	// ClearErr and AddErr are returned by the matching call when set
	ClearErr error
	AddErr   error
}

// Call is a single recorded sink call.
type Call struct {
	Op      string // "clear" or "add"
	Markers []core.MarkerEntity
}

// ClearAll records a clear.
func (r *Recorder) ClearAll(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Calls = append(r.Calls, Call{Op: "clear"})
	return r.ClearErr
}

// AddAll records an add with a copy of markers.
func (r *Recorder) AddAll(ctx context.Context, markers []core.MarkerEntity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]core.MarkerEntity, len(markers))
	copy(cp, markers)
	r.Calls = append(r.Calls, Call{Op: "add", Markers: cp})
	return r.AddErr
}

// History returns a copy of the recorded calls.
func (r *Recorder) History() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.Calls))
	copy(out, r.Calls)
	return out
}
