// Package syncloop keeps a marker set in sync with a remote location store.
package syncloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/OCAP2/locsync/internal/config"
	"github.com/OCAP2/locsync/internal/dispatcher"
	"github.com/OCAP2/locsync/internal/markers"
	"github.com/OCAP2/locsync/internal/sink"
	"github.com/OCAP2/locsync/internal/store"
	"github.com/OCAP2/locsync/pkg/core"
)

// MatchMode selects how fetched records are paired with markers.
type MatchMode int

const (
	// MatchMember pairs records with markers by member ID.
	MatchMember MatchMode = iota
	// MatchPosition pairs the record at index i with the marker at index i,
	// updating only when both carry the same member ID.
	MatchPosition
)

func (m MatchMode) String() string {
	switch m {
	case MatchPosition:
		return "position"
	default:
		return "member"
	}
}

// ParseMatchMode parses a config value.
func ParseMatchMode(s string) (MatchMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "member", "key":
		return MatchMember, nil
	case "position":
		return MatchPosition, nil
	default:
		return MatchMember, fmt.Errorf("unknown match mode: %s", s)
	}
}

// State is the loop lifecycle state.
type State int32

const (
	StateUninitialized State = iota
	StateReady
)

func (s State) String() string {
	if s == StateReady {
		return "ready"
	}
	return "uninitialized"
}

// Config holds the loop settings.
type Config struct {
	GroupID          string
	PollInterval     time.Duration
	FetchTimeout     time.Duration // 0 disables the timeout
	Match            MatchMode
	AppendNewMembers bool
	IconRef          string
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		GroupID:      "mygroup1",
		PollInterval: 5 * time.Second,
		FetchTimeout: 10 * time.Second,
		Match:        MatchMember,
		IconRef:      "pin2X.png",
	}
}

// ConfigFrom converts the loaded sync settings.
func ConfigFrom(c config.SyncConfig) (Config, error) {
	match, err := ParseMatchMode(c.Match)
	if err != nil {
		return Config{}, err
	}
	return Config{
		GroupID:          c.GroupIdentifier,
		PollInterval:     c.PollInterval,
		FetchTimeout:     c.FetchTimeout,
		Match:            match,
		AppendNewMembers: c.AppendNewMembers,
		IconRef:          c.IconRef,
	}, nil
}

// Stats is a point in time view of the loop counters.
type Stats struct {
	State             string        `json:"state"`
	Ticks             uint64        `json:"ticks"`
	SkippedTicks      uint64        `json:"skippedTicks"`
	FetchErrors       uint64        `json:"fetchErrors"`
	RenderErrors      uint64        `json:"renderErrors"`
	LastFetchDuration time.Duration `json:"lastFetchDuration"`
	LastSuccess       time.Time     `json:"lastSuccess"`
	Markers           int           `json:"markers"`
}

const renderCommand = "render"

type renderJob struct {
	ctx     context.Context
	markers []core.MarkerEntity
}

type fetchResult struct {
	locations []core.MemberLocation
	err       error
	took      time.Duration
}

// Loop owns the marker set and drives fetch, reconcile and render cycles.
// Rendering runs on a single dispatcher goroutine, so sinks never see
// concurrent calls.
type Loop struct {
	cfg        Config
	store      store.RemoteStore
	sink       sink.RenderingSink
	logger     *slog.Logger
	dispatcher *dispatcher.Dispatcher
	metrics    *metrics

	set      atomic.Pointer[markers.Set]
	state    atomic.Int32
	inFlight atomic.Bool
	cycles   sync.WaitGroup

	ticks        atomic.Uint64
	skipped      atomic.Uint64
	fetchErrors  atomic.Uint64
	renderErrors atomic.Uint64
	lastFetch    atomic.Int64 // nanoseconds
	lastSuccess  atomic.Int64 // unix nanoseconds
}

// New creates a loop. Call Close when done to stop the render goroutine.
func New(cfg Config, st store.RemoteStore, sk sink.RenderingSink, logger *slog.Logger) (*Loop, error) {
	if st == nil {
		return nil, errors.New("syncloop: nil remote store")
	}
	if sk == nil {
		return nil, errors.New("syncloop: nil rendering sink")
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("syncloop: poll interval must be positive, got %s", cfg.PollInterval)
	}
	if logger == nil {
		logger = slog.Default()
	}

	l := &Loop{
		cfg:    cfg,
		store:  st,
		sink:   sk,
		logger: logger.With("group", cfg.GroupID),
	}

	d, err := dispatcher.New(l.logger)
	if err != nil {
		return nil, fmt.Errorf("creating render dispatcher: %w", err)
	}
	d.Register(renderCommand, l.handleRender, dispatcher.Buffered(1), dispatcher.Blocking(), dispatcher.Logged())
	l.dispatcher = d

	l.metrics, err = newMetrics(l.markerCount)
	if err != nil {
		d.Close()
		return nil, err
	}

	return l, nil
}

// State returns the lifecycle state.
func (l *Loop) State() State {
	return State(l.state.Load())
}

// Set returns the marker set, nil before a successful Initialize.
func (l *Loop) Set() *markers.Set {
	return l.set.Load()
}

// Initialize fetches every member location and builds the marker set from it.
// On fetch failure it returns an empty set and a *core.FetchError and the loop
// stays uninitialized.
func (l *Loop) Initialize(ctx context.Context) (*markers.Set, error) {
	locations, err := l.awaitFetch(ctx)
	if err != nil {
		return markers.NewSet(), err
	}

	set := markers.NewSet()
	for _, loc := range locations {
		if !set.Append(l.newEntity(loc)) {
			l.logger.Warn("duplicate member in fetch, keeping first", "member", loc.MemberID)
		}
	}

	l.set.Store(set)
	l.state.Store(int32(StateReady))
	l.logger.Info("marker set initialized", "markers", set.Len())
	l.logger.Debug("tracking members", "members", set.MemberIDs())

	if err := l.render(ctx, set); err != nil {
		return set, err
	}
	return set, nil
}

// Reconcile fetches the current locations and applies them to set, then
// re-renders the whole set. On a fetch error set is left unchanged.
func (l *Loop) Reconcile(ctx context.Context, set *markers.Set) error {
	if set == nil {
		return errors.New("syncloop: reconcile on nil marker set")
	}

	locations, err := l.awaitFetch(ctx)
	if err != nil {
		return err
	}

	updated, appended, ignored := l.apply(set, locations)
	l.logger.Debug("reconciled locations",
		"records", len(locations),
		"updated", updated,
		"appended", appended,
		"ignored", ignored,
		"match", l.cfg.Match.String())

	return l.render(ctx, set)
}

// Tick starts a sync cycle unless one is already in flight. It returns whether
// a cycle was started. Tick must not be called after Close.
func (l *Loop) Tick(ctx context.Context) bool {
	if !l.inFlight.CompareAndSwap(false, true) {
		l.skipped.Add(1)
		l.metrics.skipped.Add(ctx, 1)
		l.logger.Debug("tick skipped, sync cycle in flight")
		return false
	}

	l.ticks.Add(1)
	l.metrics.ticks.Add(ctx, 1)

	l.cycles.Add(1)
	go func() {
		defer l.cycles.Done()
		defer l.inFlight.Store(false)
		l.cycle(ctx)
	}()
	return true
}

func (l *Loop) cycle(ctx context.Context) {
	if l.State() != StateReady {
		_, _ = l.Initialize(ctx)
		return
	}
	_ = l.Reconcile(ctx, l.Set())
}

// Run ticks every poll interval until ctx is done, then waits for the cycle in
// flight. The first cycle starts immediately when the loop is uninitialized.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("sync loop started",
		"interval", l.cfg.PollInterval,
		"match", l.cfg.Match.String())

	if l.State() != StateReady {
		l.Tick(ctx)
	}

	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.Wait()
			l.logger.Info("sync loop stopped", "ticks", l.ticks.Load(), "skipped", l.skipped.Load())
			return nil
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Wait blocks until the cycle in flight, if any, has finished.
func (l *Loop) Wait() {
	l.cycles.Wait()
}

// Close waits for the cycle in flight and stops the render goroutine.
func (l *Loop) Close() {
	l.Wait()
	l.dispatcher.Close()
	if err := l.metrics.close(); err != nil {
		l.logger.Warn("failed to unregister loop metrics", "error", err)
	}
}

// Stats returns the loop counters.
func (l *Loop) Stats() Stats {
	s := Stats{
		State:             l.State().String(),
		Ticks:             l.ticks.Load(),
		SkippedTicks:      l.skipped.Load(),
		FetchErrors:       l.fetchErrors.Load(),
		RenderErrors:      l.renderErrors.Load(),
		LastFetchDuration: time.Duration(l.lastFetch.Load()),
		Markers:           l.markerCount(),
	}
	if ns := l.lastSuccess.Load(); ns > 0 {
		s.LastSuccess = time.Unix(0, ns).UTC()
	}
	return s
}

func (l *Loop) markerCount() int {
	if set := l.set.Load(); set != nil {
		return set.Len()
	}
	return 0
}

func (l *Loop) newEntity(loc core.MemberLocation) core.MarkerEntity {
	return core.MarkerEntity{
		MemberID:     loc.MemberID,
		Coordinate:   loc.Coordinate(),
		DisplayLabel: loc.MemberID,
		IconRef:      l.cfg.IconRef,
	}
}

func (l *Loop) apply(set *markers.Set, locations []core.MemberLocation) (updated, appended, ignored int) {
	for i, loc := range locations {
		var ok bool
		switch l.cfg.Match {
		case MatchPosition:
			ok = set.UpdateAt(i, loc.MemberID, loc.Coordinate())
		default:
			ok = set.Update(loc.MemberID, loc.Coordinate())
		}
		if ok {
			updated++
			continue
		}
		if l.cfg.AppendNewMembers && set.Append(l.newEntity(loc)) {
			appended++
			continue
		}
		ignored++
	}
	return updated, appended, ignored
}

// fetchAsync issues the remote query on its own goroutine. Stopping the caller
// does not cancel the query; only the fetch timeout does.
func (l *Loop) fetchAsync(ctx context.Context) <-chan fetchResult {
	out := make(chan fetchResult, 1)
	go func() {
		fctx := context.WithoutCancel(ctx)
		if l.cfg.FetchTimeout > 0 {
			var cancel context.CancelFunc
			fctx, cancel = context.WithTimeout(fctx, l.cfg.FetchTimeout)
			defer cancel()
		}
		start := time.Now()
		locations, err := l.store.QueryAll(fctx)
		out <- fetchResult{locations: locations, err: err, took: time.Since(start)}
	}()
	return out
}

func (l *Loop) awaitFetch(ctx context.Context) ([]core.MemberLocation, error) {
	res := <-l.fetchAsync(ctx)

	l.lastFetch.Store(int64(res.took))
	l.metrics.fetchLatency.Record(ctx, res.took.Seconds())

	if res.err != nil {
		l.fetchErrors.Add(1)
		l.metrics.fetchErrors.Add(ctx, 1)
		l.logger.Error("location fetch failed, cycle abandoned", "duration", res.took, "error", res.err)
		return nil, &core.FetchError{Err: res.err}
	}
	return res.locations, nil
}

// render hands a snapshot of set to the render goroutine and waits for it.
func (l *Loop) render(ctx context.Context, set *markers.Set) error {
	job := renderJob{
		ctx:     context.WithoutCancel(ctx),
		markers: set.Snapshot(),
	}

	_, err := l.dispatcher.Call(job.ctx, dispatcher.Event{Command: renderCommand, Payload: job})
	if err != nil {
		renderErr, ok := err.(*core.RenderError)
		if !ok {
			// several sinks failed, or the job never reached the sinks
			op := "dispatch"
			var first *core.RenderError
			if errors.As(err, &first) {
				op = first.Op
			}
			renderErr = &core.RenderError{Op: op, Err: err}
		}
		l.renderErrors.Add(1)
		l.metrics.renderErrors.Add(ctx, 1)
		l.logger.Error("render failed, cycle abandoned", "op", renderErr.Op, "error", renderErr.Err)
		return renderErr
	}

	l.lastSuccess.Store(time.Now().UnixNano())
	return nil
}

// handleRender runs on the dispatcher goroutine.
func (l *Loop) handleRender(e dispatcher.Event) (any, error) {
	job, ok := e.Payload.(renderJob)
	if !ok {
		return nil, fmt.Errorf("unexpected render payload %T", e.Payload)
	}
	if err := sink.Render(job.ctx, l.sink, job.markers); err != nil {
		return nil, err
	}
	return len(job.markers), nil
}
