package syncloop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/OCAP2/locsync/internal/config"
	"github.com/OCAP2/locsync/internal/sink"
	"github.com/OCAP2/locsync/pkg/core"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeStore serves a configurable fetch result. hook, when set, runs inside
// QueryAll with the 1-based call number.
type fakeStore struct {
	mu        sync.Mutex
	locations []core.MemberLocation
	err       error
	hook      func(ctx context.Context, call int) error
	calls     atomic.Int32
}

func (f *fakeStore) set(locations []core.MemberLocation, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locations = locations
	f.err = err
}

func (f *fakeStore) QueryAll(ctx context.Context) ([]core.MemberLocation, error) {
	call := int(f.calls.Add(1))
	if f.hook != nil {
		if err := f.hook(ctx, call); err != nil {
			return nil, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]core.MemberLocation, len(f.locations))
	copy(out, f.locations)
	return out, nil
}

func loc(id string, lat, lon float64) core.MemberLocation {
	return core.MemberLocation{MemberID: id, Latitude: lat, Longitude: lon}
}

func newTestLoop(t *testing.T, cfg Config, st *fakeStore) (*Loop, *sink.Recorder) {
	t.Helper()
	rec := &sink.Recorder{}
	l, err := New(cfg, st, rec, nil)
	require.NoError(t, err)
	t.Cleanup(l.Close)
	return l, rec
}

func coords(l *Loop) map[string]core.Coordinate {
	out := make(map[string]core.Coordinate)
	for _, m := range l.Set().Snapshot() {
		out[m.MemberID] = m.Coordinate
	}
	return out
}

func TestNew_Validation(t *testing.T) {
	st := &fakeStore{}
	rec := &sink.Recorder{}

	_, err := New(DefaultConfig(), nil, rec, nil)
	assert.Error(t, err)

	_, err = New(DefaultConfig(), st, nil, nil)
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.PollInterval = 0
	_, err = New(cfg, st, rec, nil)
	assert.Error(t, err)
}

func TestInitialize_BuildsSetFromFetch(t *testing.T) {
	st := &fakeStore{}
	st.set([]core.MemberLocation{loc("alice", 10, 10), loc("bob", 20, 20)}, nil)
	l, rec := newTestLoop(t, DefaultConfig(), st)

	set, err := l.Initialize(context.Background())

	require.NoError(t, err)
	require.Equal(t, 2, set.Len())
	assert.Same(t, set, l.Set())
	assert.Equal(t, StateReady, l.State())

	want := []core.MarkerEntity{
		{MemberID: "alice", Coordinate: core.Coordinate{Latitude: 10, Longitude: 10}, DisplayLabel: "alice", IconRef: "pin2X.png"},
		{MemberID: "bob", Coordinate: core.Coordinate{Latitude: 20, Longitude: 20}, DisplayLabel: "bob", IconRef: "pin2X.png"},
	}
	if diff := cmp.Diff(want, set.Snapshot()); diff != "" {
		t.Errorf("marker set mismatch (-want +got):\n%s", diff)
	}

	calls := rec.History()
	require.Len(t, calls, 2)
	assert.Equal(t, "clear", calls[0].Op)
	assert.Equal(t, "add", calls[1].Op)
	assert.Equal(t, want, calls[1].Markers)
}

func TestInitialize_EmptyFetch(t *testing.T) {
	st := &fakeStore{}
	l, rec := newTestLoop(t, DefaultConfig(), st)

	set, err := l.Initialize(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 0, set.Len())
	assert.Equal(t, StateReady, l.State())
	calls := rec.History()
	require.Len(t, calls, 2)
	assert.Empty(t, calls[1].Markers)
}

func TestInitialize_FetchFailure(t *testing.T) {
	st := &fakeStore{}
	st.set(nil, core.ErrRemote)
	l, rec := newTestLoop(t, DefaultConfig(), st)

	set, err := l.Initialize(context.Background())

	require.Error(t, err)
	var fetchErr *core.FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.ErrorIs(t, err, core.ErrRemote)
	require.NotNil(t, set)
	assert.Equal(t, 0, set.Len())
	assert.Equal(t, StateUninitialized, l.State())
	assert.Nil(t, l.Set())
	assert.Empty(t, rec.History(), "sink must not be touched on fetch failure")
	assert.Equal(t, uint64(1), l.Stats().FetchErrors)
}

func TestInitialize_DuplicateMembersKeepFirst(t *testing.T) {
	st := &fakeStore{}
	st.set([]core.MemberLocation{loc("alice", 1, 1), loc("alice", 2, 2), loc("bob", 3, 3)}, nil)
	l, _ := newTestLoop(t, DefaultConfig(), st)

	set, err := l.Initialize(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 2, set.Len())
	alice, _ := set.Get("alice")
	assert.Equal(t, 1.0, alice.Coordinate.Latitude)
}

func TestInitialize_FetchTimeout(t *testing.T) {
	st := &fakeStore{
		hook: func(ctx context.Context, call int) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}
	cfg := DefaultConfig()
	cfg.FetchTimeout = 20 * time.Millisecond
	l, _ := newTestLoop(t, cfg, st)

	_, err := l.Initialize(context.Background())

	var fetchErr *core.FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReconcile_UpdatesInPlace(t *testing.T) {
	for _, mode := range []MatchMode{MatchMember, MatchPosition} {
		t.Run(mode.String(), func(t *testing.T) {
			st := &fakeStore{}
			st.set([]core.MemberLocation{loc("alice", 10, 10), loc("bob", 20, 20)}, nil)
			cfg := DefaultConfig()
			cfg.Match = mode
			l, _ := newTestLoop(t, cfg, st)

			set, err := l.Initialize(context.Background())
			require.NoError(t, err)

			st.set([]core.MemberLocation{loc("alice", 11, 11), loc("bob", 21, 21)}, nil)
			require.NoError(t, l.Reconcile(context.Background(), set))

			snap := set.Snapshot()
			require.Len(t, snap, 2)
			assert.Equal(t, "alice", snap[0].MemberID)
			assert.Equal(t, core.Coordinate{Latitude: 11, Longitude: 11}, snap[0].Coordinate)
			assert.Equal(t, "bob", snap[1].MemberID)
			assert.Equal(t, core.Coordinate{Latitude: 21, Longitude: 21}, snap[1].Coordinate)
		})
	}
}

func TestReconcile_ReorderedFetch(t *testing.T) {
	tests := []struct {
		name  string
		mode  MatchMode
		alice core.Coordinate
		bob   core.Coordinate
	}{
		{
			name:  "member mode matches by id",
			mode:  MatchMember,
			alice: core.Coordinate{Latitude: 2, Longitude: 2},
			bob:   core.Coordinate{Latitude: 1, Longitude: 1},
		},
		{
			name:  "position mode leaves mismatches alone",
			mode:  MatchPosition,
			alice: core.Coordinate{Latitude: 10, Longitude: 10},
			bob:   core.Coordinate{Latitude: 20, Longitude: 20},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := &fakeStore{}
			st.set([]core.MemberLocation{loc("alice", 10, 10), loc("bob", 20, 20)}, nil)
			cfg := DefaultConfig()
			cfg.Match = tt.mode
			l, _ := newTestLoop(t, cfg, st)

			set, err := l.Initialize(context.Background())
			require.NoError(t, err)

			st.set([]core.MemberLocation{loc("bob", 1, 1), loc("alice", 2, 2)}, nil)
			require.NoError(t, l.Reconcile(context.Background(), set))

			got := coords(l)
			assert.Equal(t, tt.alice, got["alice"])
			assert.Equal(t, tt.bob, got["bob"])
			assert.Equal(t, []string{"alice", "bob"}, set.MemberIDs())
		})
	}
}

func TestReconcile_Idempotent(t *testing.T) {
	st := &fakeStore{}
	st.set([]core.MemberLocation{loc("alice", 10, 10), loc("bob", 20, 20)}, nil)
	l, _ := newTestLoop(t, DefaultConfig(), st)

	set, err := l.Initialize(context.Background())
	require.NoError(t, err)

	st.set([]core.MemberLocation{loc("alice", 11, 12), loc("bob", 21, 22)}, nil)
	require.NoError(t, l.Reconcile(context.Background(), set))
	first := set.Snapshot()
	require.NoError(t, l.Reconcile(context.Background(), set))

	if diff := cmp.Diff(first, set.Snapshot()); diff != "" {
		t.Errorf("second reconcile changed the set (-first +second):\n%s", diff)
	}
}

func TestReconcile_FetchFailureLeavesSetUnchanged(t *testing.T) {
	st := &fakeStore{}
	st.set([]core.MemberLocation{loc("alice", 10, 10)}, nil)
	l, rec := newTestLoop(t, DefaultConfig(), st)

	set, err := l.Initialize(context.Background())
	require.NoError(t, err)
	before := set.Snapshot()

	st.set(nil, errors.New("connection reset"))
	err = l.Reconcile(context.Background(), set)

	var fetchErr *core.FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, before, set.Snapshot())
	assert.Len(t, rec.History(), 2, "no render after a failed fetch")
}

func TestReconcile_UnseenMembers(t *testing.T) {
	tests := []struct {
		name      string
		appendNew bool
		wantIDs   []string
	}{
		{name: "ignored by default", appendNew: false, wantIDs: []string{"alice"}},
		{name: "appended when enabled", appendNew: true, wantIDs: []string{"alice", "carol"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := &fakeStore{}
			st.set([]core.MemberLocation{loc("alice", 10, 10)}, nil)
			cfg := DefaultConfig()
			cfg.AppendNewMembers = tt.appendNew
			l, _ := newTestLoop(t, cfg, st)

			set, err := l.Initialize(context.Background())
			require.NoError(t, err)

			st.set([]core.MemberLocation{loc("alice", 11, 11), loc("carol", 30, 30)}, nil)
			require.NoError(t, l.Reconcile(context.Background(), set))

			assert.Equal(t, tt.wantIDs, set.MemberIDs())
		})
	}
}

func TestReconcile_MissingMemberKeepsMarker(t *testing.T) {
	st := &fakeStore{}
	st.set([]core.MemberLocation{loc("alice", 10, 10), loc("bob", 20, 20)}, nil)
	l, _ := newTestLoop(t, DefaultConfig(), st)

	set, err := l.Initialize(context.Background())
	require.NoError(t, err)

	st.set([]core.MemberLocation{loc("alice", 11, 11)}, nil)
	require.NoError(t, l.Reconcile(context.Background(), set))

	assert.Equal(t, []string{"alice", "bob"}, set.MemberIDs())
	bob, _ := set.Get("bob")
	assert.Equal(t, 20.0, bob.Coordinate.Latitude)
}

func TestReconcile_ClearBeforeAdd(t *testing.T) {
	st := &fakeStore{}
	st.set([]core.MemberLocation{loc("alice", 10, 10)}, nil)
	l, rec := newTestLoop(t, DefaultConfig(), st)

	set, err := l.Initialize(context.Background())
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Reconcile(context.Background(), set))
	}

	calls := rec.History()
	require.Len(t, calls, 8)
	for i := 0; i < len(calls); i += 2 {
		assert.Equal(t, "clear", calls[i].Op)
		assert.Equal(t, "add", calls[i+1].Op)
	}
}

func TestReconcile_RenderError(t *testing.T) {
	st := &fakeStore{}
	st.set([]core.MemberLocation{loc("alice", 10, 10)}, nil)
	l, rec := newTestLoop(t, DefaultConfig(), st)

	set, err := l.Initialize(context.Background())
	require.NoError(t, err)

	rec.ClearErr = core.ErrInvalidMarker
	st.set([]core.MemberLocation{loc("alice", 11, 11)}, nil)
	err = l.Reconcile(context.Background(), set)

	var renderErr *core.RenderError
	require.ErrorAs(t, err, &renderErr)
	assert.Equal(t, "clear", renderErr.Op)
	assert.ErrorIs(t, err, core.ErrInvalidMarker)

	calls := rec.History()
	assert.Equal(t, "clear", calls[len(calls)-1].Op, "add must not follow a failed clear")
	alice, _ := set.Get("alice")
	assert.Equal(t, 11.0, alice.Coordinate.Latitude, "applied coordinates are kept")
	assert.Equal(t, uint64(1), l.Stats().RenderErrors)
}

func TestReconcile_FailingSinkKeepsOthersFilled(t *testing.T) {
	st := &fakeStore{}
	st.set([]core.MemberLocation{loc("alice", 10, 10), loc("bob", 20, 20)}, nil)
	broken := &sink.Recorder{ClearErr: errors.New("mqtt broker down")}
	healthy := &sink.Recorder{}
	l, err := New(DefaultConfig(), st, sink.NewMulti(broken, healthy), nil)
	require.NoError(t, err)
	t.Cleanup(l.Close)

	set, err := l.Initialize(context.Background())
	var renderErr *core.RenderError
	require.ErrorAs(t, err, &renderErr)
	assert.Equal(t, "clear", renderErr.Op)

	st.set([]core.MemberLocation{loc("alice", 11, 11), loc("bob", 21, 21)}, nil)
	err = l.Reconcile(context.Background(), set)
	require.ErrorAs(t, err, &renderErr)

	calls := healthy.History()
	require.Len(t, calls, 4)
	assert.Equal(t, "clear", calls[2].Op)
	assert.Equal(t, "add", calls[3].Op)
	assert.Equal(t, []string{"alice", "bob"}, []string{calls[3].Markers[0].MemberID, calls[3].Markers[1].MemberID})
	assert.Equal(t, 21.0, calls[3].Markers[1].Coordinate.Latitude)

	for _, c := range broken.History() {
		assert.Equal(t, "clear", c.Op)
	}
	assert.Equal(t, uint64(2), l.Stats().RenderErrors)
}

func TestReconcile_NilSet(t *testing.T) {
	l, _ := newTestLoop(t, DefaultConfig(), &fakeStore{})

	assert.Error(t, l.Reconcile(context.Background(), nil))
}

func TestTick_InitializesFirst(t *testing.T) {
	st := &fakeStore{}
	st.set([]core.MemberLocation{loc("alice", 10, 10)}, nil)
	l, _ := newTestLoop(t, DefaultConfig(), st)

	require.True(t, l.Tick(context.Background()))
	l.Wait()

	assert.Equal(t, StateReady, l.State())
	assert.Equal(t, 1, l.Set().Len())

	st.set([]core.MemberLocation{loc("alice", 12, 12)}, nil)
	require.True(t, l.Tick(context.Background()))
	l.Wait()

	alice, _ := l.Set().Get("alice")
	assert.Equal(t, 12.0, alice.Coordinate.Latitude)
	assert.Equal(t, int32(2), st.calls.Load())
}

func TestTick_SkipsWhileInFlight(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	st := &fakeStore{
		hook: func(ctx context.Context, call int) error {
			close(entered)
			<-release
			return nil
		},
	}
	l, _ := newTestLoop(t, DefaultConfig(), st)

	require.True(t, l.Tick(context.Background()))
	<-entered

	assert.False(t, l.Tick(context.Background()))
	assert.False(t, l.Tick(context.Background()))

	close(release)
	l.Wait()

	stats := l.Stats()
	assert.Equal(t, uint64(1), stats.Ticks)
	assert.Equal(t, uint64(2), stats.SkippedTicks)
	assert.Equal(t, int32(1), st.calls.Load())
}

func TestRun_TicksUntilCancelled(t *testing.T) {
	st := &fakeStore{}
	st.set([]core.MemberLocation{loc("alice", 10, 10)}, nil)
	cfg := DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	l, _ := newTestLoop(t, cfg, st)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	require.Eventually(t, func() bool { return st.calls.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, StateReady, l.State())
	assert.False(t, l.Stats().LastSuccess.IsZero())
}

func TestRun_WaitsForInFlightCycle(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	st := &fakeStore{
		hook: func(ctx context.Context, call int) error {
			if call == 2 {
				close(entered)
				<-release
			}
			return nil
		},
	}
	st.set([]core.MemberLocation{loc("alice", 10, 10)}, nil)
	cfg := DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	l, rec := newTestLoop(t, cfg, st)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	<-entered
	cancel()

	select {
	case <-done:
		t.Fatal("Run returned while a cycle was in flight")
	case <-time.After(30 * time.Millisecond):
	}

	st.set([]core.MemberLocation{loc("alice", 50, 50)}, nil)
	close(release)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after the cycle finished")
	}

	// the in-flight cycle completed its render despite the cancel
	calls := rec.History()
	require.Len(t, calls, 4)
	assert.Equal(t, 50.0, calls[3].Markers[0].Coordinate.Latitude)
}

func TestParseMatchMode(t *testing.T) {
	tests := []struct {
		in      string
		want    MatchMode
		wantErr bool
	}{
		{in: "", want: MatchMember},
		{in: "member", want: MatchMember},
		{in: "KEY", want: MatchMember},
		{in: " position ", want: MatchPosition},
		{in: "index", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMatchMode(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConfigFrom(t *testing.T) {
	cfg, err := ConfigFrom(config.SyncConfig{
		GroupIdentifier:  "mygroup7",
		PollInterval:     time.Second,
		FetchTimeout:     2 * time.Second,
		Match:            "position",
		AppendNewMembers: true,
		IconRef:          "dot.png",
	})
	require.NoError(t, err)

	assert.Equal(t, Config{
		GroupID:          "mygroup7",
		PollInterval:     time.Second,
		FetchTimeout:     2 * time.Second,
		Match:            MatchPosition,
		AppendNewMembers: true,
		IconRef:          "dot.png",
	}, cfg)

	_, err = ConfigFrom(config.SyncConfig{Match: "bogus"})
	assert.Error(t, err)
}
