package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OCAP2/locsync/internal/sink"
	"github.com/OCAP2/locsync/pkg/core"
	"github.com/OCAP2/locsync/pkg/streaming"
)

var (
	_ sink.RenderingSink = (*Sink)(nil)
	_ sink.Closer        = (*Sink)(nil)
)

// doneToken is an already completed token.
type doneToken struct {
	err error
}

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }

func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// pendingToken never completes.
type pendingToken struct{}

func (pendingToken) Wait() bool                     { return false }
func (pendingToken) WaitTimeout(time.Duration) bool { return false }
func (pendingToken) Done() <-chan struct{}          { return make(chan struct{}) }
func (pendingToken) Error() error                   { return nil }

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakePublisher struct {
	mu    sync.Mutex
	msgs  []published
	err   error
	stall bool
}

func (f *fakePublisher) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, published{topic: topic, qos: qos, retained: retained, payload: payload.([]byte)})
	if f.stall {
		return pendingToken{}
	}
	return doneToken{err: f.err}
}

func decode(t *testing.T, p published) streaming.AddMarkersPayload {
	t.Helper()
	var env streaming.Envelope
	require.NoError(t, json.Unmarshal(p.payload, &env))
	assert.Equal(t, streaming.TypeAddMarkers, env.Type)
	var payload streaming.AddMarkersPayload
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	return payload
}

func TestClearThenAddPublishesRetainedSnapshots(t *testing.T) {
	pub := &fakePublisher{}
	s := NewWithPublisher(pub, "locsync", "mygroup1", 1, nil)
	ctx := context.Background()

	require.NoError(t, s.ClearAll(ctx))
	require.NoError(t, s.AddAll(ctx, []core.MarkerEntity{
		{MemberID: "alice", Coordinate: core.Coordinate{Latitude: 44.69, Longitude: -63.66}},
	}))

	require.Len(t, pub.msgs, 2)
	for _, m := range pub.msgs {
		assert.Equal(t, "locsync/markers", m.topic)
		assert.Equal(t, byte(1), m.qos)
		assert.True(t, m.retained)
	}

	cleared := decode(t, pub.msgs[0])
	assert.Equal(t, "mygroup1", cleared.GroupID)
	assert.Empty(t, cleared.Markers)
	assert.Contains(t, string(pub.msgs[0].payload), `"markers":[]`)

	added := decode(t, pub.msgs[1])
	require.Len(t, added.Markers, 1)
	assert.Equal(t, "alice", added.Markers[0].MemberID)
	assert.NotZero(t, added.Markers[0].X)
}

func TestAddAllRejectsInvalidMarker(t *testing.T) {
	pub := &fakePublisher{}
	s := NewWithPublisher(pub, "locsync", "g", 0, nil)

	err := s.AddAll(context.Background(), []core.MarkerEntity{{MemberID: "alice", Coordinate: core.Coordinate{Latitude: 100}}})

	assert.ErrorIs(t, err, core.ErrInvalidMarker)
	assert.Empty(t, pub.msgs)
}

func TestPublishError(t *testing.T) {
	pub := &fakePublisher{err: errors.New("not connected")}
	s := NewWithPublisher(pub, "", "g", 0, nil)

	err := s.ClearAll(context.Background())

	assert.ErrorContains(t, err, "not connected")
	assert.Equal(t, "markers", pub.msgs[0].topic)
}

func TestPublishHonoursContext(t *testing.T) {
	s := NewWithPublisher(&fakePublisher{stall: true}, "p", "g", 0, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := s.ClearAll(ctx)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTopic(t *testing.T) {
	assert.Equal(t, "markers", Topic(""))
	assert.Equal(t, "a/b/markers", Topic("a/b"))
}
