// Package websocket streams the marker set to a map server over a dial-out
// WebSocket connection.
package websocket

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/OCAP2/locsync/internal/sink"
	"github.com/OCAP2/locsync/pkg/core"
	"github.com/OCAP2/locsync/pkg/streaming"
)

// Config holds WebSocket sink configuration.
type Config struct {
	URL     string
	Secret  string
	GroupID string
	Bucket  string

	// ReconnectBackoff is the first reconnect delay, one second when zero
	ReconnectBackoff time.Duration
}

// IconSource resolves an icon reference to encoded image bytes.
type IconSource interface {
	Icon(ref string) (data []byte, contentType string, err error)
}

// Sink sends clear_markers and add_markers envelopes for every render and
// each distinct icon once.
type Sink struct {
	conn      *connection
	cfg       Config
	icons     IconSource
	sessionID string
	logger    *slog.Logger

	mu        sync.Mutex
	sentIcons map[string]bool
}

// New creates a new WebSocket sink. icons may be nil.
func New(cfg Config, icons IconSource, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		conn:      newConnection(logger, cfg.ReconnectBackoff),
		cfg:       cfg,
		icons:     icons,
		sessionID: uuid.NewString(),
		logger:    logger,
		sentIcons: make(map[string]bool),
	}
}

// SessionID identifies this sink to the map server.
func (s *Sink) SessionID() string {
	return s.sessionID
}

// Init connects to the WebSocket server and waits for the hello ack.
func (s *Sink) Init() error {
	if err := s.conn.dial(s.cfg.URL, s.cfg.Secret); err != nil {
		return err
	}

	env, err := streaming.NewEnvelope(streaming.TypeHello, streaming.HelloPayload{
		SessionID: s.sessionID,
		GroupID:   s.cfg.GroupID,
		Bucket:    s.cfg.Bucket,
	})
	if err != nil {
		return fmt.Errorf("marshal hello: %w", err)
	}
	data, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("marshal hello: %w", err)
	}
	s.conn.remember(func(r *replayState) { r.hello = data })

	return s.conn.sendAndWait(data, streaming.TypeHello, ackTimeout)
}

// Close disconnects from the WebSocket server.
func (s *Sink) Close() error {
	return s.conn.close()
}

// ClearAll asks the map to remove every marker of the group.
func (s *Sink) ClearAll(ctx context.Context) error {
	data, err := marshalEnvelope(streaming.TypeClearMarkers, streaming.ClearMarkersPayload{GroupID: s.cfg.GroupID})
	if err != nil {
		return err
	}
	s.conn.remember(func(r *replayState) {
		r.clear = data
		r.add = nil
	})
	return s.conn.send(data)
}

// AddAll sends the projected marker collection, preceded by any icon the
// map has not seen yet.
func (s *Sink) AddAll(ctx context.Context, markers []core.MarkerEntity) error {
	out, err := sink.Project(markers)
	if err != nil {
		return err
	}

	for _, m := range markers {
		if err := s.sendIcon(m.IconRef); err != nil {
			return err
		}
	}

	data, err := marshalEnvelope(streaming.TypeAddMarkers, streaming.AddMarkersPayload{
		GroupID: s.cfg.GroupID,
		Markers: out,
	})
	if err != nil {
		return err
	}
	s.conn.remember(func(r *replayState) { r.add = data })
	return s.conn.send(data)
}

// sendIcon sends ref once. Icons that cannot be loaded are logged and skipped.
func (s *Sink) sendIcon(ref string) error {
	if ref == "" || s.icons == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sentIcons[ref] {
		return nil
	}

	img, contentType, err := s.icons.Icon(ref)
	if err != nil {
		s.logger.Warn("Failed to load marker icon", "ref", ref, "error", err)
		s.sentIcons[ref] = true
		return nil
	}

	data, err := marshalEnvelope(streaming.TypeIcon, streaming.IconPayload{
		Ref:         ref,
		ContentType: contentType,
		Data:        img,
	})
	if err != nil {
		return err
	}
	s.conn.remember(func(r *replayState) { r.icons[ref] = data })
	if err := s.conn.send(data); err != nil {
		s.conn.remember(func(r *replayState) { delete(r.icons, ref) })
		return err
	}
	s.sentIcons[ref] = true
	return nil
}

// marshalEnvelope builds a JSON-encoded Envelope from a message type and payload.
func marshalEnvelope(msgType string, payload any) ([]byte, error) {
	env, err := streaming.NewEnvelope(msgType, payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	data, err := env.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", msgType, err)
	}
	return data, nil
}
