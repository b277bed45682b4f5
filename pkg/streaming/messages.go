package streaming

import (
	"encoding/json"

	"github.com/OCAP2/locsync/pkg/core"
)

// Message type constants matching the marker streaming protocol.
const (
	TypeHello        = "hello"
	TypeClearMarkers = "clear_markers"
	TypeAddMarkers   = "add_markers"
	TypeIcon         = "icon"
	TypeAck          = "ack"
)

// Envelope wraps all messages sent over the WebSocket and MQTT.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// AckMessage is the server's acknowledgement response.
type AckMessage struct {
	Type string `json:"type"` // always "ack"
	For  string `json:"for"`  // the message type being acknowledged
}

// HelloPayload identifies the sending session to the map server.
type HelloPayload struct {
	SessionID string `json:"sessionId"`
	GroupID   string `json:"groupId"`
	Bucket    string `json:"bucket"`
}

// ClearMarkersPayload asks the map to drop every marker of the group.
type ClearMarkersPayload struct {
	GroupID string `json:"groupId"`
}

// Marker is a marker entity plus its projected web-mercator position.
type Marker struct {
	core.MarkerEntity
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// AddMarkersPayload carries the full marker collection for a group.
type AddMarkersPayload struct {
	GroupID string   `json:"groupId"`
	Markers []Marker `json:"markers"`
}

// IconPayload carries an encoded marker icon, sent once per icon reference.
type IconPayload struct {
	Ref         string `json:"ref"`
	ContentType string `json:"contentType"`
	Data        []byte `json:"data"`
}

// NewEnvelope marshals payload and wraps it with the given type.
func NewEnvelope(msgType string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: msgType, Payload: raw}, nil
}

// Marshal encodes the envelope as JSON.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
