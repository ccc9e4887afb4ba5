package docserver

import (
	"encoding/json"
	"time"

	"github.com/larderhq/larder/internal/docstore"
)

// MessageType defines the type of a watch frame.
type MessageType string

const (
	// MessageTypeSnapshot carries the full current document set of a watch.
	MessageTypeSnapshot MessageType = "snapshot"

	// MessageTypeError reports a failed watch; no frames follow it.
	MessageTypeError MessageType = "error"
)

// Message is one websocket frame of a watch.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// SnapshotData is the payload of a snapshot frame.
type SnapshotData struct {
	Collection string              `json:"collection"`
	Documents  []docstore.Document `json:"documents"`
}

// ErrorData is the payload of an error frame and of HTTP error responses.
type ErrorData struct {
	Error string `json:"error"`
}

// DocumentsResponse is returned by collection reads.
type DocumentsResponse struct {
	Documents []docstore.Document `json:"documents"`
}

// NewSnapshotMessage builds a snapshot frame.
func NewSnapshotMessage(collection string, docs []docstore.Document) (Message, error) {
	if docs == nil {
		docs = []docstore.Document{}
	}
	data, err := json.Marshal(SnapshotData{Collection: collection, Documents: docs})
	if err != nil {
		return Message{}, err
	}
	return Message{Type: MessageTypeSnapshot, Timestamp: time.Now(), Data: data}, nil
}

// NewErrorMessage builds an error frame.
func NewErrorMessage(err error) Message {
	data, _ := json.Marshal(ErrorData{Error: err.Error()})
	return Message{Type: MessageTypeError, Timestamp: time.Now(), Data: data}
}
