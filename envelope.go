package dbbus

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Action identifies the kind of database operation an envelope carries.
type Action string

const (
	ActionWrite           Action = "write"
	ActionRead            Action = "read"
	ActionUpdate          Action = "update"
	ActionDelete          Action = "delete"
	ActionSaveRequestLog  Action = "save_request_log"
	ActionSaveResponseLog Action = "save_response_log"
)

// Topic names, one per action kind.
const (
	TopicWriteDB        = "write_db"
	TopicReadDB         = "read_db"
	TopicUpdateDB       = "update_db"
	TopicDeleteDB       = "delete_db"
	TopicSaveRequestDB  = "save_request_to_db"
	TopicSaveResponseDB = "save_response_to_db"
)

// WriteClassTopics are the topics served by background consumers.
// Read and delete use the one-shot path instead.
var WriteClassTopics = []string{
	TopicWriteDB,
	TopicUpdateDB,
	TopicSaveRequestDB,
	TopicSaveResponseDB,
}

var actionTopics = map[Action]string{
	ActionWrite:           TopicWriteDB,
	ActionRead:            TopicReadDB,
	ActionUpdate:          TopicUpdateDB,
	ActionDelete:          TopicDeleteDB,
	ActionSaveRequestLog:  TopicSaveRequestDB,
	ActionSaveResponseLog: TopicSaveResponseDB,
}

// Valid reports whether a is one of the known action kinds.
func (a Action) Valid() bool {
	_, ok := actionTopics[a]

	return ok
}

// Topic returns the topic the action is published to.
func (a Action) Topic() string {
	return actionTopics[a]
}

// Envelope is the wire-level unit of work exchanged over the broker.
type Envelope struct {
	Action Action         `json:"action"`
	Data   map[string]any `json:"data"`
}

// EncodeEnvelope serializes an envelope to its UTF-8 JSON wire form.
func EncodeEnvelope(e Envelope) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(err, "encoding envelope")
	}

	return b, nil
}

// envelopeWire distinguishes absent keys from zero values during decode.
type envelopeWire struct {
	Action *Action         `json:"action"`
	Data   *map[string]any `json:"data"`
}

// DecodeEnvelope parses bytes received from the broker. Invalid JSON,
// a missing action or data key, and an unknown action kind are all
// malformed-message errors, never retryable ones.
func DecodeEnvelope(b []byte) (Envelope, error) {
	var w envelopeWire
	if err := json.Unmarshal(b, &w); err != nil {
		return Envelope{}, errors.Wrapf(ErrMalformedMessage, "invalid JSON: %v", err)
	}

	if w.Action == nil {
		return Envelope{}, errors.Wrap(ErrMalformedMessage, "missing action key")
	}

	if w.Data == nil {
		return Envelope{}, errors.Wrap(ErrMalformedMessage, "missing data key")
	}

	if !w.Action.Valid() {
		return Envelope{}, errors.Wrapf(ErrMalformedMessage, "unknown action %q", *w.Action)
	}

	return Envelope{Action: *w.Action, Data: *w.Data}, nil
}
