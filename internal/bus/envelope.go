// Package bus carries message envelopes between processes over Kafka. Each
// process consumes with its own group, so every process sees every envelope.
package bus

import (
	"fmt"

	"github.com/google/uuid"

	relayerrors "github.com/nmxmxh/ovasabi-relay/pkg/errors"
	"github.com/nmxmxh/ovasabi-relay/pkg/json"
)

// Envelope is one persisted message plus its recipient list. It is never
// modified after publishing.
type Envelope struct {
	EnvelopeID     string          `json:"envelopeId"`
	Message        json.RawMessage `json:"message"`
	ConversationID string          `json:"conversationId"`
	SenderID       string          `json:"senderId,omitempty"`
	RecipientIDs   []string        `json:"recipientIds"`
}

func NewEnvelope(conversationID, senderID string, recipientIDs []string, message interface{}) (*Envelope, error) {
	raw, err := json.Raw(message)
	if err != nil {
		return nil, fmt.Errorf("bus: encode message: %w", err)
	}
	return &Envelope{
		EnvelopeID:     uuid.NewString(),
		Message:        raw,
		ConversationID: conversationID,
		SenderID:       senderID,
		RecipientIDs:   recipientIDs,
	}, nil
}

// ID is the dedup key: the envelope id, or the message's own id for
// envelopes produced without one.
func (e *Envelope) ID() string {
	if e.EnvelopeID != "" {
		return e.EnvelopeID
	}
	var ids struct {
		MongoID string `json:"_id"`
		ID      string `json:"id"`
	}
	if err := json.Unmarshal(e.Message, &ids); err == nil {
		if ids.MongoID != "" {
			return ids.MongoID
		}
		return ids.ID
	}
	return ""
}

// Participants returns recipients plus sender without duplicates.
func (e *Envelope) Participants() []string {
	seen := make(map[string]bool, len(e.RecipientIDs)+1)
	out := make([]string, 0, len(e.RecipientIDs)+1)
	for _, id := range append([]string{e.SenderID}, e.RecipientIDs...) {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a bus record value and checks the fields routing needs.
func Decode(value []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(value, &e); err != nil {
		return nil, relayerrors.Wrap(relayerrors.ErrInvalidPayload, err.Error())
	}
	if e.ConversationID == "" {
		return nil, relayerrors.Wrap(relayerrors.ErrInvalidPayload, "envelope without conversationId")
	}
	if e.ID() == "" {
		return nil, relayerrors.Wrap(relayerrors.ErrInvalidPayload, "envelope without id")
	}
	return &e, nil
}
