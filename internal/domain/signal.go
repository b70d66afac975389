package domain

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// SignalKind discriminates signaling envelope variants.
type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "candidate"
	SignalBye       SignalKind = "bye"
)

// ErrMalformedSignal is returned when inbound content cannot be decoded into
// a valid envelope. The transport is shared with human chat text, so this is
// an expected, non-fatal condition.
var ErrMalformedSignal = errors.New("malformed signal envelope")

// SignalEnvelope is the unit exchanged between call endpoints over the chat
// transport. It rides in a message row tagged MessageTypeCallSignal.
// Target is nil for legacy best-effort broadcast envelopes.
type SignalEnvelope struct {
	Kind           SignalKind      `json:"kind"`
	ConversationID uuid.UUID       `json:"conversation_id"`
	Sender         uuid.UUID       `json:"sender"`
	Target         *uuid.UUID      `json:"target,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// Encode serializes the envelope for transmission as message content.
func (e *SignalEnvelope) Encode() (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("failed to encode signal envelope: %w", err)
	}
	return string(data), nil
}

// DecodeSignalEnvelope parses message content into an envelope, validating
// the variant tag. Anything that does not decode cleanly is ErrMalformedSignal.
func DecodeSignalEnvelope(content string) (*SignalEnvelope, error) {
	var env SignalEnvelope
	if err := json.Unmarshal([]byte(content), &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedSignal, err)
	}
	switch env.Kind {
	case SignalOffer, SignalAnswer, SignalCandidate, SignalBye:
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrMalformedSignal, env.Kind)
	}
	if env.Sender == uuid.Nil || env.ConversationID == uuid.Nil {
		return nil, fmt.Errorf("%w: missing sender or conversation", ErrMalformedSignal)
	}
	return &env, nil
}

// TargetedAt reports whether the envelope is addressed to userID.
// An absent target counts as addressed to everyone (legacy broadcast).
func (e *SignalEnvelope) TargetedAt(userID uuid.UUID) bool {
	return e.Target == nil || *e.Target == userID
}
