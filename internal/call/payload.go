package call

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"

	"peerlink-backend/internal/domain"
)

// Envelope payloads are the JSON forms pion already defines: a session
// description is {type, sdp}, a candidate is an ICECandidateInit.

func descriptionPayload(desc webrtc.SessionDescription) (json.RawMessage, error) {
	data, err := json.Marshal(desc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session description: %w", err)
	}
	return data, nil
}

func decodeDescription(payload json.RawMessage) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(payload, &desc); err != nil {
		return desc, fmt.Errorf("%w: bad session description: %v", domain.ErrMalformedSignal, err)
	}
	if desc.SDP == "" {
		return desc, fmt.Errorf("%w: empty sdp", domain.ErrMalformedSignal)
	}
	return desc, nil
}

func candidatePayload(candidate webrtc.ICECandidateInit) (json.RawMessage, error) {
	data, err := json.Marshal(candidate)
	if err != nil {
		return nil, fmt.Errorf("failed to encode candidate: %w", err)
	}
	return data, nil
}

func decodeCandidate(payload json.RawMessage) (webrtc.ICECandidateInit, error) {
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(payload, &candidate); err != nil {
		return candidate, fmt.Errorf("%w: bad candidate: %v", domain.ErrMalformedSignal, err)
	}
	if candidate.Candidate == "" {
		return candidate, fmt.Errorf("%w: empty candidate", domain.ErrMalformedSignal)
	}
	return candidate, nil
}
