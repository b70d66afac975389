package call

// State is a call session's lifecycle position. Transitions flow
// Idle → AwaitingMedia → (Offering | Listening) → Negotiating → Connected →
// Ended, with Failed reachable from any non-terminal state.
type State string

const (
	StateIdle          State = "idle"
	StateAwaitingMedia State = "awaiting_media"
	StateOffering      State = "offering"
	StateListening     State = "listening"
	StateNegotiating   State = "negotiating"
	StateConnected     State = "connected"
	StateEnded         State = "ended"
	StateFailed        State = "failed"
)

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateFailed
}

// Role is fixed at session creation and never changes.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// Reason qualifies a transition for the presentation layer. Terminal errors
// are surfaced only through these codes, never thrown across the
// asynchronous boundary.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonHangupLocal      Reason = "hangup_local"
	ReasonHangupRemote     Reason = "hangup_remote"
	ReasonMediaAcquisition Reason = "media_acquisition_failed"
	ReasonPeerResolution   Reason = "peer_resolution_failed"
	ReasonConnectivity     Reason = "connectivity_failed"
	ReasonOfferTimeout     Reason = "offer_timeout"
)

// StateChange is emitted on every transition; it is the session's only
// observable side effect.
type StateChange struct {
	State  State  `json:"state"`
	Reason Reason `json:"reason,omitempty"`
}
