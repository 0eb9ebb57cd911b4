package negotiation

// State is the lifecycle position of a negotiation.
type State string

const (
	StateProposed       State = "PROPOSED"
	StatePendingConfirm State = "PENDING_CONFIRM"
	StateNegotiating    State = "NEGOTIATING"
	StateHeld           State = "HELD"
	StateConfirmed      State = "CONFIRMED"
	StateDeclined       State = "DECLINED"
	StateExpired        State = "EXPIRED"
)

// Decline reasons.
const (
	ReasonNoAvailability       = "no_availability"
	ReasonCancelled            = "cancelled"
	ReasonDeclined             = "declined"
	ReasonCounterpartyDeclined = "counterparty_declined"
	ReasonCalendarUnavailable  = "calendar_unavailable"
)

var transitions = map[State][]State{
	StateProposed:       {StatePendingConfirm, StateNegotiating, StateHeld, StateDeclined},
	StatePendingConfirm: {StateConfirmed, StateNegotiating, StateHeld, StateDeclined, StateExpired},
	StateNegotiating:    {StateConfirmed, StateNegotiating, StateHeld, StateDeclined, StateExpired},
	StateHeld:           {StateProposed, StatePendingConfirm, StateNegotiating, StateConfirmed, StateDeclined, StateExpired},
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case StateConfirmed, StateDeclined, StateExpired:
		return true
	}
	return false
}

// Waiting reports whether the state carries an expiry deadline.
func (s State) Waiting() bool {
	return s == StatePendingConfirm || s == StateNegotiating
}

// CanTransition reports whether s may move to next.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
