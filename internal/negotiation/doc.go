// Package negotiation drives each detected meeting proposal to an outcome.
//
// A negotiation starts in PROPOSED when an inbound email yields a proposal.
// The availability resolution decides the next step:
//
//   - AVAILABLE: the user is asked to confirm and the negotiation waits in
//     PENDING_CONFIRM.
//   - CONFLICT: ranked alternatives are offered to the counterparty and the
//     negotiation waits in NEGOTIATING. Without alternatives it is DECLINED
//     with reason "no_availability".
//   - INDETERMINATE: the counterparty is asked to propose a concrete time and
//     the negotiation waits in NEGOTIATING.
//
// Confirming, or selecting an alternative, always re-verifies against a
// freshly fetched calendar snapshot. Verification reserves the slot in the
// tracker before the calendar event is created, so concurrent negotiations
// racing for overlapping slots observe each other and the loser falls back
// to NEGOTIATING.
//
// CONFIRMED, DECLINED and EXPIRED are terminal. HELD is entered when the
// calendar cannot be read after bounded retries; it remembers the state to
// resume and is left through Retry or cancellation.
//
// Waiting states carry a wall-clock deadline. Cancellation is accepted in
// every non-terminal state, takes effect immediately and wins over a
// verification in flight, which rolls back its reservation and event.
package negotiation
