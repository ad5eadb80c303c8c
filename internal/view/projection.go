package view

import (
	"fmt"

	"queuesync/internal/models"
)

// Kind is the user-facing queue state derived from a snapshot.
type Kind int

const (
	// KindWaiting means people are still ahead in the queue.
	KindWaiting Kind = iota
	// KindYouAreNext means position 0: served after the current token.
	KindYouAreNext
	// KindYourTurn means the appointment is being served now.
	KindYourTurn
)

// DisplayState is what a presentation layer renders for one snapshot.
// PeopleAhead and ETAMinutes are meaningful only for KindWaiting.
type DisplayState struct {
	Kind        Kind
	PeopleAhead int
	ETAMinutes  int
}

// Project maps a queue snapshot to its display state. Pure and total:
// no I/O, no clock, no transport. The position sign convention is the
// backend's contract: 0 is "next", negative is "being served".
func Project(snap models.QueueSnapshot) DisplayState {
	switch {
	case snap.Position == 0:
		return DisplayState{Kind: KindYouAreNext}
	case snap.Position < 0:
		return DisplayState{Kind: KindYourTurn}
	default:
		eta := snap.WaitMinutes
		if eta < 0 {
			eta = 0
		}
		return DisplayState{Kind: KindWaiting, PeopleAhead: snap.Position, ETAMinutes: eta}
	}
}

// Label renders the display state the way the queue screen words it.
func Label(st DisplayState) string {
	switch st.Kind {
	case KindYouAreNext:
		return "You are next!"
	case KindYourTurn:
		return "It's your turn!"
	default:
		return fmt.Sprintf("People ahead: %d (~%d min)", st.PeopleAhead, st.ETAMinutes)
	}
}

// TokenLabel renders a token number as the visible queue ticket.
// Negative tokens are a backend protocol violation; they are clamped
// here so the view never shows a nonsense ticket.
func TokenLabel(token int) string {
	if token < 0 {
		token = 0
	}
	return fmt.Sprintf("#%d", token)
}

// ServingLabel renders the currently served token, or "-" when no one
// is being served.
func ServingLabel(snap models.QueueSnapshot) string {
	if snap.CurrentToken == nil {
		return "-"
	}
	return TokenLabel(*snap.CurrentToken)
}
