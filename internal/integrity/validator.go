// Package integrity checks cross-field invariants on session documents
// loaded from durable storage. The document store performs no schema
// enforcement, so nothing rehydrated from it may be trusted until it has
// passed Validate.
package integrity

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/awpearlm/rummikub-backend-sub001/internal/models"
)

// Fallback actions proposed when validation fails. The first group is
// targeted per failure category; the last two are always offered.
const (
	FallbackResetGameState      = "reset_game_state"
	FallbackResetCurrentPlayer  = "reset_current_player"
	FallbackResetPlayerStatuses = "reset_player_statuses"
	FallbackResetPauseState     = "reset_pause_state"
	FallbackResetGracePeriod    = "reset_grace_period"
	FallbackCreateNewGame       = "create_new_game"
	FallbackContactSupport      = "contact_support"
)

// Result is the outcome of validating a session document. Errors lists every
// failed invariant; validation never short-circuits on the first failure.
type Result struct {
	IsValid bool
	Errors  []string
}

// Validate enforces all cross-field invariants on a session document and
// reports every violation at once.
func Validate(session *models.Session) Result {
	var errs []string

	if session == nil {
		return Result{IsValid: false, Errors: []string{"session document is missing"}}
	}

	if session.ID == "" {
		errs = append(errs, "session id is missing or empty")
	}

	if len(session.Participants) == 0 {
		errs = append(errs, "participants list is empty")
	}

	if session.TurnState == nil {
		errs = append(errs, "turn state is missing")
	} else {
		idx := session.TurnState.CurrentParticipantIndex
		if idx < 0 || idx >= len(session.Participants) {
			errs = append(errs, fmt.Sprintf(
				"current participant index %d is out of bounds for %d participants",
				idx, len(session.Participants)))
		}
		if board := session.TurnState.Board; len(board) > 0 && !isJSONArray(board) {
			errs = append(errs, "board state is not array-shaped")
		}
	}

	for i, cs := range session.ConnectionStatuses {
		if cs.ParticipantID == "" {
			errs = append(errs, fmt.Sprintf("connection status entry %d has an empty participant id", i))
		}
	}

	if session.Paused {
		if session.PauseReason == "" {
			errs = append(errs, "session is paused but pause reason is not set")
		}
		if session.PausedBy == "" {
			errs = append(errs, "session is paused but pausing participant is not set")
		}
	}

	if session.GracePeriod.IsActive {
		if session.GracePeriod.StartTime == nil {
			errs = append(errs, "grace period is active but start time is not set")
		}
		if session.GracePeriod.TargetParticipantID == "" {
			errs = append(errs, "grace period is active but target participant is not set")
		}
		if session.GracePeriod.Duration <= 0 {
			errs = append(errs, fmt.Sprintf(
				"grace period is active but duration %d is not positive", session.GracePeriod.Duration))
		}
	}

	return Result{IsValid: len(errs) == 0, Errors: errs}
}

// GenerateFallbackOptions maps each distinct failure category to a targeted
// remedial action. create_new_game and contact_support are always present.
// The returned list contains no duplicates and preserves discovery order.
func GenerateFallbackOptions(_ *models.Session, result Result) []string {
	var options []string
	seen := make(map[string]bool)
	add := func(opt string) {
		if !seen[opt] {
			seen[opt] = true
			options = append(options, opt)
		}
	}

	for _, msg := range result.Errors {
		switch {
		case contains(msg, "participant index"):
			add(FallbackResetCurrentPlayer)
		case contains(msg, "board"), contains(msg, "turn state"), contains(msg, "participants list"):
			add(FallbackResetGameState)
		case contains(msg, "connection status"):
			add(FallbackResetPlayerStatuses)
		case contains(msg, "paused"):
			add(FallbackResetPauseState)
		case contains(msg, "grace period"):
			add(FallbackResetGracePeriod)
		}
	}

	add(FallbackCreateNewGame)
	add(FallbackContactSupport)
	return options
}

func contains(s, substr string) bool {
	return strings.Contains(s, substr)
}

// isJSONArray reports whether raw JSON holds an array once leading
// whitespace is skipped. A bare scalar or object here means the board
// substructure was corrupted.
func isJSONArray(raw []byte) bool {
	trimmed := bytes.TrimLeft(raw, " \t\r\n")
	return len(trimmed) > 0 && trimmed[0] == '['
}
