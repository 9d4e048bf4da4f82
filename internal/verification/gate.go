// Package verification implements the human-verification state machine:
// Fresh -> ChallengeRequired -> ChallengePending -> Verified, with a
// self-loop on ChallengePending for wrong answers.
package verification

import (
	"errors"
	"fmt"
	"strings"

	"ainexus_bot/internal/domain"
)

// DefaultFreeLimit is the number of free replies before a challenge.
const DefaultFreeLimit = 2

// ErrInvalidTransition is returned when an event is not allowed in the
// user's current state.
var ErrInvalidTransition = errors.New("invalid verification transition")

// State is the derived verification state of a user.
type State int

const (
	StateFresh State = iota + 1
	StateChallengeRequired
	StateChallengePending
	StateVerified
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateChallengeRequired:
		return "challenge_required"
	case StateChallengePending:
		return "challenge_pending"
	case StateVerified:
		return "verified"
	default:
		return "unknown"
	}
}

// Event drives a transition.
type Event int

const (
	EventGrantFree Event = iota + 1
	EventIssue
	EventWrongAnswer
	EventCorrectAnswer
)

// transitions enumerates every allowed (state, event) pair.
var transitions = map[State]map[Event]State{
	StateFresh: {
		EventGrantFree: StateFresh,
	},
	StateChallengeRequired: {
		EventIssue: StateChallengePending,
	},
	StateChallengePending: {
		EventWrongAnswer:   StateChallengePending,
		EventCorrectAnswer: StateVerified,
	},
	StateVerified: {},
}

// Challenge is a question with a single accepted answer.
type Challenge struct {
	Question string
	Answer   string
}

// DefaultChallenge is the fixed arithmetic check.
var DefaultChallenge = Challenge{Question: "2 + 2 = ?", Answer: "4"}

// Matches compares an answer ignoring surrounding whitespace.
func (c Challenge) Matches(answer string) bool {
	return strings.TrimSpace(answer) == strings.TrimSpace(c.Answer)
}

// Gate evaluates and applies verification transitions on a record.
type Gate struct {
	FreeLimit int
	Challenge Challenge
}

// NewGate returns a Gate with the default challenge.
func NewGate(freeLimit int) Gate {
	if freeLimit < 0 {
		freeLimit = 0
	}
	return Gate{FreeLimit: freeLimit, Challenge: DefaultChallenge}
}

// State derives the user's current state from the record.
func (g Gate) State(record domain.UserRecord) State {
	switch record.Verification {
	case domain.VerificationVerified:
		return StateVerified
	case domain.VerificationPending:
		return StateChallengePending
	}
	if record.FreeInteractionsUsed >= g.FreeLimit {
		return StateChallengeRequired
	}
	return StateFresh
}

// FreeRemaining returns how many free replies an unverified user has left.
func (g Gate) FreeRemaining(record domain.UserRecord) int {
	if record.IsVerified() {
		return 0
	}
	remaining := g.FreeLimit - record.FreeInteractionsUsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// GrantFree counts one free reply. Only valid in StateFresh.
func (g Gate) GrantFree(record *domain.UserRecord) error {
	if _, err := g.apply(record, EventGrantFree); err != nil {
		return err
	}
	record.FreeInteractionsUsed++
	return nil
}

// Issue marks a challenge as owed. Only valid in StateChallengeRequired.
func (g Gate) Issue(record *domain.UserRecord) error {
	_, err := g.apply(record, EventIssue)
	return err
}

// Answer resolves a pending challenge. It reports whether the answer was
// correct; a wrong answer leaves the challenge pending.
func (g Gate) Answer(record *domain.UserRecord, answer string) (bool, error) {
	event := EventWrongAnswer
	if g.challenge().Matches(answer) {
		event = EventCorrectAnswer
	}

	if _, err := g.apply(record, event); err != nil {
		return false, err
	}
	return event == EventCorrectAnswer, nil
}

// Question returns the challenge prompt.
func (g Gate) Question() string {
	return g.challenge().Question
}

func (g Gate) challenge() Challenge {
	if g.Challenge.Answer == "" {
		return DefaultChallenge
	}
	return g.Challenge
}

func (g Gate) apply(record *domain.UserRecord, event Event) (State, error) {
	if record == nil {
		return 0, errors.New("record is required")
	}

	from := g.State(*record)
	to, ok := transitions[from][event]
	if !ok {
		return from, fmt.Errorf("%w: event %d in state %s", ErrInvalidTransition, event, from)
	}

	switch to {
	case StateChallengePending:
		record.Verification = domain.VerificationPending
	case StateVerified:
		record.Verification = domain.VerificationVerified
	}
	return to, nil
}
