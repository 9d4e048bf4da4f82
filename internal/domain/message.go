package domain

// ReplyKind classifies what the relay answered.
type ReplyKind string

const (
	ReplyCooldown       ReplyKind = "cooldown"
	ReplyChallenge      ReplyKind = "challenge"
	ReplyChallengeRetry ReplyKind = "challenge_retry"
	ReplyVerified       ReplyKind = "verified"
	ReplyFallback       ReplyKind = "fallback"
	ReplyAnswer         ReplyKind = "answer"
	ReplyQuotaExhausted ReplyKind = "quota_exhausted"
	ReplyUpstreamAuth   ReplyKind = "upstream_auth"
	ReplyUpstreamBusy   ReplyKind = "upstream_busy"
	ReplyUpstreamError  ReplyKind = "upstream_error"
	ReplyNotice         ReplyKind = "notice"
)

// Inbound is one text message from a chat participant.
type Inbound struct {
	UserID int64
	ChatID int64
	Text   string
}

// Action is a structured control attached to a reply, rendered by the
// transport as a button.
type Action struct {
	Label string
	Data  string
}

// Reply is the single outbound payload for one processed message.
type Reply struct {
	ChatID int64
	Kind   ReplyKind
	Text   string
	Action *Action
}

// PolicyRejection reports whether the reply is an expected refusal rather
// than content.
func (r Reply) PolicyRejection() bool {
	switch r.Kind {
	case ReplyCooldown, ReplyChallenge, ReplyChallengeRetry, ReplyQuotaExhausted:
		return true
	default:
		return false
	}
}
