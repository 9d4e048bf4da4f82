// Package relay turns one inbound chat message into exactly one reply,
// applying the rate limit, the human check and the daily quota around the
// completion call.
package relay

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"ainexus_bot/internal/clock"
	"ainexus_bot/internal/completion"
	"ainexus_bot/internal/domain"
	"ainexus_bot/internal/logging"
	"ainexus_bot/internal/metrics"
	"ainexus_bot/internal/quota"
	"ainexus_bot/internal/ratelimit"
	"ainexus_bot/internal/store"
	"ainexus_bot/internal/verification"
)

// Service is the message orchestrator.
type Service struct {
	states  *store.StateStore
	limiter ratelimit.Limiter
	gate    verification.Gate
	ledger  quota.Ledger
	gateway completion.Gateway
	clock   clock.Clock
	logger  *logrus.Entry
	metrics *metrics.Recorder
	newID   func() string
}

// Option configures a Service.
type Option func(*Service)

// WithLimiter overrides the rate limiter.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(s *Service) { s.limiter = l }
}

// WithGate overrides the verification gate.
func WithGate(g verification.Gate) Option {
	return func(s *Service) { s.gate = g }
}

// WithLedger overrides the daily quota ledger.
func WithLedger(l quota.Ledger) Option {
	return func(s *Service) { s.ledger = l }
}

// WithGateway sets the completion gateway. Without one every admitted
// message gets the echo fallback.
func WithGateway(g completion.Gateway) Option {
	return func(s *Service) { s.gateway = g }
}

// WithClock sets the time source used for rate limiting.
func WithClock(c clock.Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logrus.Entry) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Recorder) Option {
	return func(s *Service) { s.metrics = m }
}

// New builds a Service over states with default policies.
func New(states *store.StateStore, opts ...Option) (*Service, error) {
	if states == nil {
		return nil, errors.New("state store is required")
	}

	s := &Service{
		states:  states,
		limiter: ratelimit.New(ratelimit.DefaultMinInterval),
		gate:    verification.NewGate(verification.DefaultFreeLimit),
		ledger:  quota.NewLedger(quota.DefaultDailyLimit),
		clock:   clock.System{},
		logger:  logging.Logger(),
		newID:   func() string { return uuid.NewString() },
	}

	for _, opt := range opts {
		opt(s)
	}

	if isNilGateway(s.gateway) {
		s.gateway = nil
	}

	return s, nil
}

// Limits reports the active policy.
func (s *Service) Limits() Limits {
	return Limits{
		MinInterval:       s.limiter.MinInterval,
		DailyLimit:        s.ledger.DailyLimit,
		FreeLimit:         s.gate.FreeLimit,
		CompletionEnabled: s.gateway != nil,
	}
}

// HandleText processes one text message. The whole decision runs under the
// user's lock and the record is saved once; persistence failures are logged
// and never change the reply.
func (s *Service) HandleText(ctx context.Context, in domain.Inbound) domain.Reply {
	if ctx == nil {
		ctx = context.Background()
	}

	log := logging.Enrich(s.logger, logging.Context{
		UserID:    in.UserID,
		ChatID:    in.ChatID,
		RequestID: s.newID(),
	})

	text := strings.TrimSpace(in.Text)

	var reply domain.Reply
	err := s.states.Update(ctx, in.UserID, func(record *domain.UserRecord) {
		reply = s.decide(ctx, record, text, log)
	})
	s.persistFailure(err, log)

	reply.ChatID = in.ChatID
	s.metrics.Reply(string(reply.Kind))

	log.WithFields(logging.Fields{
		"event":  "reply_decided",
		"kind":   reply.Kind,
		"policy": reply.PolicyRejection(),
	}).Debug("reply decided")

	return reply
}

// HandleChallengeAction handles a press of the challenge button. It issues
// the challenge when one is owed and re-sends the question while it is
// pending. It never verifies anyone and never touches the rate limit.
func (s *Service) HandleChallengeAction(ctx context.Context, userID, chatID int64) domain.Reply {
	if ctx == nil {
		ctx = context.Background()
	}

	log := logging.Enrich(s.logger, logging.Context{
		UserID:    userID,
		ChatID:    chatID,
		RequestID: s.newID(),
	})

	var reply domain.Reply
	err := s.states.Update(ctx, userID, func(record *domain.UserRecord) {
		switch s.gate.State(*record) {
		case verification.StateChallengeRequired:
			if issueErr := s.gate.Issue(record); issueErr != nil {
				log.WithField("event", "challenge_issue_failed").WithError(issueErr).Error("could not issue challenge")
			}
			fallthrough
		case verification.StateChallengePending:
			reply = domain.Reply{Kind: domain.ReplyChallenge, Text: challengeQuestionText(s.gate.Question())}
		default:
			reply = domain.Reply{Kind: domain.ReplyNotice, Text: notNeededText()}
		}
	})
	s.persistFailure(err, log)

	reply.ChatID = chatID
	s.metrics.Reply(string(reply.Kind))
	return reply
}

func (s *Service) decide(ctx context.Context, record *domain.UserRecord, text string, log *logrus.Entry) domain.Reply {
	now := s.clock.Now()

	if !s.limiter.Admit(*record, now) {
		wait := s.limiter.Cooldown(*record, now)
		log.WithFields(logging.Fields{
			"event":       "rate_limited",
			"cooldown_ms": wait.Milliseconds(),
		}).Info("message rejected by rate limit")
		return domain.Reply{Kind: domain.ReplyCooldown, Text: cooldownText(wait)}
	}
	record.LastActivityAt = now

	if record.PendingChallenge() {
		return s.answerChallenge(record, text, log)
	}

	if s.gateway == nil {
		log.WithField("event", "fallback_echo").Debug("completion unavailable, echoing")
		return domain.Reply{Kind: domain.ReplyFallback, Text: fallbackText(text)}
	}

	switch s.gate.State(*record) {
	case verification.StateChallengeRequired:
		if err := s.gate.Issue(record); err != nil {
			log.WithField("event", "challenge_issue_failed").WithError(err).Error("could not issue challenge")
		}
		log.WithField("event", "challenge_issued").Info("human check required")
		return domain.Reply{
			Kind:   domain.ReplyChallenge,
			Text:   challengeText(s.gate.Question()),
			Action: &domain.Action{Label: verifyActionLabel, Data: VerifyActionData},
		}

	case verification.StateFresh:
		outcome := s.complete(ctx, text, log)
		if !outcome.OK() {
			return failureReply(outcome)
		}
		if err := s.gate.GrantFree(record); err != nil {
			log.WithField("event", "free_grant_failed").WithError(err).Error("could not count free reply")
		}
		log.WithFields(logging.Fields{
			"event":          "free_reply",
			"free_remaining": s.gate.FreeRemaining(*record),
		}).Info("free reply granted")
		return domain.Reply{Kind: domain.ReplyAnswer, Text: outcome.Text}

	default:
		if !s.ledger.TryReserve(record) {
			log.WithField("event", "quota_exhausted").Info("daily quota exhausted")
			return domain.Reply{Kind: domain.ReplyQuotaExhausted, Text: quotaExhaustedText()}
		}

		outcome := s.complete(ctx, text, log)
		if !outcome.OK() {
			s.ledger.Rollback(record)
			log.WithFields(logging.Fields{
				"event":           "quota_rollback",
				"quota_remaining": s.ledger.Remaining(*record),
			}).Info("reservation rolled back")
			return failureReply(outcome)
		}

		log.WithFields(logging.Fields{
			"event":           "quota_reply",
			"quota_remaining": s.ledger.Remaining(*record),
		}).Info("quota reply granted")
		return domain.Reply{Kind: domain.ReplyAnswer, Text: outcome.Text}
	}
}

func (s *Service) answerChallenge(record *domain.UserRecord, text string, log *logrus.Entry) domain.Reply {
	correct, err := s.gate.Answer(record, text)
	if err != nil {
		log.WithField("event", "challenge_answer_failed").WithError(err).Error("could not resolve challenge")
	}

	if !correct {
		log.WithField("event", "challenge_wrong").Info("wrong challenge answer")
		return domain.Reply{Kind: domain.ReplyChallengeRetry, Text: challengeRetryText(s.gate.Question())}
	}

	log.WithField("event", "user_verified").Info("user passed the human check")
	return domain.Reply{Kind: domain.ReplyVerified, Text: verifiedText()}
}

func (s *Service) complete(ctx context.Context, prompt string, log *logrus.Entry) completion.Outcome {
	started := time.Now()
	outcome := s.gateway.Complete(ctx, prompt)
	s.metrics.Completion(outcome.Kind.String(), time.Since(started))

	if outcome.Empty {
		log.WithField("event", "completion_empty").Warn("model returned an empty answer")
	}
	return outcome
}

func (s *Service) persistFailure(err error, log *logrus.Entry) {
	if err == nil {
		return
	}

	op := "save"
	if errors.Is(err, store.ErrSaveSkipped) {
		op = "load"
	}
	s.metrics.StoreFailure(op)

	log.WithFields(logging.Fields{
		"event": "state_persist_failed",
		"op":    op,
	}).WithError(err).Warn("user state not persisted")
}

func failureReply(outcome completion.Outcome) domain.Reply {
	switch outcome.Kind {
	case completion.KindAuthFailure:
		return domain.Reply{Kind: domain.ReplyUpstreamAuth, Text: upstreamAuthText()}
	case completion.KindRateLimited:
		return domain.Reply{Kind: domain.ReplyUpstreamBusy, Text: upstreamBusyText()}
	default:
		return domain.Reply{Kind: domain.ReplyUpstreamError, Text: upstreamErrorText()}
	}
}

func isNilGateway(g completion.Gateway) bool {
	if g == nil {
		return true
	}
	if gw, ok := g.(*completion.OpenAIGateway); ok && gw == nil {
		return true
	}
	return false
}
