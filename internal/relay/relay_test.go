package relay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

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

const (
	testUser = int64(1)
	testChat = int64(100)
)

type fakeGateway struct {
	mu       sync.Mutex
	outcomes []completion.Outcome
	calls    int
	prompts  []string
}

func (g *fakeGateway) Complete(_ context.Context, prompt string) completion.Outcome {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.calls++
	g.prompts = append(g.prompts, prompt)
	if len(g.outcomes) == 0 {
		return completion.Success("answer to " + prompt)
	}
	next := g.outcomes[0]
	g.outcomes = g.outcomes[1:]
	return next
}

func (g *fakeGateway) queue(outcomes ...completion.Outcome) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.outcomes = append(g.outcomes, outcomes...)
}

type countingBackend struct {
	*store.MemoryBackend
	mu     sync.Mutex
	puts   int
	putErr error
	getErr error
}

func (b *countingBackend) Get(ctx context.Context, userID int64) (domain.UserRecord, error) {
	b.mu.Lock()
	err := b.getErr
	b.mu.Unlock()
	if err != nil {
		return domain.UserRecord{}, err
	}
	return b.MemoryBackend.Get(ctx, userID)
}

func (b *countingBackend) Put(ctx context.Context, record domain.UserRecord) error {
	b.mu.Lock()
	b.puts++
	err := b.putErr
	b.mu.Unlock()
	if err != nil {
		return err
	}
	return b.MemoryBackend.Put(ctx, record)
}

func (b *countingBackend) putCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.puts
}

type harness struct {
	svc     *Service
	backend *countingBackend
	clk     *clock.Manual
	gateway *fakeGateway
	hook    *logtest.Hook
}

func newHarness(t *testing.T, withGateway bool, opts ...Option) *harness {
	t.Helper()

	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	entry := logrus.NewEntry(logger)

	clk := clock.NewManual(time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC))
	backend := &countingBackend{MemoryBackend: store.NewMemoryBackend()}
	states := store.NewStateStore(backend, clk, entry)

	h := &harness{backend: backend, clk: clk, hook: hook}

	base := []Option{WithClock(clk), WithLogger(entry), WithMetrics(metrics.New())}
	if withGateway {
		h.gateway = &fakeGateway{}
		base = append(base, WithGateway(h.gateway))
	}

	svc, err := New(states, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	h.svc = svc
	return h
}

// send delivers a message and then lets the cooldown expire.
func (h *harness) send(text string) domain.Reply {
	reply := h.svc.HandleText(context.Background(), domain.Inbound{UserID: testUser, ChatID: testChat, Text: text})
	h.clk.Advance(4 * time.Second)
	return reply
}

func (h *harness) record(t *testing.T) domain.UserRecord {
	t.Helper()
	rec, err := h.backend.Get(context.Background(), testUser)
	if err != nil {
		t.Fatalf("load record: %v", err)
	}
	return rec
}

func (h *harness) seedVerified(t *testing.T, quotaUsed int) {
	t.Helper()
	rec := domain.NewUserRecord(testUser, clock.DayKey(h.clk.Now()), h.clk.Now())
	rec.Verification = domain.VerificationVerified
	rec.FreeInteractionsUsed = verification.DefaultFreeLimit
	rec.DailyQuotaUsed = quotaUsed
	if err := h.backend.MemoryBackend.Put(context.Background(), rec); err != nil {
		t.Fatalf("seed record: %v", err)
	}
}

func (h *harness) calls() int {
	if h.gateway == nil {
		return 0
	}
	h.gateway.mu.Lock()
	defer h.gateway.mu.Unlock()
	return h.gateway.calls
}

func expectKind(t *testing.T, reply domain.Reply, kind domain.ReplyKind) {
	t.Helper()
	if reply.Kind != kind {
		t.Fatalf("expected %s reply, got %s (%q)", kind, reply.Kind, reply.Text)
	}
	if reply.ChatID != testChat {
		t.Fatalf("expected reply addressed to chat %d, got %d", testChat, reply.ChatID)
	}
}

func findEvent(entries []*logrus.Entry, event string) *logrus.Entry {
	for i := range entries {
		if entries[i].Data["event"] == event {
			return entries[i]
		}
	}
	return nil
}

func TestNewRequiresStateStore(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatalf("expected error without state store")
	}
}

func TestNewTreatsTypedNilGatewayAsAbsent(t *testing.T) {
	var gw *completion.OpenAIGateway
	h := newHarness(t, false, WithGateway(gw))

	if h.svc.Limits().CompletionEnabled {
		t.Fatalf("expected typed nil gateway to disable completion")
	}
	expectKind(t, h.send("hi"), domain.ReplyFallback)
}

func TestSecondMessageWithinIntervalGetsCooldown(t *testing.T) {
	h := newHarness(t, true)

	first := h.svc.HandleText(context.Background(), domain.Inbound{UserID: testUser, ChatID: testChat, Text: "one"})
	firstAt := h.clk.Now()
	h.clk.Advance(time.Second)
	second := h.svc.HandleText(context.Background(), domain.Inbound{UserID: testUser, ChatID: testChat, Text: "two"})

	expectKind(t, first, domain.ReplyAnswer)
	expectKind(t, second, domain.ReplyCooldown)

	if !strings.Contains(second.Text, "2 s") {
		t.Fatalf("expected remaining seconds in cooldown notice, got %q", second.Text)
	}
	if h.calls() != 1 {
		t.Fatalf("expected one upstream call, got %d", h.calls())
	}

	rec := h.record(t)
	if !rec.LastActivityAt.Equal(firstAt) {
		t.Fatalf("rejected message must not move last activity, got %v want %v", rec.LastActivityAt, firstAt)
	}
	if rec.FreeInteractionsUsed != 1 {
		t.Fatalf("expected one free reply counted, got %d", rec.FreeInteractionsUsed)
	}
	if findEvent(h.hook.AllEntries(), "rate_limited").Level != logrus.InfoLevel {
		t.Fatalf("expected rate limit rejection at info level")
	}
}

func TestFallbackWithoutUpstreamNeverTouchesVerificationOrQuota(t *testing.T) {
	h := newHarness(t, false)

	for _, text := range []string{"alpha", "beta", "gamma"} {
		reply := h.send(text)
		expectKind(t, reply, domain.ReplyFallback)
		if !strings.Contains(reply.Text, text) {
			t.Fatalf("expected echo of %q, got %q", text, reply.Text)
		}
	}

	rec := h.record(t)
	if rec.Verification != domain.VerificationFresh || rec.FreeInteractionsUsed != 0 || rec.DailyQuotaUsed != 0 {
		t.Fatalf("fallback path must not change policy state, got %+v", rec)
	}
	if h.backend.putCount() != 3 {
		t.Fatalf("expected one save per message, got %d", h.backend.putCount())
	}
}

func TestFreeRepliesThenChallengeThenQuota(t *testing.T) {
	h := newHarness(t, true)

	expectKind(t, h.send("q1"), domain.ReplyAnswer)
	expectKind(t, h.send("q2"), domain.ReplyAnswer)

	rec := h.record(t)
	if rec.FreeInteractionsUsed != 2 || rec.DailyQuotaUsed != 0 {
		t.Fatalf("free replies must not touch the ledger, got %+v", rec)
	}

	challenge := h.send("q3")
	expectKind(t, challenge, domain.ReplyChallenge)
	if challenge.Action == nil || challenge.Action.Data != VerifyActionData {
		t.Fatalf("expected challenge button, got %+v", challenge.Action)
	}
	if !strings.Contains(challenge.Text, "2 + 2") {
		t.Fatalf("expected question in challenge text, got %q", challenge.Text)
	}
	if h.calls() != 2 {
		t.Fatalf("challenge must not call upstream, got %d calls", h.calls())
	}
	if !h.record(t).PendingChallenge() {
		t.Fatalf("expected challenge to be pending")
	}

	expectKind(t, h.send("5"), domain.ReplyChallengeRetry)
	if !h.record(t).PendingChallenge() {
		t.Fatalf("wrong answer must keep the challenge pending")
	}

	expectKind(t, h.send(" 4 "), domain.ReplyVerified)
	rec = h.record(t)
	if !rec.IsVerified() || rec.PendingChallenge() {
		t.Fatalf("expected verified without pending challenge, got %+v", rec)
	}
	if h.calls() != 2 {
		t.Fatalf("challenge answers must not call upstream, got %d calls", h.calls())
	}

	next := h.send("4")
	expectKind(t, next, domain.ReplyAnswer)
	if next.Text != "answer to 4" {
		t.Fatalf("expected message after verification to be a content query, got %q", next.Text)
	}
	if h.record(t).DailyQuotaUsed != 1 {
		t.Fatalf("expected quota to be consumed after verification, got %d", h.record(t).DailyQuotaUsed)
	}
	if h.backend.putCount() != 6 {
		t.Fatalf("expected exactly one save per message, got %d", h.backend.putCount())
	}
}

func TestDailyLimitStopsUpstreamCalls(t *testing.T) {
	h := newHarness(t, true)
	h.seedVerified(t, 0)

	for i := 0; i < quota.DefaultDailyLimit; i++ {
		expectKind(t, h.send("q"), domain.ReplyAnswer)
	}

	expectKind(t, h.send("q"), domain.ReplyQuotaExhausted)
	if h.calls() != quota.DefaultDailyLimit {
		t.Fatalf("expected %d upstream calls, got %d", quota.DefaultDailyLimit, h.calls())
	}
	if h.record(t).DailyQuotaUsed != quota.DefaultDailyLimit {
		t.Fatalf("expected quota at limit, got %d", h.record(t).DailyQuotaUsed)
	}
}

func TestFailedCompletionRollsBackReservation(t *testing.T) {
	h := newHarness(t, true)
	h.seedVerified(t, 9)

	h.gateway.queue(completion.Failure(completion.KindRateLimited, errors.New("429")))

	expectKind(t, h.send("q10"), domain.ReplyUpstreamBusy)
	if used := h.record(t).DailyQuotaUsed; used != 9 {
		t.Fatalf("expected quota to stay at 9 after rate limit, got %d", used)
	}

	expectKind(t, h.send("q11"), domain.ReplyAnswer)
	if used := h.record(t).DailyQuotaUsed; used != 10 {
		t.Fatalf("expected successful retry to consume quota, got %d", used)
	}
}

func TestFailureOutcomesMapToNotices(t *testing.T) {
	cases := []struct {
		kind  completion.Kind
		reply domain.ReplyKind
	}{
		{completion.KindAuthFailure, domain.ReplyUpstreamAuth},
		{completion.KindRateLimited, domain.ReplyUpstreamBusy},
		{completion.KindTransientError, domain.ReplyUpstreamError},
	}

	for _, tc := range cases {
		t.Run(tc.kind.String(), func(t *testing.T) {
			h := newHarness(t, true)
			h.seedVerified(t, 3)
			h.gateway.queue(completion.Failure(tc.kind, errors.New("upstream")))

			expectKind(t, h.send("q"), tc.reply)
			if used := h.record(t).DailyQuotaUsed; used != 3 {
				t.Fatalf("expected reserve-then-rollback to be a no-op, got %d", used)
			}
			if findEvent(h.hook.AllEntries(), "quota_rollback") == nil {
				t.Fatalf("expected rollback to be logged")
			}
		})
	}
}

func TestFailedFreeReplyIsNotCounted(t *testing.T) {
	h := newHarness(t, true)
	h.gateway.queue(completion.Failure(completion.KindTransientError, errors.New("timeout")))

	expectKind(t, h.send("q"), domain.ReplyUpstreamError)

	rec := h.record(t)
	if rec.FreeInteractionsUsed != 0 || rec.DailyQuotaUsed != 0 {
		t.Fatalf("failed free attempt must not be charged, got %+v", rec)
	}
}

func TestEmptyAnswerStillConsumesQuota(t *testing.T) {
	h := newHarness(t, true)
	h.seedVerified(t, 0)
	h.gateway.queue(completion.Success(""))

	reply := h.send("q")
	expectKind(t, reply, domain.ReplyAnswer)
	if reply.Text != completion.EmptyResponseText {
		t.Fatalf("expected placeholder text, got %q", reply.Text)
	}
	if h.record(t).DailyQuotaUsed != 1 {
		t.Fatalf("expected empty success to keep its reservation")
	}
}

func TestDayRolloverResetsQuotaOnly(t *testing.T) {
	h := newHarness(t, true)
	h.seedVerified(t, quota.DefaultDailyLimit)

	expectKind(t, h.send("q"), domain.ReplyQuotaExhausted)

	h.clk.Advance(24 * time.Hour)
	expectKind(t, h.send("q"), domain.ReplyAnswer)

	rec := h.record(t)
	if rec.DailyQuotaUsed != 1 || rec.CurrentDay != "2024-05-11" {
		t.Fatalf("expected fresh day counters, got %+v", rec)
	}
	if !rec.IsVerified() || rec.FreeInteractionsUsed != verification.DefaultFreeLimit {
		t.Fatalf("rollover must keep verification and free count, got %+v", rec)
	}
}

func TestPendingChallengeSurvivesRollover(t *testing.T) {
	h := newHarness(t, true, WithGate(verification.NewGate(0)))

	expectKind(t, h.send("q"), domain.ReplyChallenge)
	h.clk.Advance(24 * time.Hour)
	expectKind(t, h.send("hello"), domain.ReplyChallengeRetry)
	expectKind(t, h.send("4"), domain.ReplyVerified)
}

func TestVerificationIsMonotonic(t *testing.T) {
	h := newHarness(t, true)
	h.seedVerified(t, 0)

	for _, text := range []string{"5", "4", "wrong", ""} {
		reply := h.send(text)
		if reply.Kind == domain.ReplyChallenge || reply.Kind == domain.ReplyChallengeRetry {
			t.Fatalf("verified user must never be challenged again, got %s", reply.Kind)
		}
	}
	if !h.record(t).IsVerified() {
		t.Fatalf("expected user to remain verified")
	}
	press := h.svc.HandleChallengeAction(context.Background(), testUser, testChat)
	expectKind(t, press, domain.ReplyNotice)
	if !h.record(t).IsVerified() {
		t.Fatalf("button press must not change a verified user")
	}
}

func TestChallengeActionIssuesAndRepeatsQuestion(t *testing.T) {
	h := newHarness(t, true, WithGate(verification.NewGate(1)))

	expectKind(t, h.svc.HandleChallengeAction(context.Background(), testUser, testChat), domain.ReplyNotice)
	if h.record(t).PendingChallenge() {
		t.Fatalf("button press must not issue a challenge to a fresh user")
	}

	expectKind(t, h.send("q1"), domain.ReplyAnswer)
	before := h.record(t).LastActivityAt

	press := h.svc.HandleChallengeAction(context.Background(), testUser, testChat)
	expectKind(t, press, domain.ReplyChallenge)
	if !strings.Contains(press.Text, "2 + 2") {
		t.Fatalf("expected question text, got %q", press.Text)
	}

	rec := h.record(t)
	if !rec.PendingChallenge() {
		t.Fatalf("expected button press to issue the owed challenge")
	}
	if !rec.LastActivityAt.Equal(before) {
		t.Fatalf("button press must not touch the rate limit state")
	}

	expectKind(t, h.svc.HandleChallengeAction(context.Background(), testUser, testChat), domain.ReplyChallenge)
	expectKind(t, h.send("4"), domain.ReplyVerified)
}

func TestSaveFailureKeepsDecision(t *testing.T) {
	h := newHarness(t, true)
	h.backend.putErr = errors.New("disk full")

	expectKind(t, h.send("q"), domain.ReplyAnswer)

	entry := findEvent(h.hook.AllEntries(), "state_persist_failed")
	if entry == nil || entry.Level != logrus.WarnLevel || entry.Data["op"] != "save" {
		t.Fatalf("expected persistence failure warning, got %+v", entry)
	}
}

func TestUnreadableBackendStillEnforcesLimits(t *testing.T) {
	h := newHarness(t, true)
	h.backend.getErr = errors.New("connection refused")

	var kinds []domain.ReplyKind
	for i := 0; i < 5; i++ {
		reply := h.svc.HandleText(context.Background(), domain.Inbound{UserID: testUser, ChatID: testChat, Text: "q"})
		kinds = append(kinds, reply.Kind)
		h.clk.Advance(100 * time.Millisecond)
	}

	want := []domain.ReplyKind{domain.ReplyAnswer, domain.ReplyCooldown, domain.ReplyCooldown, domain.ReplyCooldown, domain.ReplyCooldown}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, kinds)
		}
	}
	if h.calls() != 1 {
		t.Fatalf("expected one upstream call, got %d", h.calls())
	}
	if h.backend.putCount() != 0 {
		t.Fatalf("expected no writes while reads fail, got %d", h.backend.putCount())
	}

	entry := findEvent(h.hook.AllEntries(), "state_persist_failed")
	if entry == nil || entry.Data["op"] != "load" {
		t.Fatalf("expected load failure warning, got %+v", entry)
	}
}

func TestUnreadableBackendKeepsChallengeOwed(t *testing.T) {
	h := newHarness(t, true)
	h.backend.getErr = errors.New("connection refused")

	expectKind(t, h.send("one"), domain.ReplyAnswer)
	expectKind(t, h.send("two"), domain.ReplyAnswer)
	expectKind(t, h.send("three"), domain.ReplyChallenge)
	expectKind(t, h.send("five"), domain.ReplyChallengeRetry)
	if h.calls() != verification.DefaultFreeLimit {
		t.Fatalf("expected only free replies upstream, got %d calls", h.calls())
	}
}

func TestConcurrentMessagesFromOneUserNeverOverIssue(t *testing.T) {
	h := newHarness(t, true,
		WithLimiter(ratelimit.New(0)),
		WithLedger(quota.NewLedger(5)),
	)
	h.seedVerified(t, 0)

	const senders = 20
	replies := make(chan domain.Reply, senders)
	var wg sync.WaitGroup
	wg.Add(senders)
	for i := 0; i < senders; i++ {
		go func() {
			defer wg.Done()
			replies <- h.svc.HandleText(context.Background(), domain.Inbound{UserID: testUser, ChatID: testChat, Text: "q"})
		}()
	}
	wg.Wait()
	close(replies)

	counts := map[domain.ReplyKind]int{}
	for r := range replies {
		counts[r.Kind]++
	}

	if counts[domain.ReplyAnswer] != 5 || counts[domain.ReplyQuotaExhausted] != senders-5 {
		t.Fatalf("expected 5 answers and %d exhausted notices, got %v", senders-5, counts)
	}
	if h.record(t).DailyQuotaUsed != 5 {
		t.Fatalf("expected quota at 5, got %d", h.record(t).DailyQuotaUsed)
	}
	if h.backend.putCount() != senders {
		t.Fatalf("expected one save per message, got %d", h.backend.putCount())
	}
}

func TestLimitsReportsPolicy(t *testing.T) {
	h := newHarness(t, false,
		WithLimiter(ratelimit.New(7*time.Second)),
		WithLedger(quota.NewLedger(4)),
		WithGate(verification.NewGate(1)),
	)

	got := h.svc.Limits()
	want := Limits{MinInterval: 7 * time.Second, DailyLimit: 4, FreeLimit: 1}
	if got != want {
		t.Fatalf("expected %+v, got %+v", want, got)
	}
	if !strings.Contains(TariffsText(got), "Up to 4 AI answers") {
		t.Fatalf("expected tariffs to render the daily limit, got %q", TariffsText(got))
	}
}

func TestServiceDefaultsToBaseLogger(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	prev := logging.Logger()
	logging.SetLogger(logrus.NewEntry(logger))
	t.Cleanup(func() { logging.SetLogger(prev) })

	clk := clock.NewManual(time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC))
	svc, err := New(store.NewStateStore(store.NewMemoryBackend(), clk, nil), WithClock(clk))
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	reply := svc.HandleText(context.Background(), domain.Inbound{UserID: testUser, ChatID: testChat, Text: "hi"})
	expectKind(t, reply, domain.ReplyFallback)

	entry := findEvent(hook.AllEntries(), "reply_decided")
	if entry == nil {
		t.Fatalf("expected reply_decided on the base logger")
	}
	if id, _ := entry.Data["request_id"].(string); id == "" {
		t.Fatalf("expected request_id on reply log, got %v", entry.Data)
	}
	if entry.Data["user_id"] != testUser || entry.Data["chat_id"] != testChat {
		t.Fatalf("expected user and chat ids on reply log, got %v", entry.Data)
	}
	if findEvent(hook.AllEntries(), "user_created") == nil {
		t.Fatalf("expected state store to log on the base logger")
	}
}
