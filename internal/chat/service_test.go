package chat

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tokengate/tokengate/internal/config"
	"github.com/tokengate/tokengate/internal/gateway"
	"github.com/tokengate/tokengate/internal/guard"
	"github.com/tokengate/tokengate/internal/ledger"
	"github.com/tokengate/tokengate/internal/plans"
	"github.com/tokengate/tokengate/internal/reconcile"
)

// memStore is an in-memory ledger.Store for service tests.
type memStore struct {
	mu      sync.Mutex
	records map[int64]*ledger.Record
	plans   *plans.Registry
	debits  int
	failAll bool
}

func newMemStore(registry *plans.Registry) *memStore {
	return &memStore{records: make(map[int64]*ledger.Record), plans: registry}
}

func (s *memStore) get(userID int64) *ledger.Record {
	record, ok := s.records[userID]
	if !ok {
		record = &ledger.Record{
			UserID:    userID,
			Plan:      s.plans.DefaultPlan(),
			Remaining: s.plans.DefaultAllowance(),
		}
		s.records[userID] = record
	}
	return record
}

func (s *memStore) GetOrCreate(_ context.Context, userID int64) (ledger.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return ledger.Record{}, ledger.ErrStoreUnavailable
	}
	return *s.get(userID), nil
}

func (s *memStore) EnsureFresh(_ context.Context, userID int64) (ledger.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return ledger.Record{}, ledger.ErrStoreUnavailable
	}
	return *s.get(userID), nil
}

func (s *memStore) Debit(_ context.Context, userID int64, amount int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll {
		return 0, ledger.ErrStoreUnavailable
	}
	record := s.get(userID)
	record.Remaining -= amount
	if record.Remaining < 0 {
		record.Remaining = 0
	}
	s.debits++
	return record.Remaining, nil
}

func (s *memStore) SetPlan(_ context.Context, userID int64, plan string) (ledger.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	allowance, errLookup := s.plans.Allowance(plan)
	if errLookup != nil {
		return ledger.Record{}, errLookup
	}
	record := s.get(userID)
	record.Plan = plan
	record.Remaining = allowance
	return *record, nil
}

func (s *memStore) Stats(_ context.Context) (ledger.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := ledger.Stats{Users: int64(len(s.records))}
	for _, record := range s.records {
		stats.TokensRemaining += record.Remaining
	}
	return stats, nil
}

// memMessenger records everything sent through it.
type memMessenger struct {
	mu       sync.Mutex
	messages map[int64][]string
	actions  []string
}

func newMemMessenger() *memMessenger {
	return &memMessenger{messages: make(map[int64][]string)}
}

func (m *memMessenger) SendMessage(_ context.Context, chatID int64, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[chatID] = append(m.messages[chatID], text)
	return nil
}

func (m *memMessenger) SendChatAction(_ context.Context, _ int64, action string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions = append(m.actions, action)
	return nil
}

func (m *memMessenger) sent(chatID int64) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.messages[chatID]...)
}

// stubGenerator returns a canned result and captures the ceiling it was given.
type stubGenerator struct {
	mu      sync.Mutex
	result  gateway.Result
	err     error
	calls   int
	ceiling int64
}

func (g *stubGenerator) Generate(_ context.Context, _ string, ceiling int64) (gateway.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.ceiling = ceiling
	return g.result, g.err
}

func newTestService(t *testing.T, generator Generator) (*Service, *memStore, *memMessenger) {
	t.Helper()
	cfg := config.Default()
	cfg.BotToken = "tok"
	cfg.GeminiAPIKey = "key"
	cfg.AdminIDs = []int64{99}

	registry, errRegistry := plans.NewRegistry(nil, "")
	if errRegistry != nil {
		t.Fatalf("registry: %v", errRegistry)
	}
	store := newMemStore(registry)
	messenger := newMemMessenger()
	g := guard.New(store, guard.Limits{
		MinResponseTokens: cfg.MinResponseTokens,
		MaxResponseTokens: cfg.MaxResponseTokens,
	})
	reconciler := reconcile.New(store, nil, cfg.GeminiModel)
	service := NewService(cfg, store, g, generator, reconciler, messenger, registry)
	return service, store, messenger
}

func TestGenerateDebitsInputAndOutput(t *testing.T) {
	generator := &stubGenerator{result: gateway.Result{Text: strings.Repeat("x", 160)}}
	service, store, messenger := newTestService(t, generator)

	errHandle := service.HandleMessage(context.Background(), Incoming{UserID: 1, ChatID: 1, Text: "hello"})
	if errHandle != nil {
		t.Fatalf("handle: %v", errHandle)
	}

	// "hello" estimates to 2 tokens, the 160-char reply to 40. Starting from
	// the free allowance of 1000, the balance must land on 958.
	record, _ := store.EnsureFresh(context.Background(), 1)
	if record.Remaining != 958 {
		t.Fatalf("expected remaining 958, got %d", record.Remaining)
	}
	if generator.ceiling != 998 {
		t.Fatalf("expected ceiling 998, got %d", generator.ceiling)
	}
	replies := messenger.sent(1)
	if len(replies) != 1 || replies[0] != generator.result.Text {
		t.Fatalf("expected generated text delivered, got %v", replies)
	}
}

func TestGeneratePrefersReportedOutputTokens(t *testing.T) {
	generator := &stubGenerator{result: gateway.Result{Text: strings.Repeat("y", 400), OutputTokens: 10}}
	service, store, _ := newTestService(t, generator)

	if errHandle := service.HandleMessage(context.Background(), Incoming{UserID: 1, ChatID: 1, Text: "hello"}); errHandle != nil {
		t.Fatalf("handle: %v", errHandle)
	}
	record, _ := store.EnsureFresh(context.Background(), 1)
	if record.Remaining != 988 {
		t.Fatalf("expected remaining 988 from reported tokens, got %d", record.Remaining)
	}
}

func TestGenerateChargesInputOnlyOnBackendFailure(t *testing.T) {
	generator := &stubGenerator{err: gateway.ErrBackendUnavailable}
	service, store, messenger := newTestService(t, generator)

	errHandle := service.HandleMessage(context.Background(), Incoming{UserID: 1, ChatID: 1, Text: strings.Repeat("a", 200)})
	if errHandle == nil {
		t.Fatalf("expected generation error to propagate")
	}

	record, _ := store.EnsureFresh(context.Background(), 1)
	if record.Remaining != 950 {
		t.Fatalf("expected input-only debit to 950, got %d", record.Remaining)
	}
	replies := messenger.sent(1)
	if len(replies) != 1 || !strings.Contains(replies[0], "error occurred") {
		t.Fatalf("expected failure summary, got %v", replies)
	}
}

func TestGenerateRejectsExhaustedQuota(t *testing.T) {
	generator := &stubGenerator{result: gateway.Result{Text: "ok"}}
	service, store, messenger := newTestService(t, generator)

	store.records[1] = &ledger.Record{UserID: 1, Plan: "free", Remaining: 0}

	if errHandle := service.HandleMessage(context.Background(), Incoming{UserID: 1, ChatID: 1, Text: "hi"}); errHandle != nil {
		t.Fatalf("handle: %v", errHandle)
	}
	if generator.calls != 0 {
		t.Fatalf("expected no backend call for exhausted quota")
	}
	if store.debits != 0 {
		t.Fatalf("expected rejection to cost nothing, saw %d debits", store.debits)
	}
	replies := messenger.sent(1)
	if len(replies) != 1 || !strings.Contains(replies[0], "exhausted") {
		t.Fatalf("expected exhausted message, got %v", replies)
	}
}

func TestGenerateRejectsInsufficientHeadroom(t *testing.T) {
	generator := &stubGenerator{result: gateway.Result{Text: "ok"}}
	service, store, messenger := newTestService(t, generator)

	// 10 remaining minus a 2-token input leaves 8, below the 20-token floor.
	store.records[1] = &ledger.Record{UserID: 1, Plan: "free", Remaining: 10}

	if errHandle := service.HandleMessage(context.Background(), Incoming{UserID: 1, ChatID: 1, Text: "hello"}); errHandle != nil {
		t.Fatalf("handle: %v", errHandle)
	}
	if generator.calls != 0 || store.debits != 0 {
		t.Fatalf("expected rejection without backend call or debit")
	}
	replies := messenger.sent(1)
	if len(replies) != 1 || !strings.Contains(replies[0], "Not enough tokens") {
		t.Fatalf("expected headroom message, got %v", replies)
	}
}

func TestGenerateFailsClosedOnStoreFailure(t *testing.T) {
	generator := &stubGenerator{result: gateway.Result{Text: "ok"}}
	service, store, messenger := newTestService(t, generator)
	store.failAll = true

	errHandle := service.HandleMessage(context.Background(), Incoming{UserID: 1, ChatID: 1, Text: "hello"})
	if errHandle == nil {
		t.Fatalf("expected store failure to propagate")
	}
	if generator.calls != 0 {
		t.Fatalf("expected no backend call when the store is down")
	}
	replies := messenger.sent(1)
	if len(replies) != 1 || !strings.Contains(replies[0], "temporarily unavailable") {
		t.Fatalf("expected unavailable message, got %v", replies)
	}
}

func TestLongRepliesAreChunkedInOrder(t *testing.T) {
	long := strings.Repeat("a", maxChunkLen) + strings.Repeat("b", 100)
	generator := &stubGenerator{result: gateway.Result{Text: long}}
	service, _, messenger := newTestService(t, generator)

	if errHandle := service.HandleMessage(context.Background(), Incoming{UserID: 1, ChatID: 1, Text: "hi there"}); errHandle != nil {
		t.Fatalf("handle: %v", errHandle)
	}
	replies := messenger.sent(1)
	if len(replies) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(replies))
	}
	if replies[0]+replies[1] != long {
		t.Fatalf("expected chunks to reassemble the original text")
	}
}

func TestBalanceReportsPlanAndRemaining(t *testing.T) {
	service, store, messenger := newTestService(t, &stubGenerator{})
	store.records[7] = &ledger.Record{UserID: 7, Plan: "pro", Remaining: 12345}

	if errHandle := service.HandleMessage(context.Background(), Incoming{UserID: 7, ChatID: 7, Text: "/balance"}); errHandle != nil {
		t.Fatalf("handle: %v", errHandle)
	}
	replies := messenger.sent(7)
	if len(replies) != 1 || !strings.Contains(replies[0], "pro") || !strings.Contains(replies[0], "12345") {
		t.Fatalf("expected balance report, got %v", replies)
	}
}

func TestStartCreatesRecordAndGreets(t *testing.T) {
	service, store, messenger := newTestService(t, &stubGenerator{})

	if errHandle := service.HandleMessage(context.Background(), Incoming{UserID: 5, ChatID: 5, FirstName: "Ada", Text: "/start"}); errHandle != nil {
		t.Fatalf("handle: %v", errHandle)
	}
	record, _ := store.EnsureFresh(context.Background(), 5)
	if record.Plan != "free" || record.Remaining != 1000 {
		t.Fatalf("expected default record, got %+v", record)
	}
	replies := messenger.sent(5)
	if len(replies) != 1 || !strings.Contains(replies[0], "Ada") {
		t.Fatalf("expected greeting, got %v", replies)
	}
}

func TestSetPlanRequiresAdmin(t *testing.T) {
	service, store, messenger := newTestService(t, &stubGenerator{})

	if errHandle := service.HandleMessage(context.Background(), Incoming{UserID: 1, ChatID: 1, Text: "/setplan 2 pro"}); errHandle != nil {
		t.Fatalf("handle: %v", errHandle)
	}
	if _, ok := store.records[2]; ok {
		t.Fatalf("expected no plan change by non-admin")
	}
	replies := messenger.sent(1)
	if len(replies) != 1 || !strings.Contains(replies[0], "not authorized") {
		t.Fatalf("expected authorization rejection, got %v", replies)
	}
}

func TestSetPlanUpdatesTargetAndNotifies(t *testing.T) {
	service, store, messenger := newTestService(t, &stubGenerator{})

	if errHandle := service.HandleMessage(context.Background(), Incoming{UserID: 99, ChatID: 99, Text: "/setplan 2 PRO"}); errHandle != nil {
		t.Fatalf("handle: %v", errHandle)
	}
	record, _ := store.EnsureFresh(context.Background(), 2)
	if record.Plan != "pro" || record.Remaining != 20000 {
		t.Fatalf("expected pro with fresh allowance, got %+v", record)
	}

	// The target notification is fire-and-forget; wait briefly for delivery.
	deadline := time.Now().Add(2 * time.Second)
	for len(messenger.sent(2)) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	notices := messenger.sent(2)
	if len(notices) != 1 || !strings.Contains(notices[0], "pro") {
		t.Fatalf("expected plan change notice to target, got %v", notices)
	}
}

func TestSetPlanRejectsUnknownPlan(t *testing.T) {
	service, store, messenger := newTestService(t, &stubGenerator{})

	if errHandle := service.HandleMessage(context.Background(), Incoming{UserID: 99, ChatID: 99, Text: "/setplan 2 platinum"}); errHandle != nil {
		t.Fatalf("handle: %v", errHandle)
	}
	if _, ok := store.records[2]; ok {
		t.Fatalf("expected no record for rejected plan change")
	}
	replies := messenger.sent(99)
	if len(replies) != 1 || !strings.Contains(replies[0], "Unknown plan") {
		t.Fatalf("expected unknown plan message, got %v", replies)
	}
}

func TestStatsRequiresAdmin(t *testing.T) {
	service, store, messenger := newTestService(t, &stubGenerator{})
	store.records[1] = &ledger.Record{UserID: 1, Plan: "free", Remaining: 600}
	store.records[2] = &ledger.Record{UserID: 2, Plan: "pro", Remaining: 400}

	if errHandle := service.HandleMessage(context.Background(), Incoming{UserID: 1, ChatID: 1, Text: "/stats"}); errHandle != nil {
		t.Fatalf("handle: %v", errHandle)
	}
	if got := messenger.sent(1); len(got) != 1 || !strings.Contains(got[0], "not authorized") {
		t.Fatalf("expected rejection for non-admin, got %v", got)
	}

	if errHandle := service.HandleMessage(context.Background(), Incoming{UserID: 99, ChatID: 99, Text: "/stats"}); errHandle != nil {
		t.Fatalf("handle: %v", errHandle)
	}
	got := messenger.sent(99)
	if len(got) != 1 || !strings.Contains(got[0], "2") || !strings.Contains(got[0], "1000") {
		t.Fatalf("expected totals in stats reply, got %v", got)
	}
}

func TestCaptionJoinsPromptText(t *testing.T) {
	generator := &stubGenerator{result: gateway.Result{Text: "ok"}}
	service, store, _ := newTestService(t, generator)

	msg := Incoming{UserID: 1, ChatID: 1, Text: strings.Repeat("t", 40), Caption: strings.Repeat("c", 39)}
	if errHandle := service.HandleMessage(context.Background(), msg); errHandle != nil {
		t.Fatalf("handle: %v", errHandle)
	}
	// 40 text + newline + 39 caption is 80 chars, a 20-token input.
	record, _ := store.EnsureFresh(context.Background(), 1)
	if record.Remaining != 1000-20-1 {
		t.Fatalf("expected caption included in input cost, got remaining %d", record.Remaining)
	}
}

func TestEmptyMessagePrompts(t *testing.T) {
	generator := &stubGenerator{}
	service, _, messenger := newTestService(t, generator)

	if errHandle := service.HandleMessage(context.Background(), Incoming{UserID: 1, ChatID: 1, Text: "   "}); errHandle != nil {
		t.Fatalf("handle: %v", errHandle)
	}
	if generator.calls != 0 {
		t.Fatalf("expected no backend call for empty text")
	}
	if got := messenger.sent(1); len(got) != 1 || !strings.Contains(got[0], "send text") {
		t.Fatalf("expected prompt for text, got %v", got)
	}
}

func TestCommandParsing(t *testing.T) {
	cases := []struct {
		text string
		want string
	}{
		{"/balance", "/balance"},
		{"/Balance", "/balance"},
		{"/balance@TokenGateBot", "/balance"},
		{"/setplan 2 pro", "/setplan"},
		{"hello", ""},
		{"use /balance to check", ""},
	}
	for _, tc := range cases {
		if got := command(tc.text); got != tc.want {
			t.Fatalf("command(%q) = %q, want %q", tc.text, got, tc.want)
		}
	}
}
