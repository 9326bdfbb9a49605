package orchestrator

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/ashendes/card-payments/internal/gateway"
	"github.com/ashendes/card-payments/internal/ledger"
	"github.com/ashendes/card-payments/internal/models"
)

var errDatabaseDown = errors.New("database down")

func testLogger() *log.Logger {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testIntent() models.ChargeIntent {
	return models.ChargeIntent{
		Amount:        decimal.RequireFromString("50.00"),
		Currency:      "mxn",
		CustomerEmail: "ana@example.com",
		CustomerName:  "Ana",
		Card:          models.Card{Number: "4111111111111111", ExpMonth: "12", ExpYear: "2030", CVC: "123"},
	}
}

// fakeGateway records charges and answers with ChargeFunc
type fakeGateway struct {
	mu         sync.Mutex
	calls      int
	lastAmount int64
	lastCurr   string
	ChargeFunc func(ctx context.Context, req *gateway.ChargeRequest) (gateway.ChargeResult, error)
}

func (g *fakeGateway) Charge(ctx context.Context, req *gateway.ChargeRequest) (gateway.ChargeResult, error) {
	g.mu.Lock()
	g.calls++
	g.lastAmount = req.Amount
	g.lastCurr = req.Currency
	g.mu.Unlock()

	if g.ChargeFunc != nil {
		return g.ChargeFunc(ctx, req)
	}
	return gateway.ChargeResult{GatewayReference: "tx_abc"}, nil
}

func (g *fakeGateway) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// mockLedger delegates to a real ledger unless a Func field overrides it
type mockLedger struct {
	*ledger.Ledger
	CreateFunc        func(ctx context.Context, intent models.ChargeIntent, opts ...ledger.CreateOption) (*models.Transaction, error)
	MarkCompletedFunc func(ctx context.Context, id, ref string) (*models.Transaction, error)
	MarkFailedFunc    func(ctx context.Context, id string) (*models.Transaction, error)
	FindFunc          func(ctx context.Context, key string) (*models.Transaction, error)
}

func (m *mockLedger) Create(ctx context.Context, intent models.ChargeIntent, opts ...ledger.CreateOption) (*models.Transaction, error) {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, intent, opts...)
	}
	return m.Ledger.Create(ctx, intent, opts...)
}

func (m *mockLedger) MarkCompleted(ctx context.Context, id, ref string) (*models.Transaction, error) {
	if m.MarkCompletedFunc != nil {
		return m.MarkCompletedFunc(ctx, id, ref)
	}
	return m.Ledger.MarkCompleted(ctx, id, ref)
}

func (m *mockLedger) MarkFailed(ctx context.Context, id string) (*models.Transaction, error) {
	if m.MarkFailedFunc != nil {
		return m.MarkFailedFunc(ctx, id)
	}
	return m.Ledger.MarkFailed(ctx, id)
}

func (m *mockLedger) FindByIdempotencyKey(ctx context.Context, key string) (*models.Transaction, error) {
	if m.FindFunc != nil {
		return m.FindFunc(ctx, key)
	}
	return m.Ledger.FindByIdempotencyKey(ctx, key)
}

func newMockLedger() *mockLedger {
	return &mockLedger{Ledger: ledger.New(ledger.NewMemoryStore(), testLogger())}
}

func onlyTransaction(t *testing.T, l *ledger.Ledger) models.Transaction {
	t.Helper()
	txs, err := l.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(txs) != 1 {
		t.Fatalf("ledger has %d transactions, want 1", len(txs))
	}
	return txs[0]
}

func TestCharge_Completes(t *testing.T) {
	l := newMockLedger()
	gw := &fakeGateway{}
	o := New(l, gw, testLogger())

	tx, err := o.Charge(context.Background(), testIntent(), "")
	if err != nil {
		t.Fatalf("Charge() error = %v", err)
	}

	if tx.Status != models.TransactionStatusCompleted {
		t.Errorf("Status = %q, want completed", tx.Status)
	}
	if tx.GatewayReference == nil || *tx.GatewayReference != "tx_abc" {
		t.Errorf("GatewayReference = %v, want tx_abc", tx.GatewayReference)
	}
	if gw.lastAmount != 5000 || gw.lastCurr != "MXN" {
		t.Errorf("gateway saw amount=%d currency=%s, want 5000 MXN", gw.lastAmount, gw.lastCurr)
	}

	stored := onlyTransaction(t, l.Ledger)
	if stored.ID != tx.ID || stored.Status != models.TransactionStatusCompleted {
		t.Errorf("stored = %+v", stored)
	}
}

func TestCharge_CardWipedAfterCall(t *testing.T) {
	var sent *gateway.ChargeRequest
	gw := &fakeGateway{ChargeFunc: func(ctx context.Context, req *gateway.ChargeRequest) (gateway.ChargeResult, error) {
		sent = req
		return gateway.ChargeResult{GatewayReference: "tx_abc"}, nil
	}}

	if _, err := New(newMockLedger(), gw, testLogger()).Charge(context.Background(), testIntent(), ""); err != nil {
		t.Fatalf("Charge() error = %v", err)
	}
	if sent.Card != (gateway.CardPayload{}) {
		t.Error("card material still held by the request after the charge")
	}
}

func TestCharge_GatewayFailureMarksFailed(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		cause models.ChargeFailureCause
	}{
		{"timeout", &models.UpstreamChargeError{Cause: models.CauseTimeout}, models.CauseTimeout},
		{"declined", &models.UpstreamChargeError{Cause: models.CauseStatus, StatusCode: 402}, models.CauseStatus},
		{"untyped error", errors.New("connection reset"), models.CauseTransport},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newMockLedger()
			gw := &fakeGateway{ChargeFunc: func(context.Context, *gateway.ChargeRequest) (gateway.ChargeResult, error) {
				return gateway.ChargeResult{}, tt.err
			}}

			tx, err := New(l, gw, testLogger()).Charge(context.Background(), testIntent(), "")
			if tx != nil {
				t.Errorf("Charge() returned transaction %+v on failure", tx)
			}
			var upstream *models.UpstreamChargeError
			if !errors.As(err, &upstream) {
				t.Fatalf("error = %v, want UpstreamChargeError", err)
			}
			if upstream.Cause != tt.cause {
				t.Errorf("Cause = %q, want %q", upstream.Cause, tt.cause)
			}

			stored := onlyTransaction(t, l.Ledger)
			if stored.Status != models.TransactionStatusFailed {
				t.Errorf("stored Status = %q, want failed", stored.Status)
			}
			if stored.GatewayReference != nil {
				t.Errorf("stored GatewayReference = %q, want nil", *stored.GatewayReference)
			}
		})
	}
}

func TestCharge_RecordsOutcomeAfterCallerGivesUp(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := newMockLedger()
	var markCtxErr error
	l.MarkFailedFunc = func(ctx context.Context, id string) (*models.Transaction, error) {
		markCtxErr = ctx.Err()
		return l.Ledger.MarkFailed(ctx, id)
	}
	gw := &fakeGateway{ChargeFunc: func(context.Context, *gateway.ChargeRequest) (gateway.ChargeResult, error) {
		cancel()
		return gateway.ChargeResult{}, &models.UpstreamChargeError{Cause: models.CauseTimeout}
	}}

	if _, err := New(l, gw, testLogger()).Charge(ctx, testIntent(), ""); err == nil {
		t.Fatal("Charge() error = nil")
	}
	if markCtxErr != nil {
		t.Errorf("MarkFailed ran with a dead context: %v", markCtxErr)
	}
	if stored := onlyTransaction(t, l.Ledger); stored.Status != models.TransactionStatusFailed {
		t.Errorf("stored Status = %q, want failed", stored.Status)
	}
}

func TestCharge_MarkFailedErrorDoesNotMaskUpstream(t *testing.T) {
	l := newMockLedger()
	l.MarkFailedFunc = func(context.Context, string) (*models.Transaction, error) {
		return nil, &models.StorageError{Op: "update", Err: errDatabaseDown}
	}
	gw := &fakeGateway{ChargeFunc: func(context.Context, *gateway.ChargeRequest) (gateway.ChargeResult, error) {
		return gateway.ChargeResult{}, &models.UpstreamChargeError{Cause: models.CauseTransport}
	}}

	_, err := New(l, gw, testLogger()).Charge(context.Background(), testIntent(), "")
	var upstream *models.UpstreamChargeError
	if !errors.As(err, &upstream) {
		t.Errorf("error = %v, want the gateway failure", err)
	}
}

func TestCharge_StorageFailureSkipsGateway(t *testing.T) {
	l := newMockLedger()
	l.CreateFunc = func(context.Context, models.ChargeIntent, ...ledger.CreateOption) (*models.Transaction, error) {
		return nil, &models.StorageError{Op: "create", Err: errDatabaseDown}
	}
	gw := &fakeGateway{}

	_, err := New(l, gw, testLogger()).Charge(context.Background(), testIntent(), "")
	var storageErr *models.StorageError
	if !errors.As(err, &storageErr) {
		t.Errorf("error = %v, want StorageError", err)
	}
	if gw.Calls() != 0 {
		t.Errorf("gateway called %d times after the ledger failed", gw.Calls())
	}
}

func TestCharge_CompletionNotRecorded(t *testing.T) {
	l := newMockLedger()
	l.MarkCompletedFunc = func(context.Context, string, string) (*models.Transaction, error) {
		return nil, &models.StorageError{Op: "update", Err: errDatabaseDown}
	}

	_, err := New(l, &fakeGateway{}, testLogger()).Charge(context.Background(), testIntent(), "")
	var storageErr *models.StorageError
	if !errors.As(err, &storageErr) {
		t.Errorf("error = %v, want StorageError", err)
	}
}

func TestCharge_IdempotentReplay(t *testing.T) {
	l := newMockLedger()
	gw := &fakeGateway{}
	o := New(l, gw, testLogger())

	first, err := o.Charge(context.Background(), testIntent(), "order-42")
	if err != nil {
		t.Fatalf("first Charge() error = %v", err)
	}
	second, err := o.Charge(context.Background(), testIntent(), "order-42")
	if err != nil {
		t.Fatalf("second Charge() error = %v", err)
	}

	if second.ID != first.ID {
		t.Errorf("replay returned %s, want %s", second.ID, first.ID)
	}
	if gw.Calls() != 1 {
		t.Errorf("gateway called %d times, want 1", gw.Calls())
	}

	if _, err := o.Charge(context.Background(), testIntent(), "order-43"); err != nil {
		t.Fatalf("Charge() with a new key error = %v", err)
	}
	if gw.Calls() != 2 {
		t.Errorf("gateway called %d times, want 2 after a new key", gw.Calls())
	}
}

func TestCharge_ReplayOfFailedCharge(t *testing.T) {
	l := newMockLedger()
	gw := &fakeGateway{ChargeFunc: func(context.Context, *gateway.ChargeRequest) (gateway.ChargeResult, error) {
		return gateway.ChargeResult{}, &models.UpstreamChargeError{Cause: models.CauseStatus, StatusCode: 500}
	}}
	o := New(l, gw, testLogger())

	if _, err := o.Charge(context.Background(), testIntent(), "order-42"); err == nil {
		t.Fatal("first Charge() error = nil")
	}
	tx, err := o.Charge(context.Background(), testIntent(), "order-42")
	if tx != nil {
		t.Errorf("replay returned transaction %+v for a failed charge", tx)
	}
	var upstream *models.UpstreamChargeError
	if !errors.As(err, &upstream) || upstream.Cause != models.CauseReplayedFailure {
		t.Errorf("replay error = %v, want UpstreamChargeError with cause %q", err, models.CauseReplayedFailure)
	}
	if gw.Calls() != 1 {
		t.Errorf("gateway called %d times, want 1", gw.Calls())
	}
}

func TestCharge_ReplayOfPendingCharge(t *testing.T) {
	l := newMockLedger()
	pending, err := l.Ledger.Create(context.Background(), testIntent(), ledger.WithIdempotencyKey("order-42"))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	gw := &fakeGateway{}

	tx, err := New(l, gw, testLogger()).Charge(context.Background(), testIntent(), "order-42")
	if tx != nil {
		t.Errorf("replay returned transaction %+v for a pending charge", tx)
	}
	var inProgress *models.ChargeInProgressError
	if !errors.As(err, &inProgress) || inProgress.ID != pending.ID {
		t.Errorf("replay error = %v, want ChargeInProgressError for %s", err, pending.ID)
	}
	if gw.Calls() != 0 {
		t.Errorf("gateway called %d times for a pending duplicate", gw.Calls())
	}
}

func TestCharge_KeyReusedForDifferentPayment(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.ChargeIntent)
	}{
		{"amount", func(i *models.ChargeIntent) { i.Amount = decimal.RequireFromString("51.00") }},
		{"currency", func(i *models.ChargeIntent) { i.Currency = "USD" }},
		{"customer", func(i *models.ChargeIntent) { i.CustomerEmail = "bob@example.com" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newMockLedger()
			gw := &fakeGateway{}
			o := New(l, gw, testLogger())

			if _, err := o.Charge(context.Background(), testIntent(), "order-42"); err != nil {
				t.Fatalf("first Charge() error = %v", err)
			}

			other := testIntent()
			tt.mutate(&other)
			tx, err := o.Charge(context.Background(), other, "order-42")
			if tx != nil {
				t.Errorf("Charge() returned %+v for a mismatched key", tx)
			}
			var validationErr *models.ValidationError
			if !errors.As(err, &validationErr) || validationErr.Fields[0].Field != "Idempotency-Key" {
				t.Errorf("error = %v, want ValidationError on Idempotency-Key", err)
			}
			if gw.Calls() != 1 {
				t.Errorf("gateway called %d times, want 1", gw.Calls())
			}
		})
	}
}

func TestCharge_ReplayToleratesEquivalentIntent(t *testing.T) {
	o := New(newMockLedger(), &fakeGateway{}, testLogger())

	first, err := o.Charge(context.Background(), testIntent(), "order-42")
	if err != nil {
		t.Fatalf("first Charge() error = %v", err)
	}

	same := testIntent()
	same.Amount = decimal.RequireFromString("50")
	same.Currency = "MXN"
	second, err := o.Charge(context.Background(), same, "order-42")
	if err != nil {
		t.Fatalf("second Charge() error = %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("replay returned %s, want %s", second.ID, first.ID)
	}
}

func TestCharge_AmountOutOfRangeLeavesNoRecord(t *testing.T) {
	l := newMockLedger()
	gw := &fakeGateway{}
	intent := testIntent()
	intent.Amount = decimal.RequireFromString("100000000000000000.00")

	_, err := New(l, gw, testLogger()).Charge(context.Background(), intent, "")
	var validationErr *models.ValidationError
	if !errors.As(err, &validationErr) || validationErr.Fields[0].Field != "amount" {
		t.Errorf("error = %v, want ValidationError on amount", err)
	}
	if gw.Calls() != 0 {
		t.Errorf("gateway called %d times for an out of range amount", gw.Calls())
	}
	if txs, _ := l.Ledger.List(context.Background()); len(txs) != 0 {
		t.Errorf("ledger has %d transactions, want none", len(txs))
	}
}

func TestCharge_LostKeyRaceReturnsWinner(t *testing.T) {
	ref := "tx_winner"
	winner := &models.Transaction{
		ID:               "winner",
		Amount:           decimal.RequireFromString("50.00"),
		Currency:         "MXN",
		CustomerEmail:    "ana@example.com",
		Status:           models.TransactionStatusCompleted,
		GatewayReference: &ref,
	}
	lookups := 0

	l := newMockLedger()
	l.FindFunc = func(context.Context, string) (*models.Transaction, error) {
		lookups++
		if lookups == 1 {
			return nil, &models.NotFoundError{ID: "idempotency-key:order-42"}
		}
		return winner, nil
	}
	l.CreateFunc = func(context.Context, models.ChargeIntent, ...ledger.CreateOption) (*models.Transaction, error) {
		return nil, ledger.ErrDuplicateKey
	}
	gw := &fakeGateway{}

	tx, err := New(l, gw, testLogger()).Charge(context.Background(), testIntent(), "order-42")
	if err != nil {
		t.Fatalf("Charge() error = %v", err)
	}
	if tx.ID != "winner" {
		t.Errorf("Charge() = %s, want the concurrent winner", tx.ID)
	}
	if gw.Calls() != 0 {
		t.Errorf("gateway called %d times for a losing duplicate", gw.Calls())
	}
}

func TestCharge_ConcurrentSameKeyChargesOnce(t *testing.T) {
	l := newMockLedger()
	gw := &fakeGateway{}
	o := New(l, gw, testLogger())

	const callers = 10
	ids := make(chan string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx, err := o.Charge(context.Background(), testIntent(), "order-42")
			if err != nil {
				// A duplicate that arrives while the winner is still pending
				// is told to retry later.
				var inProgress *models.ChargeInProgressError
				if !errors.As(err, &inProgress) {
					t.Errorf("Charge() error = %v", err)
				}
				return
			}
			ids <- tx.ID
		}()
	}
	wg.Wait()
	close(ids)

	stored := onlyTransaction(t, l.Ledger)
	for id := range ids {
		if id != stored.ID {
			t.Errorf("got transaction %s, want every caller to see %s", id, stored.ID)
		}
	}
	if gw.Calls() != 1 {
		t.Errorf("gateway called %d times, want 1", gw.Calls())
	}
}
