package payments_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/boardwalkclay1/laundry-bubbles/internal/ledger"
	"github.com/boardwalkclay1/laundry-bubbles/internal/metrics"
	"github.com/boardwalkclay1/laundry-bubbles/internal/payments"
	"github.com/boardwalkclay1/laundry-bubbles/internal/pricing"
	"github.com/boardwalkclay1/laundry-bubbles/internal/storage"
)

type fakeProcessor struct {
	mu       sync.Mutex
	sales    int
	refunds  int
	captures int

	saleErr    error
	refundErr  error
	captureErr error

	lastRefundAmount float64
}

func (f *fakeProcessor) Sale(ctx context.Context, amount float64, token, orderID string) (payments.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sales++
	if f.saleErr != nil {
		return payments.Result{}, f.saleErr
	}
	return payments.Result{TransactionID: "txn-1"}, nil
}

func (f *fakeProcessor) Refund(ctx context.Context, transactionID string, amount float64) (payments.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunds++
	f.lastRefundAmount = amount
	if f.refundErr != nil {
		return payments.Result{}, f.refundErr
	}
	return payments.Result{TransactionID: "ref-1"}, nil
}

func (f *fakeProcessor) Capture(ctx context.Context, transactionID string, amount float64) (payments.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captures++
	if f.captureErr != nil {
		return payments.Result{}, f.captureErr
	}
	return payments.Result{TransactionID: "cap-1"}, nil
}

func seedJob(t *testing.T, repo ledger.Repository) *ledger.Job {
	t.Helper()
	j, err := ledger.NewJob(
		ledger.Client{Name: "Ana", Email: "ana@example.com"},
		ledger.ProviderSnapshot{OwnerID: "washer-1", DisplayName: "Spin City", Prices: pricing.DefaultSchedule()},
		pricing.ServiceWashFold, 10, false, 0,
	)
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	if err := repo.Create(context.Background(), j); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return j
}

func newAdapter(repo ledger.Repository, proc payments.Processor) *payments.Adapter {
	return payments.NewAdapter(repo, proc, nil, metrics.NewNop(), zap.NewNop())
}

func TestChargeIdempotent(t *testing.T) {
	repo := storage.NewMemoryRepository()
	proc := &fakeProcessor{}
	a := newAdapter(repo, proc)
	j := seedJob(t, repo)
	key := payments.ChargeKey(j.ID)

	first, err := a.Charge(context.Background(), j.ID, "tok-abc", key)
	if err != nil {
		t.Fatalf("first charge: %v", err)
	}
	if first.Transaction == nil || first.Transaction.ExternalID != "txn-1" {
		t.Fatalf("expected stored transaction, got %+v", first.Transaction)
	}
	if first.PaymentState != ledger.PaymentPaid {
		t.Fatalf("payment state = %s, want %s", first.PaymentState, ledger.PaymentPaid)
	}

	second, err := a.Charge(context.Background(), j.ID, "tok-abc", key)
	if err != nil {
		t.Fatalf("second charge: %v", err)
	}
	if second.Transaction.ExternalID != "txn-1" {
		t.Fatalf("replay returned different transaction %q", second.Transaction.ExternalID)
	}
	if proc.sales != 1 {
		t.Fatalf("sale called %d times, want exactly 1", proc.sales)
	}
}

func TestConcurrentChargesCallProcessorOnce(t *testing.T) {
	repo := storage.NewMemoryRepository()
	proc := &fakeProcessor{}
	a := newAdapter(repo, proc)
	j := seedJob(t, repo)
	key := payments.ChargeKey(j.ID)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := a.Charge(context.Background(), j.ID, "tok-abc", key)
			if err != nil {
				t.Errorf("charge: %v", err)
				return
			}
			if got.Transaction == nil || got.Transaction.ExternalID != "txn-1" {
				t.Errorf("charge returned transaction %+v", got.Transaction)
			}
		}()
	}
	wg.Wait()

	if proc.sales != 1 {
		t.Fatalf("sale called %d times, want exactly 1", proc.sales)
	}
}

func TestChargeMissingToken(t *testing.T) {
	repo := storage.NewMemoryRepository()
	proc := &fakeProcessor{}
	a := newAdapter(repo, proc)
	j := seedJob(t, repo)

	_, err := a.Charge(context.Background(), j.ID, "", payments.ChargeKey(j.ID))
	if !errors.Is(err, payments.ErrMissingToken) {
		t.Fatalf("err = %v, want ErrMissingToken", err)
	}
	if proc.sales != 0 {
		t.Fatalf("sale called %d times, want 0", proc.sales)
	}
}

func TestChargeDeclinedLeavesJobUnpaid(t *testing.T) {
	repo := storage.NewMemoryRepository()
	proc := &fakeProcessor{saleErr: payments.ErrPaymentDeclined}
	a := newAdapter(repo, proc)
	j := seedJob(t, repo)

	_, err := a.Charge(context.Background(), j.ID, "tok-bad", payments.ChargeKey(j.ID))
	if !errors.Is(err, payments.ErrPaymentDeclined) {
		t.Fatalf("err = %v, want ErrPaymentDeclined", err)
	}
	got, err := repo.Get(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Transaction != nil || got.PaymentState != ledger.PaymentUnpaid {
		t.Fatalf("declined charge mutated job: txn=%+v state=%s", got.Transaction, got.PaymentState)
	}
}

func TestRefundAmounts(t *testing.T) {
	// The seeded job charges $20.00 (10 lbs at the default 2.00/lb fold
	// rate, no pickup, no tip), so a 90% refund is exactly $18.00.
	tests := []struct {
		name   string
		reason string
		want   float64
	}{
		{"provider cancel refunds full amount", payments.ReasonProviderCancel, 20.00},
		{"client cancel refunds ninety percent", payments.ReasonClientCancel, 18.00},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := storage.NewMemoryRepository()
			proc := &fakeProcessor{}
			a := newAdapter(repo, proc)
			j := seedJob(t, repo)
			if _, err := a.Charge(context.Background(), j.ID, "tok", payments.ChargeKey(j.ID)); err != nil {
				t.Fatalf("charge: %v", err)
			}

			got, err := a.Refund(context.Background(), j.ID, tt.reason)
			if err != nil {
				t.Fatalf("refund: %v", err)
			}
			if proc.lastRefundAmount != tt.want {
				t.Fatalf("refunded %.2f, want %.2f", proc.lastRefundAmount, tt.want)
			}
			if got.Refund == nil || got.Refund.Amount != tt.want {
				t.Fatalf("stored refund = %+v, want amount %.2f", got.Refund, tt.want)
			}
			if got.Status != ledger.StatusCancelled {
				t.Fatalf("status = %s, want cancelled", got.Status)
			}
			if got.PaymentState != ledger.PaymentRefunded {
				t.Fatalf("payment state = %s, want refunded", got.PaymentState)
			}
		})
	}
}

func TestRefundRequiresTransaction(t *testing.T) {
	repo := storage.NewMemoryRepository()
	a := newAdapter(repo, &fakeProcessor{})
	j := seedJob(t, repo)

	_, err := a.Refund(context.Background(), j.ID, payments.ReasonClientCancel)
	if !errors.Is(err, payments.ErrNoTransaction) {
		t.Fatalf("err = %v, want ErrNoTransaction", err)
	}
}

func TestRefundRejectsUnknownReason(t *testing.T) {
	repo := storage.NewMemoryRepository()
	proc := &fakeProcessor{}
	a := newAdapter(repo, proc)
	j := seedJob(t, repo)
	if _, err := a.Charge(context.Background(), j.ID, "tok", payments.ChargeKey(j.ID)); err != nil {
		t.Fatalf("charge: %v", err)
	}

	_, err := a.Refund(context.Background(), j.ID, "buyer_remorse")
	if !errors.Is(err, ledger.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	if proc.refunds != 0 {
		t.Fatalf("refund called %d times, want 0", proc.refunds)
	}
}

func TestRefundBlockedOnceInProgress(t *testing.T) {
	repo := storage.NewMemoryRepository()
	a := newAdapter(repo, &fakeProcessor{})
	j := seedJob(t, repo)
	if _, err := a.Charge(context.Background(), j.ID, "tok", payments.ChargeKey(j.ID)); err != nil {
		t.Fatalf("charge: %v", err)
	}
	if _, err := repo.AcceptForProvider(context.Background(), j.ID, "washer-1", 5); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := repo.UpdateStatus(context.Background(), j.ID, ledger.StatusAccepted, ledger.StatusInProgress); err != nil {
		t.Fatalf("start: %v", err)
	}

	_, err := a.Refund(context.Background(), j.ID, payments.ReasonClientCancel)
	if !errors.Is(err, ledger.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestRefundReplaySettled(t *testing.T) {
	repo := storage.NewMemoryRepository()
	proc := &fakeProcessor{}
	a := newAdapter(repo, proc)
	j := seedJob(t, repo)
	if _, err := a.Charge(context.Background(), j.ID, "tok", payments.ChargeKey(j.ID)); err != nil {
		t.Fatalf("charge: %v", err)
	}
	if _, err := a.Refund(context.Background(), j.ID, payments.ReasonProviderCancel); err != nil {
		t.Fatalf("refund: %v", err)
	}

	got, err := a.Refund(context.Background(), j.ID, payments.ReasonProviderCancel)
	if err != nil {
		t.Fatalf("refund replay: %v", err)
	}
	if got.Refund == nil {
		t.Fatal("replay lost refund record")
	}
	if proc.refunds != 1 {
		t.Fatalf("refund called %d times, want exactly 1", proc.refunds)
	}
}

func TestCaptureIdempotent(t *testing.T) {
	repo := storage.NewMemoryRepository()
	proc := &fakeProcessor{}
	a := newAdapter(repo, proc)
	j := seedJob(t, repo)
	if _, err := a.Charge(context.Background(), j.ID, "tok", payments.ChargeKey(j.ID)); err != nil {
		t.Fatalf("charge: %v", err)
	}

	first, err := a.Capture(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if first.PaymentState != ledger.PaymentCaptured {
		t.Fatalf("payment state = %s, want captured", first.PaymentState)
	}
	if first.Transaction.CaptureID != "cap-1" {
		t.Fatalf("capture id = %q, want cap-1", first.Transaction.CaptureID)
	}

	if _, err := a.Capture(context.Background(), j.ID); err != nil {
		t.Fatalf("capture replay: %v", err)
	}
	if proc.captures != 1 {
		t.Fatalf("capture called %d times, want exactly 1", proc.captures)
	}
}

func TestCaptureRequiresTransaction(t *testing.T) {
	repo := storage.NewMemoryRepository()
	a := newAdapter(repo, &fakeProcessor{})
	j := seedJob(t, repo)

	_, err := a.Capture(context.Background(), j.ID)
	if !errors.Is(err, payments.ErrNoTransaction) {
		t.Fatalf("err = %v, want ErrNoTransaction", err)
	}
}
