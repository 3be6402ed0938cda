package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/boardwalkclay1/laundry-bubbles/internal/admission"
	"github.com/boardwalkclay1/laundry-bubbles/internal/ledger"
	"github.com/boardwalkclay1/laundry-bubbles/internal/metrics"
	"github.com/boardwalkclay1/laundry-bubbles/internal/payments"
	"github.com/boardwalkclay1/laundry-bubbles/internal/pricing"
	"github.com/boardwalkclay1/laundry-bubbles/internal/queue"
	"github.com/boardwalkclay1/laundry-bubbles/internal/storage"
)

type stubProcessor struct {
	mu    sync.Mutex
	sales int
	fail  error
}

func (p *stubProcessor) Sale(context.Context, float64, string, string) (payments.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sales++
	if p.fail != nil {
		return payments.Result{}, p.fail
	}
	return payments.Result{TransactionID: "txn-1"}, nil
}

func (p *stubProcessor) Refund(context.Context, string, float64) (payments.Result, error) {
	return payments.Result{TransactionID: "ref-1"}, nil
}

func (p *stubProcessor) Capture(context.Context, string, float64) (payments.Result, error) {
	return payments.Result{TransactionID: "cap-1"}, nil
}

type stubQueue struct {
	mu    sync.Mutex
	tasks []*queue.Task
}

func (q *stubQueue) Enqueue(_ context.Context, t *queue.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, t)
	return nil
}

func (q *stubQueue) Dequeue(context.Context) (*queue.Task, error)         { return nil, nil }
func (q *stubQueue) EnqueueDeadLetter(context.Context, *queue.Task) error { return nil }
func (q *stubQueue) Depth(context.Context) (int64, error)                 { return 0, nil }
func (q *stubQueue) DeadLetterDepth(context.Context) (int64, error)       { return 0, nil }

type fixture struct {
	srv       *httptest.Server
	processor *stubProcessor
	queue     *stubQueue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zap.NewNop()
	m := metrics.NewNop()
	repo := storage.NewMemoryRepository()
	svc := ledger.NewService(repo, nil, logger)
	proc := &stubProcessor{}
	adapter := payments.NewAdapter(repo, proc, nil, m, logger)
	q := &stubQueue{}

	h := New(svc, adapter, q, nil, []byte("whsec"), m, logger)
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, processor: proc, queue: q}
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, map[string]json.RawMessage) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	var fields map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&fields); err != nil {
		return resp, nil
	}
	return resp, fields
}

func (f *fixture) createJob(t *testing.T, email string) uuid.UUID {
	t.Helper()
	resp, fields := f.do(t, http.MethodPost, "/api/v1/jobs", map[string]any{
		"client":       map[string]string{"name": "Ana", "email": email},
		"provider":     map[string]any{"owner_id": "washer-1", "display_name": "Spin City", "prices": pricing.DefaultSchedule()},
		"service_type": "wash_fold",
		"weight":       10,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create job status = %d", resp.StatusCode)
	}
	var id uuid.UUID
	if err := json.Unmarshal(fields["id"], &id); err != nil {
		t.Fatalf("parse job id: %v", err)
	}
	return id
}

func errorCode(t *testing.T, fields map[string]json.RawMessage) string {
	t.Helper()
	var code string
	if err := json.Unmarshal(fields["code"], &code); err != nil {
		t.Fatalf("parse error code: %v", err)
	}
	return code
}

func TestCreateJobReturnsTotals(t *testing.T) {
	f := newFixture(t)
	resp, fields := f.do(t, http.MethodPost, "/api/v1/jobs", map[string]any{
		"client":         map[string]string{"name": "Ana", "email": "ana@example.com"},
		"provider":       map[string]any{"owner_id": "washer-1", "prices": pricing.DefaultSchedule()},
		"service_type":   "wash_fold",
		"weight":         10,
		"include_pickup": true,
		"tip":            2,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var total, fee float64
	json.Unmarshal(fields["total"], &total)
	json.Unmarshal(fields["platform_fee"], &fee)
	if total != 27.00 {
		t.Errorf("total = %.2f, want 27.00", total)
	}
	if fee != 1.75 {
		t.Errorf("platform fee = %.2f, want 1.75", fee)
	}
}

func TestCreateJobRejectsUnknownService(t *testing.T) {
	f := newFixture(t)
	resp, fields := f.do(t, http.MethodPost, "/api/v1/jobs", map[string]any{
		"client":       map[string]string{"name": "Ana", "email": "ana@example.com"},
		"provider":     map[string]any{"owner_id": "washer-1", "prices": pricing.DefaultSchedule()},
		"service_type": "dry_clean",
		"weight":       10,
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if code := errorCode(t, fields); code != "validation_error" {
		t.Errorf("code = %q", code)
	}
}

func TestGetJobNotFound(t *testing.T) {
	f := newFixture(t)
	resp, fields := f.do(t, http.MethodGet, "/api/v1/jobs/"+uuid.NewString(), nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	if code := errorCode(t, fields); code != "not_found" {
		t.Errorf("code = %q", code)
	}
}

func TestLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t)
	id := f.createJob(t, "ana@example.com")

	steps := []struct {
		body map[string]any
		want ledger.Status
	}{
		{map[string]any{"status": "accepted", "provider_id": "washer-1"}, ledger.StatusAccepted},
		{map[string]any{"status": "in_progress"}, ledger.StatusInProgress},
		{map[string]any{"status": "completed"}, ledger.StatusCompleted},
	}
	for _, step := range steps {
		resp, fields := f.do(t, http.MethodPut, "/api/v1/jobs/"+id.String(), step.body)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%v: status = %d", step.body, resp.StatusCode)
		}
		var got ledger.Status
		json.Unmarshal(fields["status"], &got)
		if got != step.want {
			t.Fatalf("status = %s, want %s", got, step.want)
		}
	}
}

func TestSkippingAcceptConflicts(t *testing.T) {
	f := newFixture(t)
	id := f.createJob(t, "ana@example.com")

	resp, fields := f.do(t, http.MethodPut, "/api/v1/jobs/"+id.String(), map[string]any{"status": "in_progress"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	if code := errorCode(t, fields); code != "invalid_transition" {
		t.Errorf("code = %q", code)
	}
}

func TestAcceptAtCapacityConflicts(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < admission.MaxActiveJobs; i++ {
		id := f.createJob(t, fmt.Sprintf("client%d@example.com", i))
		resp, _ := f.do(t, http.MethodPut, "/api/v1/jobs/"+id.String(), map[string]any{"status": "accepted", "provider_id": "washer-1"})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("accept %d: status = %d", i, resp.StatusCode)
		}
	}

	extra := f.createJob(t, "client6@example.com")
	resp, fields := f.do(t, http.MethodPut, "/api/v1/jobs/"+extra.String(), map[string]any{"status": "accepted", "provider_id": "washer-1"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	if code := errorCode(t, fields); code != "capacity_exceeded" {
		t.Errorf("code = %q", code)
	}
}

func TestProviderCapacityReflectsLoad(t *testing.T) {
	f := newFixture(t)

	check := func(wantActive int, wantCan bool) {
		t.Helper()
		resp, fields := f.do(t, http.MethodGet, "/api/v1/providers/washer-1/capacity", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		var st admission.Status
		json.Unmarshal(fields["provider_id"], &st.ProviderID)
		json.Unmarshal(fields["active"], &st.Active)
		json.Unmarshal(fields["max"], &st.Max)
		json.Unmarshal(fields["can_accept"], &st.CanAccept)
		if st.ProviderID != "washer-1" || st.Max != admission.MaxActiveJobs {
			t.Fatalf("unexpected status %+v", st)
		}
		if st.Active != wantActive || st.CanAccept != wantCan {
			t.Fatalf("active = %d can_accept = %v, want %d %v", st.Active, st.CanAccept, wantActive, wantCan)
		}
	}

	check(0, true)

	for i := 0; i < admission.MaxActiveJobs; i++ {
		id := f.createJob(t, fmt.Sprintf("client%d@example.com", i))
		resp, _ := f.do(t, http.MethodPut, "/api/v1/jobs/"+id.String(), map[string]any{"status": "accepted", "provider_id": "washer-1"})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("accept %d: status = %d", i, resp.StatusCode)
		}
	}

	check(admission.MaxActiveJobs, false)
}

func TestChargeIsIdempotentOverHTTP(t *testing.T) {
	f := newFixture(t)
	id := f.createJob(t, "ana@example.com")

	for i := 0; i < 2; i++ {
		resp, fields := f.do(t, http.MethodPost, "/api/v1/payments/charge",
			map[string]any{"job_id": id, "payment_token": "tok-abc"})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("charge %d: status = %d", i, resp.StatusCode)
		}
		var ok bool
		json.Unmarshal(fields["ok"], &ok)
		if !ok {
			t.Fatalf("charge %d: response not ok", i)
		}
		if _, present := fields["transaction"]; !present {
			t.Fatalf("charge %d: response missing transaction", i)
		}
	}
	if f.processor.sales != 1 {
		t.Fatalf("sale called %d times, want 1", f.processor.sales)
	}
}

func TestChargeDeclined(t *testing.T) {
	f := newFixture(t)
	f.processor.fail = payments.ErrPaymentDeclined
	id := f.createJob(t, "ana@example.com")

	resp, fields := f.do(t, http.MethodPost, "/api/v1/payments/charge",
		map[string]any{"job_id": id, "payment_token": "tok-bad"})
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", resp.StatusCode)
	}
	if code := errorCode(t, fields); code != "payment_declined" {
		t.Errorf("code = %q", code)
	}
}

func TestChargeRequiresJobID(t *testing.T) {
	f := newFixture(t)
	resp, fields := f.do(t, http.MethodPost, "/api/v1/payments/charge",
		map[string]any{"payment_token": "tok"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if code := errorCode(t, fields); code != "validation_error" {
		t.Errorf("code = %q", code)
	}
}

func TestRefundWithoutTransactionConflicts(t *testing.T) {
	f := newFixture(t)
	id := f.createJob(t, "ana@example.com")

	resp, fields := f.do(t, http.MethodPost, "/api/v1/payments/refund",
		map[string]any{"job_id": id, "reason": "client_cancel"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	if code := errorCode(t, fields); code != "no_transaction" {
		t.Errorf("code = %q", code)
	}
}

func TestCancelChargedJobRefunds(t *testing.T) {
	f := newFixture(t)
	id := f.createJob(t, "ana@example.com")

	if resp, _ := f.do(t, http.MethodPost, "/api/v1/payments/charge",
		map[string]any{"job_id": id, "payment_token": "tok"}); resp.StatusCode != http.StatusOK {
		t.Fatalf("charge failed: %d", resp.StatusCode)
	}

	resp, fields := f.do(t, http.MethodPut, "/api/v1/jobs/"+id.String(), map[string]any{"status": "cancelled", "reason": "client_cancel"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var state ledger.PaymentState
	json.Unmarshal(fields["payment_state"], &state)
	if state != ledger.PaymentRefunded {
		t.Fatalf("payment state = %s, want refunded", state)
	}
	if _, ok := fields["refund"]; !ok {
		t.Fatal("response missing refund record")
	}
}

func TestCompleteEnqueuesSettlement(t *testing.T) {
	f := newFixture(t)
	id := f.createJob(t, "ana@example.com")

	if resp, _ := f.do(t, http.MethodPost, "/api/v1/payments/charge",
		map[string]any{"job_id": id, "payment_token": "tok"}); resp.StatusCode != http.StatusOK {
		t.Fatal("charge failed")
	}
	f.do(t, http.MethodPut, "/api/v1/jobs/"+id.String(), map[string]any{"status": "accepted", "provider_id": "washer-1"})
	f.do(t, http.MethodPut, "/api/v1/jobs/"+id.String(), map[string]any{"status": "in_progress"})
	resp, _ := f.do(t, http.MethodPut, "/api/v1/jobs/"+id.String(), map[string]any{"status": "completed"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("complete status = %d", resp.StatusCode)
	}

	if len(f.queue.tasks) != 1 {
		t.Fatalf("settlement tasks = %d, want 1", len(f.queue.tasks))
	}
	if f.queue.tasks[0].JobID != id {
		t.Fatalf("task job id = %s, want %s", f.queue.tasks[0].JobID, id)
	}
}

func TestWebhookAlwaysAcknowledges(t *testing.T) {
	f := newFixture(t)

	req, _ := http.NewRequest(http.MethodPost, f.srv.URL+"/api/v1/payments/webhook",
		bytes.NewBufferString("event_type=transaction.sale.success&transaction_id=zzz"))
	req.Header.Set(payments.SignatureHeader, "not-a-valid-signature")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("webhook: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]bool
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if !body["ok"] {
		t.Fatal(`body missing "ok": true`)
	}
}
