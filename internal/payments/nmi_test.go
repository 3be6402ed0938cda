package payments

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

func TestNMISaleApproved(t *testing.T) {
	var form map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		form = r.PostForm
		w.Write([]byte("response=1&responsetext=SUCCESS&transactionid=987654321"))
	}))
	defer srv.Close()

	p := NewNMIProcessor(srv.URL, "sk-test", zap.NewNop())
	res, err := p.Sale(context.Background(), 31.00, "tok-abc", "order-1")
	if err != nil {
		t.Fatalf("sale: %v", err)
	}
	if res.TransactionID != "987654321" {
		t.Errorf("transaction id = %q", res.TransactionID)
	}
	if got := form["amount"]; len(got) != 1 || got[0] != "31.00" {
		t.Errorf("amount = %v, want 31.00", got)
	}
	if got := form["security_key"]; len(got) != 1 || got[0] != "sk-test" {
		t.Errorf("security_key = %v", got)
	}
	if got := form["type"]; len(got) != 1 || got[0] != "sale" {
		t.Errorf("type = %v", got)
	}
}

func TestNMISaleDeclined(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("response=2&responsetext=DECLINE"))
	}))
	defer srv.Close()

	p := NewNMIProcessor(srv.URL, "sk-test", zap.NewNop())
	_, err := p.Sale(context.Background(), 10.00, "tok-bad", "order-2")
	if !errors.Is(err, ErrPaymentDeclined) {
		t.Fatalf("err = %v, want ErrPaymentDeclined", err)
	}
}

func TestNMIGatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewNMIProcessor(srv.URL, "sk-test", zap.NewNop())
	_, err := p.Refund(context.Background(), "123", 5.00)
	if !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("err = %v, want ErrGatewayUnavailable", err)
	}
}

func TestNMIBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewNMIProcessor(srv.URL, "sk-test", zap.NewNop())
	for i := 0; i < 8; i++ {
		_, err := p.Capture(context.Background(), "123", 5.00)
		if !errors.Is(err, ErrGatewayUnavailable) {
			t.Fatalf("call %d: err = %v, want ErrGatewayUnavailable", i, err)
		}
	}
	if hits >= 8 {
		t.Fatalf("breaker never opened, gateway hit %d times", hits)
	}
}

func TestParseResponse(t *testing.T) {
	fields := parseResponse("response=1&responsetext=SUCCESS+approved&transactionid=42\n")
	if fields["response"] != "1" {
		t.Errorf("response = %q", fields["response"])
	}
	if fields["responsetext"] != "SUCCESS approved" {
		t.Errorf("responsetext = %q", fields["responsetext"])
	}
	if fields["transactionid"] != "42" {
		t.Errorf("transactionid = %q", fields["transactionid"])
	}
}
