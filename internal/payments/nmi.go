package payments

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// requestTimeout bounds every call to the processor so a hung gateway can
// never stall a job's state transition indefinitely.
const requestTimeout = 15 * time.Second

// NMIProcessor talks to an NMI-style transact endpoint (form-encoded POST,
// key=value response body). A circuit breaker sheds load while the gateway
// is down so callers fail fast with ErrGatewayUnavailable.
type NMIProcessor struct {
	endpoint    string
	securityKey string
	httpClient  *http.Client
	breaker     *gobreaker.CircuitBreaker
	logger      *zap.Logger
}

// NewNMIProcessor creates a processor client for the given transact endpoint.
func NewNMIProcessor(endpoint, securityKey string, logger *zap.Logger) *NMIProcessor {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "nmi",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &NMIProcessor{
		endpoint:    endpoint,
		securityKey: securityKey,
		httpClient:  &http.Client{Timeout: requestTimeout},
		breaker:     cb,
		logger:      logger,
	}
}

// Sale charges the token for the full amount.
func (p *NMIProcessor) Sale(ctx context.Context, amount float64, token, orderID string) (Result, error) {
	return p.transact(ctx, url.Values{
		"type":          {"sale"},
		"amount":        {fmt.Sprintf("%.2f", amount)},
		"payment_token": {token},
		"orderid":       {orderID},
	})
}

// Refund returns part or all of a settled transaction.
func (p *NMIProcessor) Refund(ctx context.Context, transactionID string, amount float64) (Result, error) {
	return p.transact(ctx, url.Values{
		"type":          {"refund"},
		"transactionid": {transactionID},
		"amount":        {fmt.Sprintf("%.2f", amount)},
	})
}

// Capture settles a previously authorized transaction.
func (p *NMIProcessor) Capture(ctx context.Context, transactionID string, amount float64) (Result, error) {
	return p.transact(ctx, url.Values{
		"type":          {"capture"},
		"transactionid": {transactionID},
		"amount":        {fmt.Sprintf("%.2f", amount)},
	})
}

// transact posts one form-encoded request through the breaker and parses the
// key=value response. NMI answers response=1 for approved, 2 for declined,
// 3 for errors.
func (p *NMIProcessor) transact(ctx context.Context, form url.Values) (Result, error) {
	form.Set("security_key", p.securityKey)

	raw, err := p.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := p.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("post transact: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("gateway status %d", resp.StatusCode)
		}
		return string(body), nil
	})
	if err != nil {
		p.logger.Warn("processor call failed", zap.Error(err))
		return Result{}, fmt.Errorf("%v: %w", err, ErrGatewayUnavailable)
	}

	body := raw.(string)
	fields := parseResponse(body)

	switch fields["response"] {
	case "1":
		return Result{TransactionID: fields["transactionid"], Raw: body}, nil
	case "2":
		return Result{Raw: body}, fmt.Errorf("%s: %w", fields["responsetext"], ErrPaymentDeclined)
	default:
		return Result{Raw: body}, fmt.Errorf("processor error %q: %w", fields["responsetext"], ErrGatewayUnavailable)
	}
}

// parseResponse splits an NMI key=value&key=value response body.
func parseResponse(body string) map[string]string {
	fields := make(map[string]string)
	for _, pair := range strings.Split(strings.TrimSpace(body), "&") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		if dec, err := url.QueryUnescape(v); err == nil {
			v = dec
		}
		fields[k] = v
	}
	return fields
}
