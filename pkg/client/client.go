// Package client provides a Go SDK for the laundry coordination API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Client communicates with the API server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a new API client.
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError is a non-2xx response decoded from the error body. Code is
// stable; Message is for humans.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api status %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

// ClientInfo identifies the party requesting the job.
type ClientInfo struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Prices is a provider's per-service rate card in dollars.
type Prices struct {
	Wash   float64 `json:"wash"`
	Fold   float64 `json:"fold"`
	Iron   float64 `json:"iron"`
	Pickup float64 `json:"pickup"`
	Shoes  float64 `json:"shoes"`
	Sewing float64 `json:"sewing"`
	Other  float64 `json:"other"`
}

// Provider is the provider snapshot embedded in a job.
type Provider struct {
	OwnerID     string `json:"owner_id"`
	DisplayName string `json:"display_name,omitempty"`
	Prices      Prices `json:"prices"`
}

// Transaction is the recorded external charge on a job.
type Transaction struct {
	Provider       string    `json:"provider"`
	ExternalID     string    `json:"external_id"`
	Amount         float64   `json:"amount"`
	IdempotencyKey string    `json:"idempotency_key"`
	CaptureID      string    `json:"capture_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Refund is the recorded refund on a cancelled job.
type Refund struct {
	Amount    float64   `json:"amount"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// JobResponse is the API representation of a job.
type JobResponse struct {
	ID            uuid.UUID    `json:"id"`
	Status        string       `json:"status"`
	PaymentState  string       `json:"payment_state"`
	Client        ClientInfo   `json:"client"`
	Provider      Provider     `json:"provider"`
	ServiceType   string       `json:"service_type"`
	Weight        float64      `json:"weight"`
	IncludePickup bool         `json:"include_pickup"`
	Tip           float64      `json:"tip"`
	Total         float64      `json:"total"`
	ProviderTake  float64      `json:"provider_take"`
	PlatformFee   float64      `json:"platform_fee"`
	Base          float64      `json:"base"`
	Transaction   *Transaction `json:"transaction,omitempty"`
	Refund        *Refund      `json:"refund,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// CreateJobRequest is the request body for opening a job.
type CreateJobRequest struct {
	Client        ClientInfo `json:"client"`
	Provider      Provider   `json:"provider"`
	ServiceType   string     `json:"service_type"`
	Weight        float64    `json:"weight"`
	IncludePickup bool       `json:"include_pickup"`
	Tip           float64    `json:"tip"`
}

// CreateJob opens a new escrowed job.
func (c *Client) CreateJob(ctx context.Context, req *CreateJobRequest) (*JobResponse, error) {
	return c.doJob(ctx, http.MethodPost, "/api/v1/jobs", req, http.StatusCreated)
}

// GetJob retrieves a job by its ID.
func (c *Client) GetJob(ctx context.Context, id uuid.UUID) (*JobResponse, error) {
	return c.doJob(ctx, http.MethodGet, fmt.Sprintf("/api/v1/jobs/%s", id), nil, http.StatusOK)
}

// ListJobs returns all jobs, newest first.
func (c *Client) ListJobs(ctx context.Context) ([]*JobResponse, error) {
	var jobs []*JobResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/jobs", nil, http.StatusOK, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

type updateRequest struct {
	Status     string `json:"status"`
	ProviderID string `json:"provider_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Accept assigns the job to a provider.
func (c *Client) Accept(ctx context.Context, id uuid.UUID, providerID string) (*JobResponse, error) {
	return c.update(ctx, id, updateRequest{Status: "accepted", ProviderID: providerID})
}

// Start marks the job picked up.
func (c *Client) Start(ctx context.Context, id uuid.UUID) (*JobResponse, error) {
	return c.update(ctx, id, updateRequest{Status: "in_progress"})
}

// Complete marks the job delivered back to the client.
func (c *Client) Complete(ctx context.Context, id uuid.UUID) (*JobResponse, error) {
	return c.update(ctx, id, updateRequest{Status: "completed"})
}

// Cancel cancels the job; a charged job is refunded per the reason.
func (c *Client) Cancel(ctx context.Context, id uuid.UUID, reason string) (*JobResponse, error) {
	return c.update(ctx, id, updateRequest{Status: "cancelled", Reason: reason})
}

func (c *Client) update(ctx context.Context, id uuid.UUID, req updateRequest) (*JobResponse, error) {
	return c.doJob(ctx, http.MethodPut, fmt.Sprintf("/api/v1/jobs/%s", id), req, http.StatusOK)
}

// CapacityResponse reports a provider's admission headroom.
type CapacityResponse struct {
	ProviderID string `json:"provider_id"`
	Active     int    `json:"active"`
	Max        int    `json:"max"`
	CanAccept  bool   `json:"can_accept"`
}

// ProviderCapacity reports whether the provider has room for another job. The
// answer is advisory; a concurrent accept can still take the last slot.
func (c *Client) ProviderCapacity(ctx context.Context, providerID string) (*CapacityResponse, error) {
	var cr CapacityResponse
	path := fmt.Sprintf("/api/v1/providers/%s/capacity", providerID)
	if err := c.do(ctx, http.MethodGet, path, nil, http.StatusOK, &cr); err != nil {
		return nil, err
	}
	return &cr, nil
}

// ChargeRequest is the request body for charging a job.
type ChargeRequest struct {
	JobID          uuid.UUID `json:"job_id"`
	PaymentToken   string    `json:"payment_token"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
}

// PaymentResponse is the envelope returned by the payment endpoints.
type PaymentResponse struct {
	OK          bool         `json:"ok"`
	Job         *JobResponse `json:"job"`
	Transaction *Transaction `json:"transaction,omitempty"`
	Refund      *Refund      `json:"refund,omitempty"`
}

// Charge debits the job's total against the payment token.
func (c *Client) Charge(ctx context.Context, req *ChargeRequest) (*PaymentResponse, error) {
	return c.doPayment(ctx, "/api/v1/payments/charge", req)
}

// Refund refunds a charged job. Reason must be provider_cancel or
// client_cancel.
func (c *Client) Refund(ctx context.Context, id uuid.UUID, reason string) (*PaymentResponse, error) {
	body := map[string]any{"job_id": id, "reason": reason}
	return c.doPayment(ctx, "/api/v1/payments/refund", body)
}

// Capture settles the job's charged transaction.
func (c *Client) Capture(ctx context.Context, id uuid.UUID) (*PaymentResponse, error) {
	body := map[string]any{"job_id": id}
	return c.doPayment(ctx, "/api/v1/payments/capture", body)
}

func (c *Client) doPayment(ctx context.Context, path string, body any) (*PaymentResponse, error) {
	var p PaymentResponse
	if err := c.do(ctx, http.MethodPost, path, body, http.StatusOK, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) doJob(ctx context.Context, method, path string, body any, wantStatus int) (*JobResponse, error) {
	var j JobResponse
	if err := c.do(ctx, method, path, body, wantStatus, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, wantStatus int, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, _ := io.ReadAll(resp.Body)
		if jsonErr := json.Unmarshal(data, apiErr); jsonErr != nil {
			apiErr.Message = string(data)
		}
		return apiErr
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
