package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Delivery statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// DeliveryAttempt records one outbound notification call. StatusCode is 0
// when no response was received.
type DeliveryAttempt struct {
	ID             string        `json:"id"`
	SubscriptionID string        `json:"subscriptionId"`
	Address        string        `json:"address"`
	Resource       string        `json:"resource,omitempty"`
	Status         string        `json:"status"`
	StatusCode     int           `json:"statusCode,omitempty"`
	Error          string        `json:"error,omitempty"`
	Duration       time.Duration `json:"durationNs"`
	CreatedAt      time.Time     `json:"createdAt"`
}

// Succeeded reports whether the call produced a response.
func (a *DeliveryAttempt) Succeeded() bool {
	return a.Status == StatusSuccess
}

// Request describes one notification to send.
type Request struct {
	SubscriptionID string
	Address        string
	Resource       string
	ContentType    string
	Payload        []byte
}

// SenderOption configures a Sender.
type SenderOption func(*Sender)

// WithHTTPClient sets a custom HTTP client for delivery.
func WithHTTPClient(c *http.Client) SenderOption {
	return func(s *Sender) {
		s.httpClient = c
	}
}

// WithTimeout sets the per-call timeout of the default client.
func WithTimeout(d time.Duration) SenderOption {
	return func(s *Sender) {
		s.httpClient.Timeout = d
	}
}

// Sender performs single-attempt POST deliveries. Any HTTP response,
// whatever its status code, counts as delivered; only transport errors fail
// the attempt. There is no retry.
type Sender struct {
	httpClient *http.Client
	userAgent  string
}

func NewSender(opts ...SenderOption) *Sender {
	s := &Sender{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		userAgent:  "notification-broker/1.0",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send delivers req and returns the recorded attempt. It never returns an
// error; failures are reported on the attempt.
func (s *Sender) Send(ctx context.Context, req Request) *DeliveryAttempt {
	attempt := &DeliveryAttempt{
		ID:             uuid.New().String(),
		SubscriptionID: req.SubscriptionID,
		Address:        req.Address,
		Resource:       req.Resource,
		CreatedAt:      time.Now().UTC(),
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.Address, bytes.NewReader(req.Payload))
	if err != nil {
		attempt.Status = StatusFailed
		attempt.Error = fmt.Sprintf("build request: %v", err)
		return attempt
	}

	contentType := req.ContentType
	if contentType == "" {
		contentType = "application/fhir+json"
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("User-Agent", s.userAgent)
	httpReq.Header.Set("X-Subscription-ID", req.SubscriptionID)

	start := time.Now()
	resp, err := s.httpClient.Do(httpReq)
	attempt.Duration = time.Since(start)

	if err != nil {
		attempt.Status = StatusFailed
		attempt.Error = err.Error()
		return attempt
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	attempt.Status = StatusSuccess
	attempt.StatusCode = resp.StatusCode
	return attempt
}
