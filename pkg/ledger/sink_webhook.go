package ledger

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/rodcoding123/helix-sub009/pkg/canonicalize"
	"github.com/rodcoding123/helix-sub009/pkg/contracts"
)

// WebhookSink mirrors audit entries by POSTing each one as JSON to an
// external channel (the original deployment posted its chain to a chat
// webhook for out-of-band tamper evidence). Posts are rate limited to stay
// under typical webhook quotas and retried with exponential backoff and
// jitter on 5xx or transport failure.
type WebhookSink struct {
	url        string
	client     *http.Client
	limiter    *rate.Limiter
	maxRetries int
	backoff    time.Duration
	sleep      func(time.Duration)
}

// NewWebhookSink creates a webhook mirror. rps bounds outgoing posts per
// second (webhook quotas are usually well under 50/s).
func NewWebhookSink(url string, rps float64) *WebhookSink {
	if rps <= 0 {
		rps = 5
	}
	return &WebhookSink{
		url:        url,
		client:     &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		maxRetries: 3,
		backoff:    200 * time.Millisecond,
		sleep:      time.Sleep,
	}
}

func (s *WebhookSink) Mirror(ctx context.Context, e *contracts.AuditEntry) error {
	body, err := canonicalize.JCS(e)
	if err != nil {
		return fmt.Errorf("webhook sink: encode entry: %w", err)
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("webhook sink: rate wait: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			s.sleep(s.backoff*(1<<(attempt-1)) + jitter(50*time.Millisecond))
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("webhook sink: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		_ = resp.Body.Close()
		if resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("webhook sink: status %d", resp.StatusCode)
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return lastErr // client error, retrying won't help
		}
	}
	return lastErr
}

func jitter(max time.Duration) time.Duration {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0
	}
	return time.Duration(n.Int64())
}
