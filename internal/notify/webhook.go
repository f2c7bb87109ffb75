// Package notify tells an external endpoint about finished jobs.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MimeLyc/anidub/internal/jobs"
	"github.com/MimeLyc/anidub/pkg/log"
	"github.com/avast/retry-go/v4"
)

var _ jobs.Notifier = (*Webhook)(nil)

// Event is the JSON body posted for a job.
type Event struct {
	Event  string    `json:"event"`
	Job    *jobs.Job `json:"job"`
	SentAt time.Time `json:"sent_at"`
}

type Webhook struct {
	url      string
	client   *http.Client
	attempts uint
	delay    time.Duration
}

type Option func(*Webhook)

func WithClient(client *http.Client) Option {
	return func(w *Webhook) { w.client = client }
}

func WithRetry(attempts uint, delay time.Duration) Option {
	return func(w *Webhook) {
		w.attempts = attempts
		w.delay = delay
	}
}

func NewWebhook(url string, opts ...Option) *Webhook {
	w := &Webhook{
		url:      url,
		client:   &http.Client{Timeout: 10 * time.Second},
		attempts: 3,
		delay:    time.Second,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Notify posts the job. Server errors and 429 are retried; other 4xx are not.
func (w *Webhook) Notify(ctx context.Context, job *jobs.Job) error {
	body, err := json.Marshal(Event{
		Event:  "job." + strings.ToLower(string(job.State)),
		Job:    job,
		SentAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	return retry.Do(
		func() error { return w.post(ctx, body) },
		retry.Context(ctx),
		retry.Attempts(w.attempts),
		retry.Delay(w.delay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Warn("Webhook for job %s failed (attempt %d): %v", job.ID, n+1, err)
		}),
	)
}

func (w *Webhook) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return retry.Unrecoverable(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("webhook returned %s", resp.Status)
	default:
		return retry.Unrecoverable(fmt.Errorf("webhook returned %s", resp.Status))
	}
}
