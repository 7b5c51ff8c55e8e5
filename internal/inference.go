package internal

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/exp/slog"
)

// Forwarder hands completed frames to something outside the relay. It must
// return immediately and never fail the caller.
type Forwarder interface {
	Forward(frame []byte)
}

type InferenceStats struct {
	Sent    int64 `json:"sent"`
	Failed  int64 `json:"failed"`
	Skipped int64 `json:"skipped"`
}

type inferenceRequest struct {
	Image string `json:"image"`
}

type inferenceResponse struct {
	Status string `json:"status"`
}

// Busy-sidecar skips are reported at warn level at most this often.
const skipWarnInterval = 10 * time.Second

// InferenceClient posts frames to the inference sidecar from detached
// goroutines. At most cap(slots) requests are in flight; frames arriving while
// all slots are busy are skipped.
type InferenceClient struct {
	ctx     context.Context
	logger  *slog.Logger
	url     string
	timeout time.Duration
	hc      *http.Client
	signer  RequestSigner

	slots chan struct{}
	wg    sync.WaitGroup

	sent    atomic.Int64
	failed  atomic.Int64
	skipped atomic.Int64

	skipWarned atomic.Int64
}

func NewInferenceClient(
	ctx context.Context,
	logger *slog.Logger,
	url string,
	timeout time.Duration,
	concurrency int,
	signer RequestSigner,
) *InferenceClient {
	if concurrency < 1 {
		concurrency = 1
	}

	return &InferenceClient{
		ctx:     ctx,
		logger:  logger.With(slog.String("sidecar", url)),
		url:     url,
		timeout: timeout,
		hc:      &http.Client{},
		signer:  signer,
		slots:   make(chan struct{}, concurrency),
	}
}

func (c *InferenceClient) Forward(frame []byte) {
	select {
	case c.slots <- struct{}{}:
	default:
		c.skip(len(frame))
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() { <-c.slots }()

		status, err := c.post(frame)
		if err != nil {
			c.failed.Add(1)
			c.logger.Debug("inference forward failed", slog.String("reason", err.Error()))
			return
		}

		c.sent.Add(1)
		c.logger.Debug("inference processed", slog.String("status", status))
	}()
}

func (c *InferenceClient) skip(size int) {
	skipped := c.skipped.Add(1)

	now := time.Now().UnixNano()
	last := c.skipWarned.Load()
	if now-last < int64(skipWarnInterval) || !c.skipWarned.CompareAndSwap(last, now) {
		c.logger.Debug("inference busy, frame skipped", slog.Int("size", size))
		return
	}

	c.logger.Warn("inference busy, frames skipped",
		slog.Int64("skipped", skipped),
		slog.Int("slots", cap(c.slots)),
	)
}

func (c *InferenceClient) post(frame []byte) (string, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(inferenceRequest{Image: base64.StdEncoding.EncodeToString(frame)})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}

	req.Header.Set("Content-Type", "application/json")
	if c.signer != nil {
		if err := c.signer(req); err != nil {
			return "", err
		}
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", err
	}

	//goland:noinspection GoUnhandledErrorResult
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("sidecar responded %v", resp.StatusCode)
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	result := inferenceResponse{}
	if len(b) > 0 {
		if err := json.Unmarshal(b, &result); err != nil {
			return "", fmt.Errorf("unreadable sidecar response: %w", err)
		}
	}

	return result.Status, nil
}

// Wait blocks until every detached request has finished.
func (c *InferenceClient) Wait() {
	c.wg.Wait()
}

func (c *InferenceClient) Stats() InferenceStats {
	return InferenceStats{
		Sent:    c.sent.Load(),
		Failed:  c.failed.Load(),
		Skipped: c.skipped.Load(),
	}
}
