package unload

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultBeaconTimeout bounds each beacon request.
const DefaultBeaconTimeout = 5 * time.Second

// HTTPBeacon posts payloads to a collector on background goroutines. Each
// request carries its own timeout, independent of any caller context.
type HTTPBeacon struct {
	base    string
	client  *http.Client
	timeout time.Duration
	log     *zap.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewHTTPBeacon creates a beacon transport for the collector at baseURL.
func NewHTTPBeacon(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPBeacon {
	if timeout <= 0 {
		timeout = DefaultBeaconTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPBeacon{
		base:    baseURL,
		client:  &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()},
		timeout: timeout,
		log:     logger.Named("beacon"),
	}
}

// Send starts a POST of payload to dest and returns immediately. It
// returns false once the beacon is closed or when dest cannot be resolved.
func (b *HTTPBeacon) Send(dest string, payload []byte) bool {
	target, err := url.JoinPath(b.base, dest)
	if err != nil {
		b.log.Warn("bad beacon destination", zap.String("dest", dest), zap.Error(err))
		return false
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	b.wg.Add(1)
	b.mu.Unlock()

	body := bytes.Clone(payload)
	go func() {
		defer b.wg.Done()
		b.post(target, body)
	}()
	return true
}

func (b *HTTPBeacon) post(target string, body []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		b.log.Warn("build beacon request failed", zap.String("url", target), zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		b.log.Warn("beacon failed", zap.String("url", target), zap.Error(err))
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		b.log.Warn("beacon rejected", zap.String("url", target), zap.Int("status", resp.StatusCode))
	}
}

// Close stops accepting payloads and waits for in-flight sends, or for ctx.
func (b *HTTPBeacon) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		b.client.CloseIdleConnections()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
