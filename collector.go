package memori

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// collector ships canonical exchange payloads to the ingest endpoint.
// Delivery is fire-and-forget: the interceptor triggers it in a
// goroutine after a successful persist and never waits on it.
type collector struct {
	baseURL  string
	timeout  time.Duration
	testMode bool
	http     *http.Client
	logger   *slog.Logger
}

func newCollector(cfg Config, logger *slog.Logger) *collector {
	return &collector{
		baseURL:  strings.TrimRight(cfg.CollectorBaseURL, "/"),
		timeout:  cfg.RequestTimeout,
		testMode: cfg.TestMode,
		http:     &http.Client{Timeout: cfg.RequestTimeout},
		logger:   logger,
	}
}

// deliver posts one payload. A failed first attempt records the failure
// in the payload's fnfg block and retries once as "recovered"; a failed
// second attempt is logged and the payload dropped. In test mode
// nothing leaves the process and the payload goes to the logger.
func (c *collector) deliver(ctx context.Context, p *Payload) {
	if c.testMode {
		body, err := json.MarshalIndent(p, "", "  ")
		if err != nil {
			c.logger.Error("collector: encode payload", "error", err)
			return
		}
		c.logger.Info("collector: test mode, payload not sent", "payload", string(body))
		return
	}
	err := c.post(ctx, p)
	if err == nil {
		return
	}
	c.logger.Debug("collector: delivery failed, retrying", "error", err)
	exc := err.Error()
	p.Meta.Fnfg = PayloadFnfg{Exc: &exc, Status: "recovered"}
	if err := c.post(ctx, p); err != nil {
		c.logger.Error("collector: delivery failed", "error", err)
	}
}

func (c *collector) post(ctx context.Context, p *Payload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("collector: encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rec", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("collector: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("collector: post: %w", err)
	}
	defer res.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(res.Body, 2048))
	if res.StatusCode >= 400 {
		return &HTTPError{Status: res.StatusCode, Body: string(data)}
	}
	return nil
}

// deliverPayload hands a persisted payload to the collector when
// enterprise delivery is enabled.
func (m *Memori) deliverPayload(p *Payload) {
	if !m.cfg.Enterprise {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.collector.deliver(context.Background(), p)
	}()
}
