package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type Outcome string

const (
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeFailed    Outcome = "failed"
)

// Notification — асинхронный ответ реестра по ранее отправленному дайджесту.
// Доставка at-least-once: дубликаты и опоздания — норма, не ошибка.
type Notification struct {
	Ref     string  `json:"ref"`
	Outcome Outcome `json:"outcome"`
	Details string  `json:"details,omitempty"`
}

type SubmitMeta struct {
	RecordType string `json:"record_type"`
	RecordID   int64  `json:"record_id"`
	Initiator  string `json:"initiator"`
}

// Client — узкий интерфейс внешнего реестра. Сам реестр вне нашей зоны
// ответственности; нам важно только корректно пережить его задержки и повторы.
type Client interface {
	// Submit отправляет дайджест на якорение и возвращает внешний ref.
	Submit(ctx context.Context, digest string, meta SubmitMeta) (string, error)
	// Poll забирает накопившиеся исходы по списку ref'ов.
	Poll(ctx context.Context, refs []string) ([]Notification, error)
}

// HTTPClient — реализация поверх HTTP API реестра. Каждый вызов ограничен
// таймаутом: зависший реестр не должен вешать наши горутины.
type HTTPClient struct {
	base    string
	timeout time.Duration
}

func NewHTTPClient(base string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{base: strings.TrimRight(base, "/"), timeout: timeout}
}

type submitRequest struct {
	Digest string     `json:"digest"`
	Meta   SubmitMeta `json:"meta"`
}

type submitResponse struct {
	Ref string `json:"ref"`
}

func (c *HTTPClient) Submit(ctx context.Context, digest string, meta SubmitMeta) (string, error) {
	body, err := json.Marshal(submitRequest{Digest: digest, Meta: meta})
	if err != nil {
		return "", err
	}
	raw, err := c.do(ctx, http.MethodPost, "/anchors", body)
	if err != nil {
		return "", err
	}
	var resp submitResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("ledger submit: bad response: %w", err)
	}
	if resp.Ref == "" {
		return "", fmt.Errorf("ledger submit: empty ref")
	}
	return resp.Ref, nil
}

func (c *HTTPClient) Poll(ctx context.Context, refs []string) ([]Notification, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	q := url.Values{"ref": refs}
	raw, err := c.do(ctx, http.MethodGet, "/anchors/status?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var out []Notification
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("ledger poll: bad response: %w", err)
	}
	return out, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	cl := &http.Client{Timeout: c.timeout}
	resp, err := cl.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("%s: http %d: %s", path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return raw, nil
}
