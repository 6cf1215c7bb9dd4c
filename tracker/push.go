package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/xerrors"

	"example.com/beacon/internal/domain"
)

// PushPath is where the ingestion server accepts batches.
const PushPath = "/analytics/push"

// Pusher delivers one batch. Any returned error counts as a failed push.
type Pusher interface {
	Push(ctx context.Context, batch *domain.Batch) error
}

// StatusError is returned by HTTPPusher for non-2xx responses.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("push rejected with status %d: %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("push rejected with status %d", e.StatusCode)
}

// HTTPPusher posts batches as JSON to an ingestion server.
type HTTPPusher struct {
	// BaseURL is the server root, for example https://beacon.example.com.
	BaseURL string
	Client  *http.Client
}

func (p *HTTPPusher) Push(ctx context.Context, batch *domain.Batch) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return xerrors.Errorf("encode batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(p.BaseURL, "/")+PushPath, bytes.NewReader(body))
	if err != nil {
		return xerrors.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return xerrors.Errorf("do request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode >= 200 && res.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}
	serr := &StatusError{StatusCode: res.StatusCode}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.NewDecoder(io.LimitReader(res.Body, 64<<10)).Decode(&envelope) == nil {
		serr.Code = envelope.Error.Code
		serr.Message = envelope.Error.Message
	}
	return serr
}
