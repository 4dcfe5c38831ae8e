package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"tokencanvas/services/canvasd/canvas"
	"tokencanvas/services/canvasd/queue"
	"tokencanvas/services/canvasd/recovery"
)

// SecretSource yields the admin secret presented to canvasd.
type SecretSource interface {
	Get() (string, error)
}

// Remote calls the admin endpoints of a running canvasd.
type Remote struct {
	base    *url.URL
	secrets SecretSource
	client  *http.Client
}

// NewRemote targets the canvasd at baseURL. A nil client gets an instrumented
// default.
func NewRemote(baseURL string, secrets SecretSource, client *http.Client) (*Remote, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server url %q", baseURL)
	}
	if secrets == nil {
		return nil, errors.New("secret source required")
	}
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &Remote{base: u, secrets: secrets, client: client}, nil
}

// StatusError reports a non-2xx answer from canvasd.
type StatusError struct {
	Status  int
	Code    string
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("canvasd returned %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("canvasd returned %d %s", e.Status, e.Code)
}

func (r *Remote) Rebuild(ctx context.Context) (recovery.Report, error) {
	var report recovery.Report
	err := r.call(ctx, http.MethodPost, "/admin/rebuild-cache", nil, &report)
	return report, err
}

func (r *Remote) ProcessQueue(ctx context.Context, full bool) (queue.Report, error) {
	path := "/admin/process-queue"
	if full {
		path = "/admin/backup"
	}
	var report queue.Report
	if err := r.call(ctx, http.MethodPost, path, nil, &report); err != nil {
		return report, err
	}
	if report.AlreadyRunning {
		return report, errAlreadyRunning
	}
	return report, nil
}

func (r *Remote) Ban(ctx context.Context, address, reason, by string) (canvas.Ban, error) {
	body := map[string]string{"address": address, "reason": reason, "bannedBy": by}
	var ban canvas.Ban
	err := r.call(ctx, http.MethodPost, "/admin/bans", body, &ban)
	return ban, err
}

func (r *Remote) Unban(ctx context.Context, address string) (canvas.Ban, error) {
	var ban canvas.Ban
	err := r.call(ctx, http.MethodDelete, "/admin/bans/"+url.PathEscape(address), nil, &ban)
	return ban, err
}

// ScanPixels fetches the public canvas snapshot in a single batch.
func (r *Remote) ScanPixels(ctx context.Context, fn func([]canvas.Pixel) error) error {
	var snapshot struct {
		Pixels []canvas.Pixel `json:"pixels"`
	}
	if err := r.call(ctx, http.MethodGet, "/api/canvas", nil, &snapshot); err != nil {
		return err
	}
	if len(snapshot.Pixels) == 0 {
		return nil
	}
	return fn(snapshot.Pixels)
}

func (r *Remote) Close() error {
	r.client.CloseIdleConnections()
	return nil
}

// call performs one request, retrying while canvasd reports 503.
func (r *Remote) call(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}
	var admin string
	if strings.HasPrefix(path, "/admin/") {
		var err error
		if admin, err = r.secrets.Get(); err != nil {
			return err
		}
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	return backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, method, r.base.String()+path, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if admin != "" {
			req.Header.Set("Authorization", "Bearer "+admin)
		}
		resp, err := r.client.Do(req)
		if err != nil {
			return fmt.Errorf("%s %s: %w", method, path, err)
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}
		if resp.StatusCode >= 300 {
			statusErr := decodeStatus(resp.StatusCode, raw)
			if resp.StatusCode == http.StatusServiceUnavailable {
				return statusErr
			}
			return backoff.Permanent(statusErr)
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode response: %w", err))
		}
		return nil
	}, policy)
}

func decodeStatus(status int, raw []byte) *StatusError {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(raw, &body)
	if body.Error == "" {
		body.Error = strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
	return &StatusError{Status: status, Code: body.Error, Message: body.Message}
}

