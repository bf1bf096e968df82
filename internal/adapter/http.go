package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/voicehome/intenthub/internal/config"
	"github.com/voicehome/intenthub/internal/core/domain"
	"github.com/voicehome/intenthub/internal/core/port"

	"go.uber.org/zap"
)

// HTTPAdapter drives WiFi devices exposing a small REST surface:
// POST {address}/command applies an action, GET {address}/state reads
// the current attribute map. The device address is its base URL.
type HTTPAdapter struct {
	client *http.Client
	logger *zap.Logger
}

type httpCommandBody struct {
	Action domain.Action  `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

func NewHTTPAdapter(cfg *config.Config, logger *zap.Logger) *HTTPAdapter {
	return &HTTPAdapter{
		client: &http.Client{
			Timeout: time.Duration(cfg.HTTPAdapter.TimeoutMs) * time.Millisecond,
		},
		logger: logger.With(zap.String("adapter", "http")),
	}
}

func (a *HTTPAdapter) Protocol() domain.Protocol {
	return domain.ProtocolHTTP
}

func (a *HTTPAdapter) Execute(ctx context.Context, device domain.Device, action domain.Action, params map[string]any) (map[string]any, error) {
	if action == domain.ActionQuery {
		return a.QueryState(ctx, device)
	}

	body, err := json.Marshal(httpCommandBody{Action: action, Params: params})
	if err != nil {
		return nil, domain.NewAdapterError(domain.ErrorKindProtocol, "cannot encode command body", err)
	}

	endpoint, err := deviceURL(device, "/command")
	if err != nil {
		return nil, domain.NewAdapterError(domain.ErrorKindProtocol, "invalid device address", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, domain.NewAdapterError(domain.ErrorKindProtocol, "cannot build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, classifyHTTPError(err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp.StatusCode); err != nil {
		return nil, err
	}

	// devices may answer with their new state; an empty body means the
	// requested attributes are assumed applied
	attrs, err := decodeAttrs(resp.Body)
	if err != nil {
		a.logger.Debug("unparseable command response body", zap.String("device", device.Id), zap.Error(err))
		attrs = nil
	}
	if attrs == nil {
		attrs = commandAttrs(action, params)
	}
	return attrs, nil
}

func (a *HTTPAdapter) QueryState(ctx context.Context, device domain.Device) (map[string]any, error) {
	endpoint, err := deviceURL(device, "/state")
	if err != nil {
		return nil, domain.NewAdapterError(domain.ErrorKindProtocol, "invalid device address", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, domain.NewAdapterError(domain.ErrorKindProtocol, "cannot build request", err)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, classifyHTTPError(err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp.StatusCode); err != nil {
		return nil, err
	}

	attrs, err := decodeAttrs(resp.Body)
	if err != nil {
		return nil, domain.NewAdapterError(domain.ErrorKindProtocol, "unparseable state body", err)
	}
	return attrs, nil
}

func deviceURL(device domain.Device, path string) (string, error) {
	base, err := url.Parse(strings.TrimSuffix(device.Address, "/"))
	if err != nil {
		return "", err
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", base.Scheme)
	}
	return base.String() + path, nil
}

func decodeAttrs(r io.Reader) (map[string]any, error) {
	data, err := io.ReadAll(io.LimitReader(r, 1<<16))
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var attrs map[string]any
	if err := json.Unmarshal(data, &attrs); err != nil {
		return nil, err
	}
	return attrs, nil
}

func checkStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound || code == http.StatusMethodNotAllowed || code == http.StatusNotImplemented:
		return domain.NewAdapterError(domain.ErrorKindUnsupported, fmt.Sprintf("device rejected action (%d)", code), nil)
	case code == http.StatusServiceUnavailable:
		return domain.NewAdapterError(domain.ErrorKindUnreachable, "device reports unavailable", nil)
	default:
		return domain.NewAdapterError(domain.ErrorKindProtocol, fmt.Sprintf("unexpected status %d", code), nil)
	}
}

func classifyHTTPError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.NewAdapterError(domain.ErrorKindTimeout, "request timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return domain.NewAdapterError(domain.ErrorKindCancelled, "request cancelled", err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return domain.NewAdapterError(domain.ErrorKindTimeout, "request timed out", err)
	}
	return domain.NewAdapterError(domain.ErrorKindUnreachable, "device endpoint unreachable", err)
}

var _ port.ProtocolAdapter = (*HTTPAdapter)(nil)
