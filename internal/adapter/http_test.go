package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/voicehome/intenthub/internal/core/domain"
	"github.com/voicehome/intenthub/internal/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newHTTPAdapter() *HTTPAdapter {
	cfg := util.LoadTestConfig()
	return NewHTTPAdapter(&cfg, zap.NewNop())
}

func httpDevice(address string) domain.Device {
	return domain.Device{
		Id:           "plug1",
		Type:         domain.DeviceTypePlug,
		Protocol:     domain.ProtocolHTTP,
		Address:      address,
		Capabilities: []domain.Capability{domain.CapabilityPower},
	}
}

func TestHTTPExecutePostsCommand(t *testing.T) {
	var gotBody httpCommandBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/command", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"power":"on"}`))
	}))
	defer srv.Close()

	attrs, err := newHTTPAdapter().Execute(context.Background(), httpDevice(srv.URL), domain.ActionTurnOn, nil)

	require.NoError(t, err)
	assert.Equal(t, domain.ActionTurnOn, gotBody.Action)
	assert.Equal(t, "on", attrs["power"])
}

func TestHTTPExecuteEmptyBodyAssumesApplied(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	attrs, err := newHTTPAdapter().Execute(context.Background(), httpDevice(srv.URL), domain.ActionTurnOff, nil)

	require.NoError(t, err)
	assert.Equal(t, "off", attrs["power"])
}

func TestHTTPQueryState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/state", r.URL.Path)
		_, _ = w.Write([]byte(`{"power":"on","energy_w":12.5}`))
	}))
	defer srv.Close()

	attrs, err := newHTTPAdapter().QueryState(context.Background(), httpDevice(srv.URL))

	require.NoError(t, err)
	assert.Equal(t, "on", attrs["power"])
	assert.Equal(t, 12.5, attrs["energy_w"])
}

func TestHTTPStatusClassification(t *testing.T) {
	cases := []struct {
		status int
		kind   domain.ErrorKind
	}{
		{http.StatusNotFound, domain.ErrorKindUnsupported},
		{http.StatusNotImplemented, domain.ErrorKindUnsupported},
		{http.StatusServiceUnavailable, domain.ErrorKindUnreachable},
		{http.StatusInternalServerError, domain.ErrorKindProtocol},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		_, err := newHTTPAdapter().Execute(context.Background(), httpDevice(srv.URL), domain.ActionTurnOn, nil)
		srv.Close()

		require.Error(t, err, "status %d", tc.status)
		assert.Equal(t, tc.kind, domain.ClassifyError(err), "status %d", tc.status)
	}
}

func TestHTTPTimeoutIsRetryableKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := newHTTPAdapter().Execute(ctx, httpDevice(srv.URL), domain.ActionTurnOn, nil)

	require.Error(t, err)
	kind := domain.ClassifyError(err)
	assert.Equal(t, domain.ErrorKindTimeout, kind)
	assert.True(t, kind.Retryable())
}

func TestHTTPUnreachableEndpoint(t *testing.T) {
	// closed port
	_, err := newHTTPAdapter().Execute(context.Background(), httpDevice("http://127.0.0.1:1"), domain.ActionTurnOn, nil)

	require.Error(t, err)
	assert.Equal(t, domain.ErrorKindUnreachable, domain.ClassifyError(err))
}

func TestHTTPRejectsBadScheme(t *testing.T) {
	_, err := newHTTPAdapter().Execute(context.Background(), httpDevice("ftp://device"), domain.ActionTurnOn, nil)

	require.Error(t, err)
	assert.Equal(t, domain.ErrorKindProtocol, domain.ClassifyError(err))
}
