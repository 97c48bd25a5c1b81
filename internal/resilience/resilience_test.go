package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getter(url string) func(ctx context.Context) (*http.Request, error) {
	return func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	}
}

func TestDoRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	cfg := Config{
		Client:  srv.Client(),
		Backoff: BackoffConfig{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond},
	}
	resp, err := Do(context.Background(), cfg, NewBreaker("test"), getter(srv.URL))
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
	assert.Equal(t, int32(3), calls.Load())
}

func TestDoWithoutRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := Do(context.Background(), Config{Client: srv.Client()}, NewBreaker("test"), getter(srv.URL))
	assert.ErrorIs(t, err, ErrServerError)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDoStatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, ErrRateLimited},
		{http.StatusInternalServerError, ErrServerError},
		{http.StatusNotFound, ErrUnexpected},
		{http.StatusUnauthorized, ErrUnexpected},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, err := Do(context.Background(), Config{Client: srv.Client()}, NewBreaker("test"), getter(srv.URL))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestDoOpensCircuit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cb := NewBreaker("test")
	cfg := Config{Client: srv.Client()}
	for i := 0; i < 6; i++ {
		_, err := Do(context.Background(), cfg, cb, getter(srv.URL))
		require.ErrorIs(t, err, ErrServerError)
	}

	_, err := Do(context.Background(), cfg, cb, getter(srv.URL))
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(6), calls.Load())
}

func TestDoStopsOnCancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := Config{
		Client:  srv.Client(),
		Backoff: BackoffConfig{MaxRetries: 3, InitialInterval: time.Second},
	}
	_, err := Do(ctx, cfg, NewBreaker("test"), getter(srv.URL))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDoRejectsInvalidConfig(t *testing.T) {
	_, err := Do(context.Background(), Config{}, NewBreaker("test"), getter("http://localhost"))
	assert.ErrorIs(t, err, errNoHTTPClient)

	cfg := Config{Client: http.DefaultClient, Backoff: BackoffConfig{MaxRetries: 2}}
	_, err = Do(context.Background(), cfg, NewBreaker("test"), getter("http://localhost"))
	assert.ErrorIs(t, err, errInvalidConfig)
}

func TestBackoffDelay(t *testing.T) {
	b := BackoffConfig{InitialInterval: 100 * time.Millisecond, MaxInterval: time.Second}

	assert.Equal(t, 100*time.Millisecond, b.delay(0))
	assert.Equal(t, 400*time.Millisecond, b.delay(2))
	assert.Equal(t, time.Second, b.delay(4))
	assert.Equal(t, time.Second, b.delay(70))
}

func TestDoClientErrorsKeepCircuitClosed(t *testing.T) {
	var bad atomic.Bool
	bad.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if bad.Load() {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	cb := NewBreaker("test")
	cfg := Config{Client: srv.Client()}
	for i := 0; i < 10; i++ {
		_, err := Do(context.Background(), cfg, cb, getter(srv.URL))
		require.ErrorIs(t, err, ErrUnexpected)
	}

	bad.Store(false)
	resp, err := Do(context.Background(), cfg, cb, getter(srv.URL))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, gobreaker.StateClosed, cb.State())
}

func TestTripsBreaker(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"bad request", fmt.Errorf("%w: %d", ErrUnexpected, http.StatusBadRequest), false},
		{"cancelled", &url.Error{Op: "Get", URL: "http://x", Err: context.Canceled}, false},
		{"deadline", &url.Error{Op: "Get", URL: "http://x", Err: context.DeadlineExceeded}, true},
		{"rate limited", ErrRateLimited, true},
		{"server error", fmt.Errorf("%w: %d", ErrServerError, http.StatusBadGateway), true},
		{"transport", errors.New("connection refused"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tripsBreaker(tt.err))
		})
	}
}
