package httpretry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastOptions() Options {
	return Options{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestRetryClient_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rc := NewRetryClient(srv.Client(), fastOptions())
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := rc.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestRetryClient_DoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	rc := NewRetryClient(srv.Client(), fastOptions())
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)

	resp, err := rc.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRetryClient_ReturnsLastRetryableResponse(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	rc := NewRetryClient(srv.Client(), fastOptions())
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)

	resp, err := rc.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, int32(4), atomic.LoadInt32(&calls))
}

type errDoer struct{ calls int }

func (d *errDoer) Do(req *http.Request) (*http.Response, error) {
	d.calls++
	return nil, errors.New("connection refused")
}

func TestRetryClient_TransportErrors(t *testing.T) {
	d := &errDoer{}
	rc := NewRetryClient(d, fastOptions())
	req, _ := http.NewRequest(http.MethodGet, "http://feed.invalid", nil)

	_, err := rc.Do(req)
	assert.EqualError(t, err, "connection refused")
	assert.Equal(t, 4, d.calls)
}

func TestRetryClient_CanceledContext(t *testing.T) {
	d := &errDoer{}
	rc := NewRetryClient(d, fastOptions())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "http://feed.invalid", nil)

	_, err := rc.Do(req)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, d.calls)
}

func TestParseRetryAfter(t *testing.T) {
	rc := NewRetryClient(nil, Options{MaxDelay: 10 * time.Second})
	assert.Equal(t, 2*time.Second, rc.parseRetryAfter("2"))
	assert.Equal(t, 10*time.Second, rc.parseRetryAfter("120"))
	assert.Equal(t, time.Duration(0), rc.parseRetryAfter("Wed, 21 Oct 2015 07:28:00 GMT"))
}
