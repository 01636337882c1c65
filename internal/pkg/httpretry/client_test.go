package httpretry

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedDoer plays back one entry per call: a positive value is a
// status code, zero is a transport error. It records each request body.
type scriptedDoer struct {
	script []int
	calls  int
	bodies []string
}

func (d *scriptedDoer) Do(req *http.Request) (*http.Response, error) {
	step := d.script[d.calls]
	d.calls++
	if req.Body != nil {
		b, _ := io.ReadAll(req.Body)
		req.Body.Close()
		d.bodies = append(d.bodies, string(b))
	}
	if step == 0 {
		return nil, errors.New("connection reset")
	}
	return &http.Response{
		StatusCode: step,
		Body:       io.NopCloser(bytes.NewReader(nil)),
	}, nil
}

func fastClient(d HTTPDoer, retries int) *RetryClient {
	rc := NewRetryClient(d, retries)
	rc.minWait = time.Millisecond
	rc.maxWait = 2 * time.Millisecond
	return rc
}

func TestDoRetriesTransientStatusAndRewindsBody(t *testing.T) {
	doer := &scriptedDoer{script: []int{http.StatusServiceUnavailable, http.StatusOK}}
	rc := fastClient(doer, 2)

	req, err := http.NewRequest(http.MethodPost, "http://upstream.test/check", bytes.NewReader([]byte(`{"feature":"inbound_triggers"}`)))
	require.NoError(t, err)

	resp, err := rc.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, doer.calls)

	// The re-sent request must carry the same body as the first.
	require.Len(t, doer.bodies, 2)
	assert.Equal(t, doer.bodies[0], doer.bodies[1])
}

func TestDoReturnsFinalResponseWhenBudgetExhausted(t *testing.T) {
	doer := &scriptedDoer{script: []int{502, 502, 502}}
	rc := fastClient(doer, 2)

	req, err := http.NewRequest(http.MethodGet, "http://upstream.test/", nil)
	require.NoError(t, err)

	resp, err := rc.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, 3, doer.calls)
}

func TestDoDoesNotRetryClientErrors(t *testing.T) {
	doer := &scriptedDoer{script: []int{http.StatusNotFound}}
	rc := fastClient(doer, 3)

	req, err := http.NewRequest(http.MethodGet, "http://upstream.test/", nil)
	require.NoError(t, err)

	resp, err := rc.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, 1, doer.calls)
}

func TestDoRetriesTransportErrors(t *testing.T) {
	doer := &scriptedDoer{script: []int{0, 0, http.StatusOK}}
	rc := fastClient(doer, 3)

	req, err := http.NewRequest(http.MethodGet, "http://upstream.test/", nil)
	require.NoError(t, err)

	resp, err := rc.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 3, doer.calls)
}

func TestDoStopsOnCanceledContext(t *testing.T) {
	doer := &scriptedDoer{script: []int{0, http.StatusOK}}
	rc := fastClient(doer, 3)

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://upstream.test/", nil)
	require.NoError(t, err)

	cancel()
	_, err = rc.Do(req)
	require.Error(t, err)
	assert.Equal(t, 0, doer.calls)
}

func TestNewRetryClientDefaults(t *testing.T) {
	rc := NewRetryClient(nil, 0)
	assert.NotNil(t, rc.next)
	assert.Equal(t, 3, rc.retries)
}
