package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestHealthzReturnsHealthyStatus(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	healthzHandler(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestServeShutsDownOnContextCancellation(t *testing.T) {
	reg := New(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- reg.Serve(ctx, "127.0.0.1:0") }()
	time.Sleep(50 * time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not shut down after context cancellation")
	}
}

func TestSetKillSwitchTogglesGaugeValue(t *testing.T) {
	reg := New(zap.NewNop())

	reg.SetKillSwitch(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(reg.KillSwitch))

	reg.SetKillSwitch(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(reg.KillSwitch))
}

func TestOpenPositionsGaugeTracksSetCalls(t *testing.T) {
	reg := New(zap.NewNop())
	reg.OpenPositions.Set(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(reg.OpenPositions))
}
