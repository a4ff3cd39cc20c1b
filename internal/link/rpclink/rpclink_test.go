package rpclink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dragonpilot "github.com/ZanzyTHEbar/dragonpilot"
	"github.com/ZanzyTHEbar/dragonpilot/internal/link"
	"github.com/ZanzyTHEbar/dragonpilot/internal/link/sim"
)

func startBridge(t *testing.T, cfg sim.Config) (*sim.Vehicle, *Client) {
	t.Helper()
	vehicle := sim.New(cfg)
	bridge := NewBridge(vehicle, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = bridge.Run(ctx) }()

	srv := httptest.NewServer(bridge)
	t.Cleanup(srv.Close)
	return vehicle, NewClient(srv.URL, WithPollInterval(10*time.Millisecond), WithVendor("px4"))
}

func fast() sim.Config {
	cfg := sim.DefaultConfig()
	cfg.TickInterval = 5 * time.Millisecond
	cfg.TimeScale = 20
	return cfg
}

func TestClientSendsCommandsThroughBridge(t *testing.T) {
	vehicle, client := startBridge(t, fast())

	require.NoError(t, client.Send(context.Background(), dragonpilot.VehicleCommand{Action: "arm"}))
	sent := vehicle.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "arm", sent[0].Action)
}

func TestClientSurfacesRefusals(t *testing.T) {
	cfg := fast()
	cfg.GPSLockAfter = time.Hour
	_, client := startBridge(t, cfg)

	err := client.Send(context.Background(), dragonpilot.VehicleCommand{Action: "arm"})
	var refusal *link.Refusal
	require.True(t, errors.As(err, &refusal))
	assert.Equal(t, "NOT_ARMABLE", refusal.Token)
	assert.Equal(t, dragonpilot.ErrCodeRejected, dragonpilot.CodeOf(link.Normalize("arm_and_takeoff", client.Vendor(), err)))
}

func TestClientOfflineVehicleIsLinkError(t *testing.T) {
	vehicle, client := startBridge(t, fast())
	vehicle.SetOffline(true)

	err := client.Send(context.Background(), dragonpilot.VehicleCommand{Action: "hold"})
	require.Error(t, err)
	assert.Equal(t, dragonpilot.ErrCodeLink, dragonpilot.CodeOf(link.Normalize("hold", client.Vendor(), err)))
}

func TestClientStreamFeedsLink(t *testing.T) {
	_, client := startBridge(t, fast())
	l := link.New(client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = l.Run(ctx) }()

	require.Eventually(t, func() bool {
		snap, err := l.Telemetry().Latest()
		return err == nil && snap.Seq > 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBridgeRejectsBadRequests(t *testing.T) {
	bridge := NewBridge(sim.New(fast()), nil)

	post := func(body string) Response {
		rec := httptest.NewRecorder()
		bridge.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewBufferString(body)))
		var resp Response
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		return resp
	}

	assert.Equal(t, CodeParseError, post("{").Error.Code)
	assert.Equal(t, CodeInvalidRequest, post(`{"jsonrpc":"1.0","method":"x","id":1}`).Error.Code)
	assert.Equal(t, CodeMethodNotFound, post(`{"jsonrpc":"2.0","method":"x","id":1}`).Error.Code)
	assert.Equal(t, CodeInvalidParams, post(`{"jsonrpc":"2.0","method":"vehicle.command","params":{},"id":1}`).Error.Code)
	assert.Equal(t, CodeNoTelemetry, post(`{"jsonrpc":"2.0","method":"telemetry.latest","id":2}`).Error.Code)
}
