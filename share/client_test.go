package drshare

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sammck-go/devrelay/pkg/devproto"
)

func startTestClient(t *testing.T, cfg *ClientConfig) *Client {
	t.Helper()
	client, err := NewClient(newTestLogger(), cfg)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(eventually):
			t.Error("client did not shut down")
		}
	})
	select {
	case <-client.RegisteredChan():
	case err := <-done:
		t.Fatalf("client stopped before registering: %v", err)
	case <-time.After(eventually):
		t.Fatal("client did not register")
	}
	return client
}

func TestNewClient_RequiresDeviceID(t *testing.T) {
	_, err := NewClient(newTestLogger(), &ClientConfig{Server: "wss://localhost:4444/"})
	assert.Error(t, err)
}

func TestNewClient_NormalizesServerURL(t *testing.T) {
	tests := []struct {
		server string
		want   string
	}{
		{"relay.example.com", "wss://relay.example.com:443/"},
		{"relay.example.com:4444", "wss://relay.example.com:4444/"},
		{"https://relay.example.com/ws", "wss://relay.example.com:443/ws"},
		{"http://127.0.0.1:8080", "ws://127.0.0.1:8080/"},
		{"ws://127.0.0.1", "ws://127.0.0.1:80/"},
	}
	for _, tt := range tests {
		t.Run(tt.server, func(t *testing.T) {
			c, err := NewClient(newTestLogger(), &ClientConfig{Server: tt.server, DeviceID: "A1"})
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.server)
		})
	}
}

func TestClient_RegistersAndAnswersCommands(t *testing.T) {
	ts := startTestServer(t, func(cfg *Config) {
		cfg.Commands.Track = true
	})
	startTestClient(t, &ClientConfig{
		Server:        ts.wsURL(),
		DeviceID:      "sim-1",
		Insecure:      true,
		MaxRetryCount: 0,
	})

	ids, err := ts.server.Hub().ListDevices(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"sim-1"}, ids)

	res, err := ts.server.Hub().SendCommand(context.Background(), "sim-1", "wifi")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(ts.sink.getResponses()) == 1 }, eventually, tick)
	rep := ts.sink.getResponses()[0]
	assert.Equal(t, "sim-1", rep.DeviceID)
	assert.Equal(t, res.CommandID, rep.Frame.CommandID)
	assert.Equal(t, devproto.StatusSuccess, rep.Frame.Status)
	assert.True(t, rep.RoundTrip > 0)
	var wifi struct {
		Connected bool   `json:"connected"`
		SSID      string `json:"ssid"`
	}
	require.NoError(t, json.Unmarshal(rep.Frame.Data, &wifi))
	assert.True(t, wifi.Connected)
	assert.Equal(t, "devrelay-sim", wifi.SSID)
}

func TestClient_CustomAndUnsupportedActions(t *testing.T) {
	ts := startTestServer(t, func(cfg *Config) {
		cfg.Actions["temp"] = "get_temperature"
		cfg.Actions["reboot"] = "reboot"
	})
	client, err := NewClient(newTestLogger(), &ClientConfig{Server: ts.wsURL(), DeviceID: "sim-2", Insecure: true})
	require.NoError(t, err)
	client.HandleAction("get_temperature", func(cmd *devproto.Message) (string, string, interface{}) {
		return devproto.StatusSuccess, "Temperature read", map[string]float64{"celsius": 21.5}
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)
	<-client.RegisteredChan()

	_, err = ts.server.Hub().SendCommand(ctx, "sim-2", "temp")
	require.NoError(t, err)
	_, err = ts.server.Hub().SendCommand(ctx, "sim-2", "reboot")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(ts.sink.getResponses()) == 2 }, eventually, tick)
	reps := ts.sink.getResponses()
	assert.Equal(t, "Temperature read", reps[0].Frame.Message)
	assert.JSONEq(t, `{"celsius":21.5}`, string(reps[0].Frame.Data))
	assert.Equal(t, "error", reps[1].Frame.Status)
	assert.Equal(t, "Unsupported action 'reboot'", reps[1].Frame.Message)
}

func TestClient_InfoLoop(t *testing.T) {
	ts := startTestServer(t, nil)
	client := startTestClient(t, &ClientConfig{
		Server:       ts.wsURL(),
		DeviceID:     "sim-3",
		Insecure:     true,
		InfoInterval: 20 * time.Millisecond,
	})

	require.Eventually(t, func() bool { return client.LastInfoReply() != nil }, eventually, tick)
	reply := client.LastInfoReply()
	assert.Equal(t, devproto.StatusSuccess, reply.Status)
	assert.Contains(t, reply.CommandID, "sim-3-info-")
	var data struct {
		ServerTime int64 `json:"serverTime"`
	}
	require.NoError(t, json.Unmarshal(reply.Data, &data))
	assert.True(t, data.ServerTime > 0)
}

func TestClient_GivesUpWhenRetriesExhausted(t *testing.T) {
	client, err := NewClient(newTestLogger(), &ClientConfig{
		Server:        "ws://127.0.0.1:1/",
		DeviceID:      "sim-4",
		MaxRetryCount: 0,
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- client.Run(context.Background()) }()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(eventually):
		t.Fatal("client kept retrying")
	}
}
