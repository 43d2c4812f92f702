package drshare

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sammck-go/devrelay/pkg/devproto"
)

const eventually = 5 * time.Second
const tick = 10 * time.Millisecond

func startHub(t *testing.T, cfg HubConfig, observers ...Observer) (*Hub, context.CancelFunc) {
	t.Helper()
	h := NewHub(newTestLogger(), cfg, observers...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(eventually):
			t.Error("hub did not stop")
		}
	})
	return h, cancel
}

func serve(t *testing.T, h *Hub, conn *fakeConn) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- h.ServeConn(context.Background(), conn) }()
	return done
}

func waitForDevice(t *testing.T, h *Hub, deviceID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.Registry().Lookup(deviceID) != nil
	}, eventually, tick)
}

func TestHub_DeviceLifecycle(t *testing.T) {
	events := &eventRecorder{}
	h, _ := startHub(t, HubConfig{}, events)
	h.Dispatcher().SetCorrelationSource(sequenceIDs())

	conn := newFakeConn("10.0.0.1:5000")
	conn.push(`{"type":"register","deviceId":"A1"}`)
	done := serve(t, h, conn)
	waitForDevice(t, h, "A1")

	ids, err := h.ListDevices(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"A1"}, ids)

	res, err := h.SendCommand(context.Background(), "A1", "wifi")
	require.NoError(t, err)
	assert.Equal(t, "cmd-1", res.CommandID)

	msgs := conn.messages(t)
	require.Len(t, msgs, 3)
	assert.Equal(t, devproto.TypeWelcome, msgs[0].Type)
	assert.Equal(t, devproto.TypeRegistered, msgs[1].Type)
	assert.Equal(t, devproto.TypeCommand, msgs[2].Type)
	assert.Equal(t, devproto.ActionGetWifiStatus, msgs[2].Action)

	// device goes away
	conn.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(eventually):
		t.Fatal("ServeConn did not return")
	}
	ids, err = h.ListDevices(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Equal(t, int32(0), h.ConnStats().NumOpen())
	assert.Equal(t, int32(1), h.ConnStats().NumTotal())
	assert.Equal(t, []EventKind{EventRegistered, EventCommandSent, EventDisconnected}, events.kinds())

	_, err = h.SendCommand(context.Background(), "A1", "wifi")
	var lookupErr *LookupError
	assert.True(t, errors.As(err, &lookupErr))
}

func TestHub_FramesFromOneConnectionAreHandledInOrder(t *testing.T) {
	h, _ := startHub(t, HubConfig{})
	conn := newFakeConn("10.0.0.1:5000")
	conn.push(`{"type":"register","deviceId":"A1"}`)
	for i := 0; i < 10; i++ {
		conn.push(`{"type":"command","action":"get_info","commandId":"c` + itoa(i) + `"}`)
	}
	serve(t, h, conn)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return conn.numWritten() == 12 }, eventually, tick)
	msgs := conn.messages(t)
	assert.Equal(t, devproto.TypeWelcome, msgs[0].Type)
	assert.Equal(t, devproto.TypeRegistered, msgs[1].Type)
	for i := 0; i < 10; i++ {
		assert.Equal(t, "c"+itoa(i), msgs[i+2].CommandID)
	}
}

func TestHub_ReRegistrationAcrossConnections(t *testing.T) {
	h, _ := startHub(t, HubConfig{})
	conn1 := newFakeConn("10.0.0.1:5000")
	conn1.push(`{"type":"register","deviceId":"A1"}`)
	done1 := serve(t, h, conn1)
	waitForDevice(t, h, "A1")
	first := h.Registry().Lookup("A1")

	conn2 := newFakeConn("10.0.0.2:5000")
	conn2.push(`{"type":"register","deviceId":"A1"}`)
	serve(t, h, conn2)
	t.Cleanup(func() { conn2.Close() })
	require.Eventually(t, func() bool {
		s := h.Registry().Lookup("A1")
		return s != nil && s != first
	}, eventually, tick)
	second := h.Registry().Lookup("A1")

	// the orphaned connection closing must not remove the new binding
	conn1.Close()
	<-done1
	require.NoError(t, h.Do(context.Background(), func() {}))
	assert.Same(t, second, h.Registry().Lookup("A1"))

	_, err := h.SendCommand(context.Background(), "A1", "wifi")
	require.NoError(t, err)
	assert.Equal(t, devproto.TypeCommand, conn2.messages(t)[2].Type)
}

func TestHub_OperatorSinkSeesResponses(t *testing.T) {
	sink := &recordingSink{}
	h := NewHub(newTestLogger(), HubConfig{TrackCommands: true, CommandTTL: time.Minute})
	h.SetOperatorSink(sink)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	conn := newFakeConn("10.0.0.1:5000")
	conn.push(`{"type":"register","deviceId":"A1"}`)
	serve(t, h, conn)
	defer conn.Close()
	waitForDevice(t, h, "A1")

	res, err := h.SendCommand(ctx, "A1", "wifi")
	require.NoError(t, err)
	conn.push(`{"type":"response","commandId":"` + res.CommandID + `","status":"success","data":{"ssid":"lab"}}`)

	require.Eventually(t, func() bool { return len(sink.getResponses()) == 1 }, eventually, tick)
	rep := sink.getResponses()[0]
	assert.Equal(t, "A1", rep.DeviceID)
	assert.Equal(t, res.CommandID, rep.Frame.CommandID)
	assert.True(t, rep.RoundTrip > 0)
}

func TestHub_ExpiresUnansweredCommands(t *testing.T) {
	events := &eventRecorder{}
	h, _ := startHub(t, HubConfig{TrackCommands: true, CommandTTL: 20 * time.Millisecond}, events)
	conn := newFakeConn("10.0.0.1:5000")
	conn.push(`{"type":"register","deviceId":"A1"}`)
	serve(t, h, conn)
	t.Cleanup(func() { conn.Close() })
	waitForDevice(t, h, "A1")

	res, err := h.SendCommand(context.Background(), "A1", "wifi")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(events.ofKind(EventCommandExpired)) == 1
	}, eventually, tick)
	ev := events.ofKind(EventCommandExpired)[0]
	assert.Equal(t, res.CommandID, ev.CommandID)
	assert.Equal(t, "A1", ev.DeviceID)
	assert.Equal(t, devproto.ActionGetWifiStatus, ev.Action)
}

func TestHub_StoppedHubRejectsWork(t *testing.T) {
	h := NewHub(newTestLogger(), HubConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()
	require.NoError(t, h.Do(context.Background(), func() {}))

	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, ErrHubStopped, h.Do(context.Background(), func() {}))
	assert.False(t, h.Submit(func() {}))
	_, err := h.ListDevices(context.Background())
	assert.Equal(t, ErrHubStopped, err)

	conn := newFakeConn("10.0.0.1:5000")
	assert.Equal(t, ErrHubStopped, h.ServeConn(context.Background(), conn))
	assert.True(t, conn.isClosed())
}

func TestHub_DoHonorsContext(t *testing.T) {
	// never run, so queued work is never executed
	h := NewHub(newTestLogger(), HubConfig{})
	defer h.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := h.Do(ctx, func() {})

	assert.Equal(t, context.DeadlineExceeded, err)
}
