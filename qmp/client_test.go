package qmp

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vmkit/qapi/qapi"
	"github.com/vmkit/qapi/transport"
)

func startMock(t *testing.T) (*mockMonitor, string) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "qmp.sock")
	mock := newMockMonitor(t, socketPath)
	t.Cleanup(mock.Close)
	return mock, socketPath
}

func connect(t *testing.T, socketPath string, opts ...qapi.Option) *Client {
	t.Helper()
	stream, err := transport.Dial("unix", socketPath)
	require.NoError(t, err)

	client, err := Connect(context.Background(), stream, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestConnect_Handshake(t *testing.T) {
	_, socketPath := startMock(t)
	client := connect(t, socketPath)

	assert.Equal(t, qapi.StateReady, client.State())
	g := client.Greeting()
	assert.Equal(t, 4, g.Version.QEMU.Major)
	assert.Equal(t, 0, g.Version.QEMU.Minor)
	assert.False(t, g.SupportsOOB())
}

func TestConnect_GreetingCapabilities(t *testing.T) {
	mock, socketPath := startMock(t)
	mock.SetCapabilities("oob")
	client := connect(t, socketPath)

	assert.True(t, client.Greeting().SupportsOOB())
}

func TestConnect_NonGreetingFirstMessage(t *testing.T) {
	mock, socketPath := startMock(t)
	mock.SendBadGreeting()

	stream, err := transport.Dial("unix", socketPath)
	require.NoError(t, err)

	_, err = Connect(context.Background(), stream)
	var perr *qapi.ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, qapi.UnexpectedMessage, perr.Kind)
}

func TestClient_QueryStatus(t *testing.T) {
	mock, socketPath := startMock(t)
	client := connect(t, socketPath)

	status, err := client.QueryStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, status.Status)
	assert.True(t, status.Running)

	mock.SetStatus(StatusShutdown)
	status, err = client.QueryStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusShutdown, status.Status)
	assert.False(t, status.Running)
}

func TestClient_QueryVersion(t *testing.T) {
	_, socketPath := startMock(t)
	client := connect(t, socketPath)

	version, err := client.QueryVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, VersionTriple{Major: 4}, version.QEMU)
	assert.Equal(t, "mock", version.Package)
}

func TestClient_PowerCommands(t *testing.T) {
	mock, socketPath := startMock(t)
	client := connect(t, socketPath)
	ctx := context.Background()

	require.NoError(t, client.SystemPowerdown(ctx))
	assert.Equal(t, "system_powerdown", mock.LastCommand())

	require.NoError(t, client.SystemReset(ctx))
	assert.Equal(t, "system_reset", mock.LastCommand())

	require.NoError(t, client.Stop(ctx))
	assert.Equal(t, "stop", mock.LastCommand())

	require.NoError(t, client.Cont(ctx))
	assert.Equal(t, "cont", mock.LastCommand())
}

func TestClient_BlockdevMedium(t *testing.T) {
	mock, socketPath := startMock(t)
	client := connect(t, socketPath)
	ctx := context.Background()

	require.NoError(t, client.BlockdevChangeMedium(ctx, "ide0-cd0", "/path/to/image.iso"))
	assert.Equal(t, "blockdev-change-medium", mock.LastCommand())

	require.NoError(t, client.BlockdevRemoveMedium(ctx, "ide0-cd0"))
	assert.Equal(t, "blockdev-remove-medium", mock.LastCommand())
}

func TestClient_RemoteErrorLeavesConnectionUsable(t *testing.T) {
	_, socketPath := startMock(t)
	client := connect(t, socketPath)

	_, err := client.Execute(context.Background(), qapi.Raw{Name: "bogus-cmd"})
	var rerr *qapi.RemoteError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, qapi.ClassCommandNotFound, rerr.Class)
	assert.Contains(t, rerr.Desc, "bogus-cmd")

	_, err = client.QueryStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, qapi.StateReady, client.State())
}

func TestClient_ReturnTypeMismatchScopedToCall(t *testing.T) {
	_, socketPath := startMock(t)
	client := connect(t, socketPath)

	_, err := qapi.Run[int](context.Background(), client, qapi.Raw{Name: "test-echo", Args: map[string]any{"a": 1}})
	var perr *qapi.ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, qapi.TypeMismatch, perr.Kind)

	// Only that call failed; the connection is intact.
	_, err = client.QueryStatus(context.Background())
	require.NoError(t, err)
}

func TestClient_EventsFanOut(t *testing.T) {
	mock, socketPath := startMock(t)
	client := connect(t, socketPath)

	first, cancelFirst := client.Events()
	defer cancelFirst()
	second, cancelSecond := client.Events()
	defer cancelSecond()

	mock.EmitEvent("POWERDOWN")

	for _, events := range []<-chan qapi.Event{first, second} {
		select {
		case ev := <-events:
			assert.Equal(t, "POWERDOWN", ev.Name)
			assert.JSONEq(t, `{"mock":true}`, string(ev.Data))
			assert.Equal(t, int64(2), ev.Timestamp.Seconds)
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestClient_EventInterleavedWithResponses(t *testing.T) {
	mock, socketPath := startMock(t)
	client := connect(t, socketPath)
	mock.EmitEventBeforeResponses("STOP")

	events, cancel := client.Events()
	defer cancel()

	status, err := client.QueryStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, status.Status)

	select {
	case ev := <-events:
		assert.Equal(t, "STOP", ev.Name)
	case <-time.After(time.Second):
		t.Fatal("interleaved event not delivered")
	}
}

func TestClient_CancelledSubscriberDoesNotStallOthers(t *testing.T) {
	mock, socketPath := startMock(t)
	client := connect(t, socketPath)

	// Zero-buffer subscriber that never reads, then cancels.
	_, cancelStuck := client.Subscribe(0)
	live, cancelLive := client.Events()
	defer cancelLive()

	cancelStuck()
	mock.EmitEvent("RESET")

	select {
	case ev := <-live:
		assert.Equal(t, "RESET", ev.Name)
	case <-time.After(time.Second):
		t.Fatal("event not delivered after peer cancelled")
	}
}

func TestClient_CloseWhileSubscriberBlocked(t *testing.T) {
	mock, socketPath := startMock(t)
	client := connect(t, socketPath)

	// Zero-buffer subscriber that never drains: the read loop parks in
	// event dispatch. Close must release it and shut the channel down
	// without a send racing the close.
	events, cancel := client.Subscribe(0)
	defer cancel()

	mock.EmitEvent("POWERDOWN")
	// Let the event reach the read loop so it is parked on the send.
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, client.Close())

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("event channel not closed after close with blocked dispatch")
		}
	}
}

func TestClient_CloseFailsFurtherCommands(t *testing.T) {
	_, socketPath := startMock(t)
	client := connect(t, socketPath)

	events, cancel := client.Events()
	defer cancel()

	require.NoError(t, client.Close())

	_, err := client.QueryStatus(context.Background())
	assert.ErrorIs(t, err, qapi.ErrClosed)

	select {
	case _, ok := <-events:
		assert.False(t, ok, "event channel should close on disconnect")
	case <-time.After(time.Second):
		t.Fatal("event channel not closed")
	}
}

func TestClient_ServerDisconnect(t *testing.T) {
	mock, socketPath := startMock(t)
	client := connect(t, socketPath)

	mock.DropClients()
	select {
	case <-client.Done():
	case <-time.After(time.Second):
		t.Fatal("client did not observe disconnect")
	}

	_, err := client.QueryStatus(context.Background())
	assert.Error(t, err)
}
