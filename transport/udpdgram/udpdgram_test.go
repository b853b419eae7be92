package udpdgram

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSendReceiveRoundTrip(t *testing.T) {
	a, err := Listen("127.0.0.1:0", "a")
	require.NoError(t, err)
	defer a.Close()

	b, err := Listen("127.0.0.1:0", "b")
	require.NoError(t, err)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = a.Send(ctx, b.raw.LocalAddr().String(), []byte("hello"))
	require.NoError(t, err)

	peer, frame, err := b.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), frame)
	require.NotEmpty(t, peer)
}

func TestReceiveRespectsContextCancellation(t *testing.T) {
	a, err := Listen("127.0.0.1:0", "a")
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, _, err = a.Receive(ctx)
	require.Error(t, err)
}

func TestCloseUnblocksReceive(t *testing.T) {
	a, err := Listen("127.0.0.1:0", "a")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, _, err := a.Receive(context.Background())
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, a.Close())

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Receive did not unblock after Close")
	}
}

func TestLocalChannel(t *testing.T) {
	a, err := Listen("127.0.0.1:0", "serial-0")
	require.NoError(t, err)
	defer a.Close()
	require.Equal(t, "serial-0", a.LocalChannel())
}
