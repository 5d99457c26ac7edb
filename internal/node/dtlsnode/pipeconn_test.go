package dtlsnode

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPushConn_DeliverAndRead(t *testing.T) {
	pc := newPushConn(func(b []byte) error { return nil }, noopAddr{}, noopAddr{})
	pc.deliver([]byte("hello"))

	buf := make([]byte, 16)
	n, err := pc.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))
}

func TestPushConn_DeliverCopiesInput(t *testing.T) {
	pc := newPushConn(func(b []byte) error { return nil }, noopAddr{}, noopAddr{})
	original := []byte("hello")
	pc.deliver(original)
	original[0] = 'X'

	buf := make([]byte, 16)
	n, err := pc.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))
}

func TestPushConn_DeliverDropsOldestWhenFull(t *testing.T) {
	pc := newPushConn(func(b []byte) error { return nil }, noopAddr{}, noopAddr{})
	for i := 0; i < cap(pc.incoming)+5; i++ {
		pc.deliver([]byte(fmt.Sprintf("msg-%d", i)))
	}

	buf := make([]byte, 16)
	n, err := pc.Read(buf)
	require.NoError(t, err)
	require.NotEqual(t, "msg-0", string(buf[:n]), "oldest entries should have been dropped")
}

func TestPushConn_WriteInvokesCallback(t *testing.T) {
	var got []byte
	pc := newPushConn(func(b []byte) error {
		got = append([]byte{}, b...)
		return nil
	}, noopAddr{}, noopAddr{})

	n, err := pc.Write([]byte("payload"))
	require.NoError(t, err)
	require.Equal(t, 7, n)
	require.Equal(t, "payload", string(got))
}

func TestPushConn_WritePropagatesCallbackError(t *testing.T) {
	pc := newPushConn(func(b []byte) error { return fmt.Errorf("boom") }, noopAddr{}, noopAddr{})
	_, err := pc.Write([]byte("x"))
	require.Error(t, err)
}

func TestPushConn_CloseUnblocksRead(t *testing.T) {
	pc := newPushConn(func(b []byte) error { return nil }, noopAddr{}, noopAddr{})

	done := make(chan error, 1)
	go func() {
		_, err := pc.Read(make([]byte, 16))
		done <- err
	}()

	require.NoError(t, pc.Close())

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Read did not unblock after Close")
	}
}

func TestPushConn_CloseIsIdempotent(t *testing.T) {
	pc := newPushConn(func(b []byte) error { return nil }, noopAddr{}, noopAddr{})
	require.NoError(t, pc.Close())
	require.NoError(t, pc.Close())
}

func TestPushConn_AddrAndDeadlinesAreStubs(t *testing.T) {
	local, remote := noopAddr{}, noopAddr{}
	pc := newPushConn(func(b []byte) error { return nil }, local, remote)

	require.Equal(t, local, pc.LocalAddr())
	require.Equal(t, remote, pc.RemoteAddr())
	require.NoError(t, pc.SetDeadline(time.Now()))
	require.NoError(t, pc.SetReadDeadline(time.Now()))
	require.NoError(t, pc.SetWriteDeadline(time.Now()))
}
