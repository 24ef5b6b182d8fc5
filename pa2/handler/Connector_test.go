package handler

import (
	"bufio"
	"context"
	"io"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"pa2-control/pa2"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDevice は TCP で待ち受ける機器役。接続ごとに handle を呼ぶ
type fakeDevice struct {
	listener net.Listener
	wg       sync.WaitGroup
}

func startFakeDevice(t *testing.T, handle func(conn net.Conn, r *bufio.Reader)) (*fakeDevice, Device) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	f := &fakeDevice{listener: ln}
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			f.wg.Add(1)
			go func() {
				defer f.wg.Done()
				defer conn.Close()
				handle(conn, bufio.NewReader(conn))
			}()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
	})

	addr := ln.Addr().(*net.TCPAddr)
	return f, Device{IP: addr.IP, Port: addr.Port}
}

// acceptLogin は認証行を読んで成功を返す
func acceptLogin(t *testing.T, conn net.Conn, r *bufio.Reader) bool {
	line, err := r.ReadString('\n')
	if err != nil {
		return false
	}
	assert.Equal(t, "connect administrator \"administrator\"\n", line)
	_, err = conn.Write([]byte("connect logged in as administrator\n"))
	return err == nil
}

type stateRecorder struct {
	mu     sync.Mutex
	states []ConnectionState
}

func (r *stateRecorder) record(state ConnectionState, _ Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func (r *stateRecorder) get() []ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ConnectionState(nil), r.states...)
}

func TestConnector_HandshakeSuccess(t *testing.T) {
	_, device := startFakeDevice(t, func(conn net.Conn, r *bufio.Reader) {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		assert.Equal(t, "connect admin \"secret\"\n", line)
		// バナーは読み捨てられ、成功行の後のデータは Transport から読める
		_, _ = conn.Write([]byte("HiQnet Console\nconnect logged in as admin\nsubr \"\\\\A\" \"1\"\n"))
		_, _ = io.Copy(io.Discard, r)
	})

	states := &stateRecorder{}
	c := NewConnector(ConnectorOptions{})
	c.OnStateChange(states.record)

	transport, err := c.Connect(context.Background(), device, Credentials{Username: "admin", Password: "secret"})
	require.NoError(t, err)
	assert.Equal(t, StateConnected, c.State())
	assert.Equal(t, device, transport.Device())

	rest, err := bufio.NewReader(transport).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "subr \"\\\\A\" \"1\"\n", rest)

	require.NoError(t, transport.Close())
	assert.NoError(t, transport.Close())
	assert.Equal(t, []ConnectionState{StateConnecting, StateAuthenticating, StateConnected, StateDisconnected}, states.get())
}

func TestConnector_AuthRejected(t *testing.T) {
	_, device := startFakeDevice(t, func(conn net.Conn, r *bufio.Reader) {
		_, _ = r.ReadString('\n')
		_, _ = conn.Write([]byte("error could not connect: invalid password\n"))
		_, _ = io.Copy(io.Discard, r)
	})

	c := NewConnector(ConnectorOptions{})
	_, err := c.Connect(context.Background(), device, DefaultCredentials())

	var authErr *pa2.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "error could not connect: invalid password", authErr.Reason)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestConnector_ClosedDuringHandshake(t *testing.T) {
	_, device := startFakeDevice(t, func(conn net.Conn, r *bufio.Reader) {
		_, _ = r.ReadString('\n')
	})

	c := NewConnector(ConnectorOptions{})
	_, err := c.Connect(context.Background(), device, DefaultCredentials())

	var te *pa2.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "handshake", te.Op)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestConnector_HandshakeTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	_, device := startFakeDevice(t, func(conn net.Conn, r *bufio.Reader) {
		_, _ = r.ReadString('\n')
		<-release
	})

	c := NewConnector(ConnectorOptions{HandshakeTimeout: 50 * time.Millisecond})
	_, err := c.Connect(context.Background(), device, DefaultCredentials())
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestConnector_ContextCancelDuringHandshake(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	_, device := startFakeDevice(t, func(conn net.Conn, r *bufio.Reader) {
		_, _ = r.ReadString('\n')
		<-release
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	c := NewConnector(ConnectorOptions{})
	_, err := c.Connect(ctx, device, DefaultCredentials())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConnector_DialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	require.NoError(t, ln.Close())

	c := NewConnector(ConnectorOptions{})
	_, err = c.Connect(context.Background(), Device{IP: addr.IP, Port: addr.Port}, DefaultCredentials())

	var te *pa2.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "dial", te.Op)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestConnector_InvalidCredentials(t *testing.T) {
	c := NewConnector(ConnectorOptions{})
	_, err := c.Connect(context.Background(), Device{IP: net.IPv4(127, 0, 0, 1), Port: 1}, Credentials{Username: "a b", Password: "x"})
	assert.Error(t, err)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestConnector_NewConnectDestroysPrevious(t *testing.T) {
	closed := make(chan struct{}, 2)
	_, device := startFakeDevice(t, func(conn net.Conn, r *bufio.Reader) {
		if !acceptLogin(t, conn, r) {
			return
		}
		_, _ = io.Copy(io.Discard, r)
		closed <- struct{}{}
	})

	c := NewConnector(ConnectorOptions{})
	first, err := c.Connect(context.Background(), device, DefaultCredentials())
	require.NoError(t, err)

	second, err := c.Connect(context.Background(), device, DefaultCredentials())
	require.NoError(t, err)
	defer second.Close()

	// 最初の接続は機器側から見て閉じられている
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("previous connection was not closed")
	}

	// 古い Transport の Close は新しい接続の状態を変えない
	_ = first.Close()
	assert.Equal(t, StateConnected, c.State())

	c.Disconnect()
	assert.Equal(t, StateDisconnected, c.State())
}

func TestConnectionState_String(t *testing.T) {
	assert.Equal(t, "authenticating", StateAuthenticating.String())
	assert.Equal(t, "ConnectionState(42)", ConnectionState(42).String())
}
