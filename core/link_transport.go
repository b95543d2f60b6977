package core

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/encodeous/arbor/state"
)

// transport opens raw byte streams for one peer url scheme.
type transport interface {
	Dial(ctx context.Context, u *state.PeerURL) (io.ReadWriteCloser, error)
	Listen(ctx context.Context, u *state.PeerURL) (linkListener, error)
}

type linkListener interface {
	// Accept returns the next inbound stream and a printable remote address.
	Accept(ctx context.Context) (io.ReadWriteCloser, string, error)
	Close() error
	Addr() net.Addr
}

func transportFor(key state.PrivateKey, scheme string) (transport, error) {
	switch scheme {
	case "tcp", "unix":
		return streamTransport{network: scheme}, nil
	case "quic":
		return newQuicTransport(key)
	}
	return nil, fmt.Errorf("unsupported scheme %q", scheme)
}

// streamTransport covers the net.Conn based schemes.
type streamTransport struct {
	network string
}

func (t streamTransport) Dial(ctx context.Context, u *state.PeerURL) (io.ReadWriteCloser, error) {
	d := net.Dialer{Timeout: state.HandshakeTimeout}
	return d.DialContext(ctx, t.network, u.Address())
}

func (t streamTransport) Listen(ctx context.Context, u *state.PeerURL) (linkListener, error) {
	if t.network == "unix" {
		// a stale socket from a previous run blocks the bind
		if err := os.Remove(u.Address()); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, t.network, u.Address())
	if err != nil {
		return nil, err
	}
	return netListener{ln}, nil
}

type netListener struct {
	net.Listener
}

func (l netListener) Accept(context.Context) (io.ReadWriteCloser, string, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, "", err
	}
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return c, c.RemoteAddr().String(), nil
}
