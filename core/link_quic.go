package core

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"io"
	"math/big"
	"time"

	"github.com/encodeous/arbor/state"
	"github.com/quic-go/quic-go"
)

const quicALPN = "arbor"

var quicConfig = &quic.Config{
	KeepAlivePeriod: 15 * time.Second,
	MaxIdleTimeout:  time.Minute,
}

// quicTransport runs each link on the first stream of its own QUIC connection. The TLS layer
// only provides transport encryption, peers are authenticated by the noise handshake on top.
type quicTransport struct {
	cert tls.Certificate
}

func newQuicTransport(key state.PrivateKey) (*quicTransport, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber: serial,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{key.Public().Short() + ".arbor"},
	}
	priv := key.Std()
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, priv.Public(), priv)
	if err != nil {
		return nil, err
	}
	return &quicTransport{cert: tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}}, nil
}

func (t *quicTransport) Dial(ctx context.Context, u *state.PeerURL) (io.ReadWriteCloser, error) {
	ctx, cancel := context.WithTimeout(ctx, state.HandshakeTimeout)
	defer cancel()
	conn, err := quic.DialAddr(ctx, u.Address(), &tls.Config{
		InsecureSkipVerify: true,
		ServerName:         u.SNI,
		NextProtos:         []string{quicALPN},
		Certificates:       []tls.Certificate{t.cert},
	}, quicConfig)
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, err
	}
	return &quicStream{Stream: stream, conn: conn}, nil
}

func (t *quicTransport) Listen(_ context.Context, u *state.PeerURL) (linkListener, error) {
	ln, err := quic.ListenAddr(u.Address(), &tls.Config{
		Certificates: []tls.Certificate{t.cert},
		NextProtos:   []string{quicALPN},
	}, quicConfig)
	if err != nil {
		return nil, err
	}
	return quicListener{ln}, nil
}

type quicListener struct {
	*quic.Listener
}

func (l quicListener) Accept(ctx context.Context) (io.ReadWriteCloser, string, error) {
	for {
		conn, err := l.Listener.Accept(ctx)
		if err != nil {
			return nil, "", err
		}
		sctx, cancel := context.WithTimeout(ctx, state.HandshakeTimeout)
		stream, err := conn.AcceptStream(sctx)
		cancel()
		if err != nil {
			_ = conn.CloseWithError(0, "no stream")
			if ctx.Err() != nil {
				return nil, "", ctx.Err()
			}
			continue
		}
		return &quicStream{Stream: stream, conn: conn}, conn.RemoteAddr().String(), nil
	}
}

// quicStream owns its connection.
type quicStream struct {
	*quic.Stream
	conn *quic.Conn
}

func (s *quicStream) Close() error {
	_ = s.Stream.Close()
	return s.conn.CloseWithError(0, "")
}
