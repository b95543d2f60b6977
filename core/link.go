package core

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/encodeous/arbor/perf"
	"github.com/encodeous/arbor/protocol"
	"github.com/encodeous/arbor/state"
	"github.com/google/uuid"
)

// link is an authenticated session with a remote node. It implements Peer.
type link struct {
	id     uuid.UUID
	port   state.PeerPort
	remote state.PublicKey
	addr   string
	url    *state.PeerURL // nil for inbound links
	conn   *secureConn
	sendCh chan []byte
	// heartbeat is how often an idle writer sends an empty message, idle how long the reader
	// waits for anything before giving up on the peer.
	heartbeat time.Duration
	idle      time.Duration
	ctx       context.Context
	cancel context.CancelFunc
	once   sync.Once
}

func newLink(ctx context.Context, port state.PeerPort, conn *secureConn, addr string, url *state.PeerURL) *link {
	l := &link{
		id:     uuid.New(),
		port:   port,
		remote: conn.remote,
		addr:   addr,
		url:    url,
		conn:   conn,
		sendCh: make(chan []byte, state.LinkSendQueue),
	}
	timeout := state.DefaultPeerTimeout
	if url != nil && url.Timeout > 0 {
		timeout = url.Timeout
	}
	// peers never heartbeat less often than 2/3 of the default
	l.heartbeat = min(timeout, state.DefaultPeerTimeout) * 2 / 3
	l.idle = max(timeout, state.LinkIdleTimeout)
	l.ctx, l.cancel = context.WithCancel(ctx)
	return l
}

func (l *link) Port() state.PeerPort {
	return l.port
}

func (l *link) RemoteKey() state.PublicKey {
	return l.remote
}

// Send encodes msg on the caller's goroutine and queues it for the writer. When the queue is
// full, or msg does not fit in a frame, the message is dropped.
func (l *link) Send(msg state.Message) {
	b := protocol.Marshal(msg)
	if len(b) > state.MaxFrameSize {
		perf.DroppedMessages.Add(1)
		return
	}
	select {
	case l.sendCh <- b:
	case <-l.ctx.Done():
	default:
		perf.DroppedMessages.Add(1)
	}
}

// run pumps the link until it fails or ctx is cancelled. onMsg is called from the reader
// goroutine; onClose runs once.
func (l *link) run(log func(msg string, args ...any), onMsg func(state.Message), onClose func(err error)) {
	var wg sync.WaitGroup
	wg.Add(2)
	fail := func(err error) {
		l.once.Do(func() {
			l.cancel()
			_ = l.conn.Close()
			if !isClosedErr(err) {
				log("link closed", "port", l.port, "id", l.id, "remote", l.remote.Short(), "error", err)
			}
			onClose(err)
		})
	}
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(l.heartbeat)
		defer ticker.Stop()
		wrote := false
		for {
			select {
			case <-l.ctx.Done():
				fail(context.Cause(l.ctx))
				return
			case <-ticker.C:
				if wrote {
					wrote = false
					continue
				}
				if err := l.conn.WriteMsg(nil); err != nil {
					fail(err)
					return
				}
			case b := <-l.sendCh:
				if err := l.conn.WriteMsg(b); err != nil {
					fail(err)
					return
				}
				wrote = true
				perf.SentMsgPerSecond.Add(1)
				perf.SentBytesPerSecond.Add(float64(len(b)))
			}
		}
	}()
	go func() {
		defer wg.Done()
		rd, _ := l.conn.rw.(readDeadliner)
		for {
			if rd != nil {
				_ = rd.SetReadDeadline(time.Now().Add(l.idle))
			}
			b, err := l.conn.ReadMsg()
			if err != nil {
				fail(err)
				return
			}
			if len(b) == 0 {
				// heartbeat
				continue
			}
			perf.RecvMsgPerSecond.Add(1)
			perf.RecvBytesPerSecond.Add(float64(len(b)))
			msg, err := protocol.Unmarshal(b)
			if err != nil {
				// the frame decrypted fine, so only this message is lost
				perf.InvalidMessages.Add(1)
				log("dropped undecodable message", "port", l.port, "remote", l.remote.Short(), "error", err)
				continue
			}
			onMsg(msg)
		}
	}()
	wg.Wait()
}

func (l *link) Close() {
	l.cancel()
}

func isClosedErr(err error) bool {
	return err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, context.Canceled)
}
