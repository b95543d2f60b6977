package core

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/encodeous/arbor/state"
	"github.com/goccy/go-yaml"
	"golang.org/x/sync/errgroup"
)

const ipcTimeout = 5 * time.Second

// ControlSocket serves inspection and runtime commands on a local unix socket.
type ControlSocket struct {
	ln    net.Listener
	path  string
	group errgroup.Group
}

// inspectResult is what the inspect command prints.
type inspectResult struct {
	Tree   Snapshot   `yaml:"tree"`
	Links  []LinkInfo `yaml:"links"`
	Listen []string   `yaml:"listen"`
	Known  int        `yaml:"known_keys"`
}

func (c *ControlSocket) Init(s *state.State) error {
	if s.CtlPath == "" {
		return nil
	}
	// a socket left behind by a crashed node
	if _, err := os.Stat(s.CtlPath); err == nil {
		if conn, err := net.Dial("unix", s.CtlPath); err == nil {
			_ = conn.Close()
			return fmt.Errorf("control socket %s is in use, is another node running?", s.CtlPath)
		}
		_ = os.Remove(s.CtlPath)
	}
	ln, err := net.Listen("unix", s.CtlPath)
	if err != nil {
		return fmt.Errorf("control socket: %w", err)
	}
	c.ln, c.path = ln, s.CtlPath
	env := s.Env
	c.group.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if !isClosedErr(err) && env.Context.Err() == nil {
					env.Log.Warn("control socket accept failed", "error", err)
				}
				return nil
			}
			c.group.Go(func() error {
				defer conn.Close()
				if err := handleIPC(env, conn); err != nil {
					env.Log.Debug("control request failed", "error", err)
				}
				return nil
			})
		}
	})
	s.Log.Info("control socket listening", "path", s.CtlPath)
	return nil
}

func (c *ControlSocket) Cleanup(s *state.State) error {
	if c.ln == nil {
		return nil
	}
	err := c.ln.Close()
	_ = c.group.Wait()
	_ = os.Remove(c.path)
	if isClosedErr(err) {
		return nil
	}
	return err
}

func handleIPC(env *state.Env, conn net.Conn) error {
	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	_ = conn.SetReadDeadline(time.Now().Add(ipcTimeout))
	line, err := rw.ReadString('\n')
	if err != nil {
		return err
	}
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	if cmd == "trace" {
		return streamTrace(env, conn, rw.Writer)
	}

	res, err := env.DispatchWait(func(s *state.State) (any, error) {
		return handleIPCCommand(s, cmd, arg)
	})
	var out string
	if err != nil {
		out = "error: " + err.Error() + "\n"
	} else {
		out = res.(string)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(ipcTimeout))
	if _, err := rw.WriteString(out); err != nil {
		return err
	}
	if err := rw.WriteByte(0); err != nil {
		return err
	}
	return rw.Flush()
}

// handleIPCCommand runs on the main loop. Failures are reported to the client, not to the loop.
func handleIPCCommand(s *state.State, cmd, arg string) (any, error) {
	switch cmd {
	case "inspect":
		a := Get[*ArborRouter](s)
		m := Get[*LinkManager](s)
		out, err := yaml.Marshal(inspectResult{
			Tree:   a.Router.Snapshot(),
			Links:  m.Links(),
			Listen: m.ListenAddrs(),
			Known:  a.Book.Len(),
		})
		if err != nil {
			return "error: " + err.Error() + "\n", nil
		}
		return string(out), nil
	case "peer":
		u, err := state.ParsePeerURL(arg)
		if err != nil {
			return "error: " + err.Error() + "\n", nil
		}
		if Get[*LinkManager](s).AddPeer(u) {
			s.Log.Info("peer added over control socket", "url", u.String())
			return "added " + u.String() + "\n", nil
		}
		return "already known " + u.String() + "\n", nil
	default:
		return fmt.Sprintf("error: unknown command %q\n", cmd), nil
	}
}

func streamTrace(env *state.Env, conn net.Conn, w *bufio.Writer) error {
	type subscription struct {
		events <-chan TraceEvent
		sub    *traceSub
	}
	res, err := env.DispatchWait(func(s *state.State) (any, error) {
		events, sub := Get[*RouterTrace](s).Subscribe(256)
		return subscription{events, sub}, nil
	})
	if err != nil {
		return err
	}
	sub := res.(subscription)
	defer env.Dispatch(func(s *state.State) error {
		Get[*RouterTrace](s).Unsubscribe(sub.sub)
		return nil
	})

	// the client closing its end is the only way it stops the stream
	closed := make(chan struct{})
	go func() {
		_ = conn.SetReadDeadline(time.Time{})
		_, _ = io.Copy(io.Discard, conn)
		close(closed)
	}()
	defer func() {
		_ = conn.Close()
		<-closed
	}()

	for {
		select {
		case ev, ok := <-sub.events:
			if !ok {
				return nil
			}
			_ = conn.SetWriteDeadline(time.Now().Add(ipcTimeout))
			if _, err := w.WriteString(ev.String() + "\n"); err != nil {
				return err
			}
			if len(sub.events) == 0 {
				if err := w.Flush(); err != nil {
					return err
				}
			}
		case <-closed:
			return nil
		case <-env.Context.Done():
			return nil
		}
	}
}

// IPCGet runs a single command against the control socket of a running node.
func IPCGet(path, cmd string) (string, error) {
	conn, err := net.DialTimeout("unix", path, ipcTimeout)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(ipcTimeout * 2))
	rw := bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn))
	if _, err = rw.WriteString(cmd + "\n"); err != nil {
		return "", err
	}
	if err = rw.Flush(); err != nil {
		return "", err
	}
	res, err := rw.ReadString(0)
	if err != nil && err != io.EOF {
		return "", err
	}
	res = strings.TrimSuffix(res, "\x00")
	if strings.HasPrefix(res, "error: ") {
		return "", errors.New(strings.TrimSpace(strings.TrimPrefix(res, "error: ")))
	}
	return res, nil
}

// IPCTrace copies the router event stream of a running node to w until ctx is done.
func IPCTrace(ctx context.Context, path string, w io.Writer) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()
	if _, err := conn.Write([]byte("trace\n")); err != nil {
		return err
	}
	_, err = io.Copy(w, conn)
	if ctx.Err() != nil || isClosedErr(err) {
		return nil
	}
	return err
}
