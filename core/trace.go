package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-broadcast"
	"github.com/encodeous/arbor/state"
)

// TraceEvent is a router event as seen by trace subscribers.
type TraceEvent struct {
	Time  time.Time
	Event RouterEvent
	Desc  string
	// key=value pairs, rendered on the main loop
	Attrs string
}

func (e TraceEvent) String() string {
	sb := strings.Builder{}
	sb.WriteString(e.Time.Format("15:04:05.000"))
	sb.WriteString(" ")
	sb.WriteString(e.Event.String())
	if e.Desc != "" {
		sb.WriteString(" ")
		sb.WriteString(e.Desc)
	}
	if e.Attrs != "" {
		sb.WriteString(" ")
		sb.WriteString(e.Attrs)
	}
	return sb.String()
}

// RouterTrace fans router events out to live subscribers, such as the control socket. It is
// owned by the main loop.
type RouterTrace struct {
	broadcast.Broadcaster
	subs   map[*traceSub]struct{}
	closed bool
}

type traceSub struct {
	in   chan any
	done chan struct{}
}

func (n *RouterTrace) Init(s *state.State) error {
	n.Broadcaster = broadcast.NewBroadcaster(1024)
	n.subs = make(map[*traceSub]struct{})
	return nil
}

func (n *RouterTrace) Cleanup(s *state.State) error {
	if n.closed {
		return nil
	}
	n.closed = true
	err := n.Broadcaster.Close()
	for sub := range n.subs {
		close(sub.done)
	}
	n.subs = nil
	return err
}

// Publish hands an event to the subscribers, if there are any.
func (n *RouterTrace) Publish(t time.Time, event RouterEvent, desc string, args ...any) {
	if n.closed || len(n.subs) == 0 {
		return
	}
	attrs := make([]string, 0, len(args)/2)
	for i := 0; i+1 < len(args); i += 2 {
		attrs = append(attrs, fmt.Sprintf("%v=%v", args[i], args[i+1]))
	}
	n.Submit(TraceEvent{Time: t, Event: event, Desc: desc, Attrs: strings.Join(attrs, " ")})
}

// Subscribe returns a channel of events that never blocks the publisher. Events are dropped
// when the subscriber falls more than depth events behind. The channel is closed after
// Unsubscribe or shutdown.
func (n *RouterTrace) Subscribe(depth int) (<-chan TraceEvent, *traceSub) {
	sub := &traceSub{in: make(chan any), done: make(chan struct{})}
	out := make(chan TraceEvent, depth)
	if n.closed {
		close(out)
		return out, sub
	}
	n.subs[sub] = struct{}{}
	n.Register(sub.in)
	go func() {
		defer close(out)
		for {
			select {
			case m := <-sub.in:
				ev, ok := m.(TraceEvent)
				if !ok {
					continue
				}
				select {
				case out <- ev:
				default:
				}
			case <-sub.done:
				return
			}
		}
	}()
	return out, sub
}

func (n *RouterTrace) Unsubscribe(sub *traceSub) {
	if _, ok := n.subs[sub]; !ok {
		return
	}
	delete(n.subs, sub)
	// the relay keeps draining until the broadcaster has forgotten it
	n.Unregister(sub.in)
	close(sub.done)
}
