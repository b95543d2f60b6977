package core

import (
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/encodeous/arbor/state"
	"github.com/goccy/go-yaml"
)

type TrafficHandler func(source state.PublicKey, payload []byte)

// ArborRouter hosts the Router on the main loop and connects it to logging, the address book
// and local traffic consumers.
type ArborRouter struct {
	Router   *Router
	Book     *AddressBook
	log      *slog.Logger
	env      *state.Env
	trace    *RouterTrace
	handlers []TrafficHandler
}

func (a *ArborRouter) Init(s *state.State) error {
	s.Log.Debug("init router")
	a.log = s.Log
	a.env = s.Env
	a.trace = Get[*RouterTrace](s)
	a.Book = NewAddressBook()
	a.Router = NewRouter(s.Key, s.Env, a)
	a.Router.OnTraffic = a.deliver

	pub := s.PublicKey()
	s.Log.Info("node identity", "key", pub.String(), "address", state.AddrForKey(pub), "subnet", state.SubnetForKey(pub))

	s.RepeatTask(refreshAddresses, state.AddressRefreshDelay)
	if s.DumpTree {
		s.RepeatTask(dumpTree, state.TreeDumpDelay)
	}
	return nil
}

func (a *ArborRouter) Cleanup(s *state.State) error {
	a.handlers = nil
	return nil
}

// Log receives router events. Everything the router reports is protocol chatter, so it all
// goes to debug and to trace subscribers.
func (a *ArborRouter) Log(event RouterEvent, desc string, args ...any) {
	a.log.Debug(fmt.Sprintf("%s %s", event, desc), args...)
	a.trace.Publish(a.env.Now(), event, desc, args...)
}

// Subscribe registers fn to receive traffic addressed to this node.
func (a *ArborRouter) Subscribe(fn TrafficHandler) {
	a.handlers = append(a.handlers, fn)
}

func (a *ArborRouter) deliver(source state.PublicKey, payload []byte) {
	for _, h := range a.handlers {
		h(source, payload)
	}
}

// SendToAddr routes payload to the owner of an overlay address or subnet.
func (a *ArborRouter) SendToAddr(dst netip.Addr, payload []byte) error {
	key, ok := a.Book.Lookup(dst)
	if !ok {
		return fmt.Errorf("no known key for %s", dst)
	}
	return a.Router.SendTraffic(key, payload)
}

func refreshAddresses(s *state.State) error {
	a := Get[*ArborRouter](s)
	added, removed := a.Book.Sync(a.Router.KnownKeys())
	if added != 0 || removed != 0 {
		s.Log.Debug("address book updated", "added", added, "removed", removed, "size", a.Book.Len())
	}
	return nil
}

func dumpTree(s *state.State) error {
	snap := Get[*ArborRouter](s).Router.Snapshot()
	out, err := yaml.Marshal(snap)
	if err != nil {
		return err
	}
	s.Log.Info("tree state\n" + string(out))
	return nil
}
