package state

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/benbjohnson/clock"
)

type NyModule interface {
	Init(s *State) error
	Cleanup(s *State) error
}

// State access must be done only on a single Goroutine
type State struct {
	*Env
	Modules map[string]NyModule
}

// Env can be read from any Goroutine
type Env struct {
	DispatchChannel chan<- func(s *State) error
	LocalCfg
	Key      PrivateKey
	Context  context.Context
	Cancel   context.CancelCauseFunc
	Log      *slog.Logger
	Clock    clock.Clock
	Started  atomic.Bool
	Stopping atomic.Bool
}

func (e *Env) PublicKey() PublicKey {
	return e.Key.Public()
}
