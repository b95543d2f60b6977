package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path"
	"reflect"
	"runtime"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/encodeous/arbor/perf"
	"github.com/encodeous/arbor/state"
	"github.com/encodeous/tint"
	slogmulti "github.com/samber/slog-multi"
)

func newLogger(cfg *state.LocalCfg, prefix string, logLevel slog.Level) (*slog.Logger, func(), error) {
	handlers := []slog.Handler{
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:        logLevel,
			AddSource:    false,
			CustomPrefix: prefix,
			ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
				if attr.Key == "time" {
					return slog.Attr{}
				}
				return attr
			},
		}),
	}
	closer := func() {}
	if cfg.LogPath != "" {
		err := os.MkdirAll(path.Dir(cfg.LogPath), 0700)
		if err != nil {
			return nil, nil, err
		}
		f, err := os.OpenFile(cfg.LogPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0600)
		if err != nil {
			return nil, nil, err
		}
		handlers = append(handlers, slog.NewTextHandler(f, &slog.HandlerOptions{Level: logLevel}))
		closer = func() { _ = f.Close() }
	}
	return slog.New(slogmulti.Fanout(handlers...)), closer, nil
}

// Launch initializes a node and runs its main loop in the background. The returned channel
// yields the loop's result once the node has stopped.
func Launch(ctx context.Context, cfg state.LocalCfg, logLevel slog.Level) (*state.State, <-chan error, error) {
	key, err := cfg.ResolveKey()
	if err != nil {
		return nil, nil, err
	}
	logger, closeLog, err := newLogger(&cfg, key.Public().Short(), logLevel)
	if err != nil {
		return nil, nil, err
	}
	ctx, cancel := context.WithCancelCause(ctx)

	dispatch := make(chan func(env *state.State) error, 128)
	s := &state.State{
		Modules: make(map[string]state.NyModule),
		Env: &state.Env{
			Context:         ctx,
			Cancel:          cancel,
			DispatchChannel: dispatch,
			LocalCfg:        cfg,
			Key:             key,
			Log:             logger,
			Clock:           clock.New(),
		},
	}

	s.Log.Info("init modules")
	if err = initModules(s); err != nil {
		Stop(s)
		closeLog()
		return nil, nil, err
	}
	s.Log.Info("init modules complete")

	done := make(chan error, 1)
	go func() {
		defer closeLog()
		done <- MainLoop(s, dispatch)
	}()
	return s, done, nil
}

// Start runs a node until ctx is cancelled, a signal is received or a module fails.
func Start(ctx context.Context, cfg state.LocalCfg, logLevel slog.Level) error {
	s, done, err := Launch(ctx, cfg, logLevel)
	if err != nil {
		return err
	}
	s.Log.Info("Arbor has been initialized. To gracefully exit, send SIGINT or Ctrl+C.")

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(c)
	select {
	case <-c:
		s.Cancel(errors.New("received shutdown signal"))
		return <-done
	case err := <-done:
		return err
	}
}

func initModules(s *state.State) error {
	var modules []state.NyModule
	modules = append(modules, &RouterTrace{})
	modules = append(modules, &ArborRouter{})
	modules = append(modules, &LinkManager{})
	modules = append(modules, &Multicast{})
	modules = append(modules, &ControlSocket{})

	for _, module := range modules {
		s.Modules[reflect.TypeOf(module).String()] = module
		if err := module.Init(s); err != nil {
			return fmt.Errorf("init %T: %w", module, err)
		}
	}
	return nil
}

func MainLoop(s *state.State, dispatch <-chan func(*state.State) error) error {
	s.Log.Debug("started main loop")
	s.Started.Store(true)
	var loopErr error
	for {
		select {
		case fun := <-dispatch:
			start := time.Now()
			err := fun(s)
			if err != nil {
				s.Log.Error("error occurred during dispatch: ", "error", err)
				loopErr = err
				s.Cancel(err)
			}
			elapsed := time.Since(start)
			perf.DispatchLatency.Add(float64(elapsed.Microseconds()))
			if elapsed > time.Millisecond*4 {
				s.Log.Warn("dispatch took a long time!", "fun", runtime.FuncForPC(reflect.ValueOf(fun).Pointer()).Name(), "elapsed", elapsed, "len", len(dispatch))
			}
		case <-s.Context.Done():
			goto endLoop
		}
	}
endLoop:
	s.Log.Info("stopped main loop", "reason", context.Cause(s.Context).Error())
	Stop(s)
	return loopErr
}

func Stop(s *state.State) {
	if s.Stopping.Swap(true) {
		return // don't stop twice
	}
	// pending dispatches observe the cancelled context and are dropped
	s.Cancel(context.Canceled)
	s.Log.Info("cleaning up modules")
	for moduleName, module := range s.Modules {
		err := module.Cleanup(s)
		if err != nil {
			s.Log.Error("error occurred during Stop: ", "module", moduleName, "error", err)
		}
	}
	s.Log.Info("stopped")
}
