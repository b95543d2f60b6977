package state

import (
	"fmt"
	"time"
)

// Task is a pending callback that can be cancelled.
type Task interface {
	Stop() bool
}

// Scheduler runs one-shot callbacks on the node's event loop.
type Scheduler interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Task
}

// Dispatch Dispatches the function to run on the main thread without waiting for it to complete
func (e *Env) Dispatch(fun func(*State) error) {
	defer func() {
		if r := recover(); r != nil {
			e.Cancel(fmt.Errorf("panic: %v", r))
		}
	}()
	select {
	case e.DispatchChannel <- fun:
	case <-e.Context.Done():
	}
}

type result struct {
	val any
	err error
}

// DispatchWait Dispatches the function to run on the main thread and wait for it to complete
func (e *Env) DispatchWait(fun func(*State) (any, error)) (any, error) {
	ret := make(chan result, 1)
	e.Dispatch(func(s *State) error {
		res, err := fun(s)
		ret <- result{res, err}
		return err
	})
	select {
	case res := <-ret:
		return res.val, res.err
	case <-e.Context.Done():
		return nil, e.Context.Err()
	}
}

func (e *Env) Now() time.Time {
	return e.Clock.Now()
}

// AfterFunc schedules fn on the main thread after d.
func (e *Env) AfterFunc(d time.Duration, fn func()) Task {
	return e.Clock.AfterFunc(d, func() {
		e.Dispatch(func(s *State) error {
			fn()
			return nil
		})
	})
}

func (e *Env) ScheduleTask(fun func(*State) error, delay time.Duration) {
	e.Clock.AfterFunc(delay, func() {
		e.Dispatch(fun)
	})
}

func (e *Env) repeatedTask(fun func(*State) error, delay time.Duration) {
	ticker := e.Clock.Ticker(delay)
	defer ticker.Stop()
	for {
		e.Dispatch(fun)
		select {
		case <-ticker.C:
		case <-e.Context.Done():
			return
		}
	}
}

func (e *Env) RepeatTask(fun func(*State) error, delay time.Duration) {
	go e.repeatedTask(fun, delay)
}
