package callmetrics

import (
	"errors"
	"reflect"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Result carries either the value returned by an instrumented function or
// the failure it produced.
type Result[T any] struct {
	Value T
	Err   error
}

// Failed reports whether the invocation failed
func (r Result[T]) Failed() bool {
	return r.Err != nil
}

// Panicked reports whether the failure was a recovered panic
func (r Result[T]) Panicked() bool {
	var pe *PanicError
	return errors.As(r.Err, &pe)
}

// Instrumented is anything that can be invoked under measurement
type Instrumented interface {
	FunctionName() string
	Invoke() (any, error)
}

// Call invokes fn under measurement and records the outcome against name.
// A returned error or a panic counts as a failure; both are captured in the
// Result and never propagated further. Elapsed time and the persistence
// snapshot are recorded whatever the outcome.
func Call[T any](c *Collector, name string, fn func() (T, error)) (res Result[T]) {
	if name == "" {
		name = NameOf(fn)
	}

	start := time.Now()
	c.table.RecordCall(name)

	defer func() {
		if r := recover(); r != nil {
			var zero T
			res = Result[T]{Value: zero, Err: &PanicError{Function: name, Value: r}}
		}
		c.finish(name, time.Since(start), res.Err)
	}()

	value, err := fn()
	return Result[T]{Value: value, Err: err}
}

// Wrap returns a function that calls fn under measurement. Failures are
// absorbed: the wrapped function returns the zero value of T instead.
func Wrap[T any](c *Collector, name string, fn func() (T, error)) func() T {
	if name == "" {
		name = NameOf(fn)
	}
	return func() T {
		return Call(c, name, fn).Value
	}
}

// WrapResult returns a function that calls fn under measurement and hands
// back the full Result, so the caller decides how to surface a failure.
func WrapResult[T any](c *Collector, name string, fn func() (T, error)) func() Result[T] {
	if name == "" {
		name = NameOf(fn)
	}
	return func() Result[T] {
		return Call(c, name, fn)
	}
}

// WrapFunc is Wrap for single-argument functions
func WrapFunc[A, T any](c *Collector, name string, fn func(A) (T, error)) func(A) T {
	if name == "" {
		name = NameOf(fn)
	}
	return func(arg A) T {
		return Call(c, name, func() (T, error) { return fn(arg) }).Value
	}
}

// Run calls fn under measurement and returns its failure, if any
func Run(c *Collector, name string, fn func() error) error {
	if name == "" {
		name = NameOf(fn)
	}
	return Call(c, name, func() (struct{}, error) {
		return struct{}{}, fn()
	}).Err
}

// Invoke calls i under measurement, recording against i.FunctionName()
func (c *Collector) Invoke(i Instrumented) Result[any] {
	return Call(c, i.FunctionName(), i.Invoke)
}

// finish records the end of one invocation and hands the resulting snapshot
// to the persistence queue while the entry is still locked, so the worker
// sees snapshots of a function in the order they were taken. Enqueue
// failures are counted and logged only.
func (c *Collector) finish(name string, elapsed time.Duration, callErr error) {
	failed := callErr != nil
	var enqueueErr error
	c.table.finish(name, elapsed, failed, func(snap Snapshot) {
		enqueueErr = c.queue.Enqueue(snap)
	})

	if failed {
		c.logger.Debug("instrumented call failed",
			zap.String("function", name),
			zap.Duration("elapsed", elapsed),
			zap.Error(callErr))
	}

	if enqueueErr != nil {
		c.logger.Warn("snapshot not queued for persistence",
			zap.String("function", name),
			zap.Error(enqueueErr))
	}

	c.hook.EmitCall(name, elapsed, failed)
}

// NameOf returns the short name of a function value, e.g. "main.work" for
// a package-level function work in package main.
func NameOf(fn any) string {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func || v.IsNil() {
		return "unknown"
	}
	f := runtime.FuncForPC(v.Pointer())
	if f == nil {
		return "unknown"
	}
	full := f.Name()
	if i := strings.LastIndex(full, "/"); i >= 0 {
		full = full[i+1:]
	}
	return full
}
