package subtask

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"commissioner/internal/task"

	"github.com/pkg/errors"
)

// Status is the outcome of one action
type Status string

const (
	StatusSuccess Status = "Success"
	StatusFailure Status = "Failure"
	StatusSkipped Status = "Skipped"
)

// Result records what an action did
type Result struct {
	Status Status
	Output string
	Err    error
}

// Succeeded builds a success result
func Succeeded(output string) Result {
	return Result{Status: StatusSuccess, Output: output}
}

// Failed builds a failure result. A nil err is replaced by ErrActionFailure.
func Failed(err error, output string) Result {
	if err == nil {
		err = task.ErrActionFailure
	}
	return Result{Status: StatusFailure, Output: output, Err: err}
}

// Skipped builds a skipped result
func Skipped(reason string) Result {
	return Result{Status: StatusSkipped, Output: reason}
}

// Func performs the work of an action against its params snapshot
type Func func(ctx context.Context, params []byte) Result

// Action is a single executable step. It runs at most once.
type Action struct {
	name   string
	params []byte
	fn     Func

	once   sync.Once
	mu     sync.Mutex
	result Result
	done   bool
}

// NewAction creates an action holding a private copy of params
func NewAction(name string, params []byte, fn Func) *Action {
	snapshot := make([]byte, len(params))
	copy(snapshot, params)
	return &Action{name: name, params: snapshot, fn: fn}
}

// Params marshals v for use as an action params snapshot
func Params(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

// Name returns the action name
func (a *Action) Name() string {
	return a.name
}

// Params returns a copy of the params snapshot
func (a *Action) Params() []byte {
	out := make([]byte, len(a.params))
	copy(out, a.params)
	return out
}

// Run executes the action once. Later calls return the recorded result.
func (a *Action) Run(ctx context.Context) Result {
	a.once.Do(func() {
		res := a.invoke(ctx)
		if res.Status == StatusFailure && res.Err == nil {
			res.Err = task.ErrActionFailure
		}
		a.mu.Lock()
		a.result = res
		a.done = true
		a.mu.Unlock()
	})
	r, _ := a.Result()
	return r
}

func (a *Action) invoke(ctx context.Context) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Failed(errors.Errorf("action %s panicked: %v", a.name, r), fmt.Sprint(r))
		}
	}()
	if a.fn == nil {
		return Failed(errors.Errorf("action %s has no function", a.name), "")
	}
	return a.fn(ctx, a.Params())
}

// Result returns the recorded result and whether the action has run
func (a *Action) Result() (Result, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.result, a.done
}
