package kernel

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kl-kernel/kl/pkg/descriptor"
	"github.com/kl-kernel/kl/pkg/envelope"
	"github.com/kl-kernel/kl/pkg/pdp"
	"github.com/kl-kernel/kl/pkg/runtime/sandbox"
	"github.com/kl-kernel/kl/pkg/task"
)

func newKernel(t *testing.T, cfg Config) *Kernel {
	t.Helper()
	k, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = k.Close(context.Background()) })
	return k
}

func mathAdd() descriptor.Descriptor {
	return descriptor.New("math.add", "math", descriptor.EffectPure)
}

func TestExecuteSuccess(t *testing.T) {
	k := newKernel(t, Config{})
	add := task.Named("add", func(context.Context, task.Args) (any, error) { return 3 + 4, nil })

	tr, err := k.Execute(context.Background(), mathAdd(), add, nil)
	require.NoError(t, err)
	assert.True(t, tr.Success)
	assert.Equal(t, 7, tr.Output)
	assert.Empty(t, tr.Error)
	assert.Equal(t, sandbox.ModeNone, tr.Metadata[MetadataIsolation])
	assert.GreaterOrEqual(t, tr.RuntimeMs, 0.0)
	assert.False(t, tr.FinishedAt.Before(tr.StartedAt))
}

func TestExecuteArgs(t *testing.T) {
	k := newKernel(t, Config{})
	echo := task.Named("echo", func(_ context.Context, args task.Args) (any, error) {
		return args["text"], nil
	})
	tr, err := k.Execute(context.Background(), mathAdd(), echo, task.Args{"text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", tr.Output)
}

func TestExecuteTaskErrorIsData(t *testing.T) {
	k := newKernel(t, Config{})
	fail := task.Named("fail", func(context.Context, task.Args) (any, error) {
		return "ignored", errors.New("division by zero")
	})

	tr, err := k.Execute(context.Background(), mathAdd(), fail, nil)
	require.NoError(t, err)
	assert.False(t, tr.Success)
	assert.Nil(t, tr.Output)
	assert.Equal(t, "TaskError: division by zero", tr.Error)
}

func TestExecutePanicIsData(t *testing.T) {
	k := newKernel(t, Config{})
	boom := task.Named("boom", func(context.Context, task.Args) (any, error) {
		var m map[string]int
		m["x"] = 1
		return nil, nil
	})

	tr, err := k.Execute(context.Background(), mathAdd(), boom, nil)
	require.NoError(t, err)
	assert.False(t, tr.Success)
	assert.True(t, strings.HasPrefix(tr.Error, "PanicError: "), tr.Error)
}

func TestExecuteRuntimeTracksSleep(t *testing.T) {
	k := newKernel(t, Config{})
	nap := task.Named("nap", func(context.Context, task.Args) (any, error) {
		time.Sleep(10 * time.Millisecond)
		return nil, nil
	})
	tr, err := k.Execute(context.Background(), mathAdd(), nap, nil)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, tr.RuntimeMs, 10.0)
}

func TestExecuteDefaultEnvelope(t *testing.T) {
	k := newKernel(t, Config{DefaultVersion: "2.0"})
	tr, err := k.Execute(context.Background(), mathAdd(), addTask, nil)
	require.NoError(t, err)
	assert.Equal(t, "2.0", tr.Envelope.Version)
	assert.Equal(t, mathAdd(), tr.Envelope.Descriptor)
	assert.NotEmpty(t, tr.Envelope.EnvelopeID)
}

func TestExecutePassesThrough(t *testing.T) {
	k := newKernel(t, Config{})
	env := envelope.New(mathAdd(), "1.0", envelope.WithID("env-1"))
	dec := pdp.Allow("p", "ok")

	tr, err := k.Execute(context.Background(), mathAdd(), addTask, nil,
		WithEnvelope(env),
		WithParentTraceID("parent-1"),
		WithPolicyDecisions(dec),
		WithMetadata(map[string]any{"k": "v"}),
	)
	require.NoError(t, err)
	assert.Equal(t, env, tr.Envelope)
	assert.Equal(t, "parent-1", tr.ParentTraceID)
	assert.Equal(t, []pdp.Decision{dec}, tr.PolicyDecisions)
	assert.Equal(t, "v", tr.Metadata["k"])
}

func TestExecuteEmptyCollections(t *testing.T) {
	k := newKernel(t, Config{})
	tr, err := k.Execute(context.Background(), mathAdd(), addTask, nil)
	require.NoError(t, err)
	assert.NotNil(t, tr.PolicyDecisions)
	assert.Empty(t, tr.PolicyDecisions)
	assert.NotNil(t, tr.Metadata)
}

func TestExecuteRejectsMalformedCalls(t *testing.T) {
	k := newKernel(t, Config{})

	_, err := k.Execute(context.Background(), mathAdd(), addTask, nil, WithTimeout(0))
	require.ErrorIs(t, err, ErrInvalidTimeout)
	_, err = k.Execute(context.Background(), mathAdd(), addTask, nil, WithTimeout(-time.Second))
	require.ErrorIs(t, err, ErrInvalidTimeout)
	_, err = k.Execute(context.Background(), mathAdd(), nil, nil)
	require.ErrorIs(t, err, ErrNilTask)
}

func TestExecuteTimeoutNotInvokedOnInvalidTimeout(t *testing.T) {
	k := newKernel(t, Config{})
	var calls atomic.Int32
	counted := task.Named("counted", func(context.Context, task.Args) (any, error) {
		calls.Add(1)
		return nil, nil
	})
	_, err := k.Execute(context.Background(), mathAdd(), counted, nil, WithTimeout(0))
	require.Error(t, err)
	assert.Zero(t, calls.Load())
}

func TestExecuteProcessIsolation(t *testing.T) {
	k := newKernel(t, Config{})
	tr, err := k.Execute(context.Background(), mathAdd(), addTask, task.Args{"a": 3, "b": 4}, WithTimeout(10*time.Second))
	require.NoError(t, err)
	require.True(t, tr.Success, tr.Error)
	assert.Equal(t, 7.0, tr.Output)
	assert.Equal(t, sandbox.ModeProcess, tr.Metadata[MetadataIsolation])
}

func TestExecuteHardTimeout(t *testing.T) {
	k := newKernel(t, Config{})

	start := time.Now()
	tr, err := k.Execute(context.Background(), mathAdd(), sleepTask, task.Args{"ms": 2000}, WithTimeout(time.Second))
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.False(t, tr.Success)
	assert.Nil(t, tr.Output)
	assert.Equal(t, "TimeoutError: execution exceeded timeout", tr.Error)
	assert.Less(t, elapsed, 2*time.Second, "overshoot must stay under one second")
	assert.GreaterOrEqual(t, tr.RuntimeMs, 1000.0)
}

func TestExecuteInProcessTimeout(t *testing.T) {
	k := newKernel(t, Config{AllowInProcessTimeout: true})
	release := make(chan struct{})
	defer close(release)
	hung := task.Named("hung", func(context.Context, task.Args) (any, error) {
		<-release
		return nil, nil
	})

	start := time.Now()
	tr, err := k.Execute(context.Background(), mathAdd(), hung, nil, WithTimeout(100*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, sandbox.TimeoutText, tr.Error)
	assert.Equal(t, sandbox.ModeInProcess, tr.Metadata[MetadataIsolation])
	assert.Less(t, time.Since(start), time.Second)
}

func TestExecuteInProcessCooperativeTimeout(t *testing.T) {
	k := newKernel(t, Config{AllowInProcessTimeout: true})
	polite := task.Named("polite", func(ctx context.Context, _ task.Args) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	tr, err := k.Execute(context.Background(), mathAdd(), polite, nil, WithTimeout(50*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, sandbox.TimeoutText, tr.Error)
}

func TestExecuteInProcessFinishesInTime(t *testing.T) {
	k := newKernel(t, Config{AllowInProcessTimeout: true})
	quick := task.Named("quick", func(context.Context, task.Args) (any, error) { return "ok", nil })
	tr, err := k.Execute(context.Background(), mathAdd(), quick, nil, WithTimeout(time.Second))
	require.NoError(t, err)
	assert.True(t, tr.Success)
	assert.Equal(t, "ok", tr.Output)
}

func TestExecuteRejectsUnisolatableTimedTask(t *testing.T) {
	k := newKernel(t, Config{})
	var calls atomic.Int32
	adhoc := task.Named("adhoc", func(context.Context, task.Args) (any, error) {
		time.Sleep(300 * time.Millisecond)
		calls.Add(1)
		return nil, nil
	})

	tr, err := k.Execute(context.Background(), mathAdd(), adhoc, nil, WithTimeout(100*time.Millisecond))
	require.ErrorIs(t, err, ErrNotIsolatable)
	assert.Nil(t, tr)
	time.Sleep(500 * time.Millisecond)
	assert.Zero(t, calls.Load(), "a rejected task must never start")

	tr, err = k.Execute(context.Background(), mathAdd(), adhoc, nil)
	require.NoError(t, err, "untimed runs do not need isolation")
	assert.True(t, tr.Success)
	assert.EqualValues(t, 1, calls.Load())
}

func TestExecuteParentDeadlineIsTimeout(t *testing.T) {
	k := newKernel(t, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	tr, err := k.Execute(ctx, mathAdd(), sleepTask, task.Args{"ms": 5000}, WithTimeout(10*time.Second))
	require.NoError(t, err)
	assert.Equal(t, sandbox.TimeoutText, tr.Error)
	assert.Equal(t, sandbox.ModeProcess, tr.Metadata[MetadataIsolation])
}

func TestExecuteCanceled(t *testing.T) {
	k := newKernel(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	tr, err := k.Execute(ctx, mathAdd(), sleepTask, task.Args{"ms": 5000}, WithTimeout(10*time.Second))
	require.NoError(t, err)
	assert.Equal(t, "CanceledError: execution canceled", tr.Error)
}

type fakeIsolator struct {
	mode  string
	calls atomic.Int32
}

func (f *fakeIsolator) Mode() string            { return f.mode }
func (f *fakeIsolator) Supports(task.Task) bool { return true }
func (f *fakeIsolator) Run(context.Context, task.Task, task.Args, time.Duration) sandbox.Result {
	f.calls.Add(1)
	return sandbox.Result{Output: f.mode}
}

func TestExecuteIsolatorOrder(t *testing.T) {
	first := &fakeIsolator{mode: "first"}
	second := &fakeIsolator{mode: "second"}
	k := newKernel(t, Config{Isolators: []sandbox.Isolator{first, second}})

	tr, err := k.Execute(context.Background(), mathAdd(), addTask, nil, WithTimeout(time.Second))
	require.NoError(t, err)
	assert.Equal(t, "first", tr.Output)
	assert.Equal(t, "first", tr.Metadata[MetadataIsolation])
	assert.EqualValues(t, 1, first.calls.Load())
	assert.Zero(t, second.calls.Load())
}

func TestExecuteConcurrent(t *testing.T) {
	k := newKernel(t, Config{})
	double := task.Named("double", func(_ context.Context, args task.Args) (any, error) {
		return args["n"].(int) * 2, nil
	})

	results := make(chan any, 16)
	for i := 0; i < 16; i++ {
		go func(i int) {
			tr, err := k.Execute(context.Background(), mathAdd(), double, task.Args{"n": i})
			if err != nil {
				results <- err
				return
			}
			results <- tr.Output
		}(i)
	}
	sum := 0
	for i := 0; i < 16; i++ {
		v := <-results
		n, ok := v.(int)
		require.True(t, ok, "%v", v)
		sum += n
	}
	assert.Equal(t, 2*(15*16/2), sum)
}
