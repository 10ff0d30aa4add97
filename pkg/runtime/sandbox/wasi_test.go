package sandbox

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kl-kernel/kl/pkg/task"
)

// Minimal hand-assembled modules. Every section and body used here is shorter
// than 128 bytes, so each length fits a single LEB128 byte.

func section(id byte, content ...byte) []byte {
	return append([]byte{id, byte(len(content))}, content...)
}

func wasmName(s string) []byte {
	return append([]byte{byte(len(s))}, s...)
}

func module(sections ...[]byte) []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	for _, s := range sections {
		out = append(out, s...)
	}
	return out
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// startOnly exports a single _start function of type () -> () with the given body.
func startOnly(body ...byte) []byte {
	code := append([]byte{byte(len(body))}, body...)
	return module(
		section(0x01, 0x01, 0x60, 0x00, 0x00),
		section(0x03, 0x01, 0x00),
		section(0x07, concat([]byte{0x01}, wasmName("_start"), []byte{0x00, 0x00})...),
		section(0x0a, concat([]byte{0x01}, code)...),
	)
}

var (
	// _start returns immediately without writing anything.
	emptyWasm = startOnly(0x00, 0x0b)
	// _start spins forever: loop { br 0 }.
	loopWasm = startOnly(0x00, 0x03, 0x40, 0x0c, 0x00, 0x0b, 0x0b)
)

// writerWasm writes payload to stdout through fd_write and returns.
func writerWasm(payload string) []byte {
	// Memory layout: iovec{buf=16, len} at 0, nwritten at 8, payload at 16.
	data := []byte{16, 0, 0, 0, byte(len(payload)), 0, 0, 0}
	data = append(data, make([]byte, 8)...)
	data = append(data, payload...)

	body := []byte{
		0x00,       // no locals
		0x41, 0x01, // i32.const 1 (stdout)
		0x41, 0x00, // i32.const 0 (iovs)
		0x41, 0x01, // i32.const 1 (iovs_len)
		0x41, 0x08, // i32.const 8 (nwritten)
		0x10, 0x00, // call fd_write
		0x1a, // drop
		0x0b, // end
	}
	return module(
		section(0x01, 0x02,
			0x60, 0x04, 0x7f, 0x7f, 0x7f, 0x7f, 0x01, 0x7f,
			0x60, 0x00, 0x00),
		section(0x02, concat([]byte{0x01}, wasmName("wasi_snapshot_preview1"), wasmName("fd_write"), []byte{0x00, 0x00})...),
		section(0x03, 0x01, 0x01),
		section(0x05, 0x01, 0x00, 0x01),
		section(0x07, concat([]byte{0x02},
			wasmName("_start"), []byte{0x00, 0x01},
			wasmName("memory"), []byte{0x02, 0x00})...),
		section(0x0a, concat([]byte{0x01, byte(len(body))}, body)...),
		section(0x0b, concat([]byte{0x01, 0x00, 0x41, 0x00, 0x0b, byte(len(data))}, data)...),
	)
}

func newWASI(t *testing.T) *WASIIsolator {
	t.Helper()
	w, err := NewWASIIsolator(context.Background(), WASIConfig{MemoryLimitBytes: 16 * 1024 * 1024})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close(context.Background()) })
	return w
}

func TestWASIIsolatorSupports(t *testing.T) {
	w := newWASI(t)
	assert.Equal(t, ModeWASI, w.Mode())
	assert.True(t, w.Supports(NewModule("m", emptyWasm)))
	assert.False(t, w.Supports(echoTask))

	res := w.Run(context.Background(), echoTask, nil, time.Second)
	assert.True(t, strings.HasPrefix(res.Err, "ExecutionError:"), res.Err)
}

func TestWASIIsolatorOutput(t *testing.T) {
	w := newWASI(t)
	res := w.Run(context.Background(), NewModule("writer", writerWasm(`{"ok":true}`)), task.Args{"x": 1}, 5*time.Second)
	require.Empty(t, res.Err)
	assert.Equal(t, map[string]any{"ok": true}, res.Output)
}

func TestWASIIsolatorNoResult(t *testing.T) {
	w := newWASI(t)
	res := w.Run(context.Background(), NewModule("empty", emptyWasm), nil, 5*time.Second)
	assert.Equal(t, "ExecutionError: no result returned", res.Err)
}

func TestWASIIsolatorInvalidOutput(t *testing.T) {
	w := newWASI(t)
	res := w.Run(context.Background(), NewModule("writer", writerWasm(`not json`)), nil, 5*time.Second)
	assert.True(t, strings.HasPrefix(res.Err, "ExecutionError: module output is not JSON"), res.Err)
}

func TestWASIIsolatorPreemptsLoop(t *testing.T) {
	w := newWASI(t)
	start := time.Now()
	res := w.Run(context.Background(), NewModule("loop", loopWasm), nil, 200*time.Millisecond)
	elapsed := time.Since(start)

	assert.Equal(t, TimeoutText, res.Err)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestWASIIsolatorCancel(t *testing.T) {
	w := newWASI(t)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	res := w.Run(ctx, NewModule("loop", loopWasm), nil, 10*time.Second)
	assert.Equal(t, CanceledText, res.Err)
}

func TestWASIIsolatorParentDeadline(t *testing.T) {
	w := newWASI(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	res := w.Run(ctx, NewModule("loop", loopWasm), nil, 10*time.Second)
	assert.Equal(t, TimeoutText, res.Err)
}

func TestInterrupted(t *testing.T) {
	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, CanceledText, Interrupted(canceled).Err)

	expired, cancelExpired := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancelExpired()
	assert.Equal(t, TimeoutText, Interrupted(expired).Err)
}

func TestWASIIsolatorBadModule(t *testing.T) {
	w := newWASI(t)
	res := w.Run(context.Background(), NewModule("junk", []byte("nope")), nil, time.Second)
	assert.True(t, strings.HasPrefix(res.Err, "ExecutionError: compilation failed"), res.Err)
}

func TestModuleRunDirect(t *testing.T) {
	out, err := NewModule("writer", writerWasm(`[1,2]`)).Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []any{1.0, 2.0}, out)

	_, err = NewModule("empty", emptyWasm).Run(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, "ExecutionError: no result returned", task.Describe(err))
}
