package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/kl-kernel/kl/pkg/task"
)

// WorkerEnv is set to "1" in the environment of a re-executed worker.
const WorkerEnv = "KL_SANDBOX_WORKER"

// resultFD is the descriptor the worker writes its result to. It is the first
// entry of exec.Cmd.ExtraFiles.
const resultFD = 3

// MaxResultBytes bounds the encoded result read back from a worker.
const MaxResultBytes = 1 << 20

type workerRequest struct {
	Task string    `json:"task"`
	Args task.Args `json:"args"`
}

type workerResponse struct {
	Success bool   `json:"success"`
	Output  any    `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ServeWorker turns the current process into a worker when it was started by a
// ProcessIsolator. It must be the first thing main (or TestMain) does:
//
//	func main() {
//		if sandbox.ServeWorker() {
//			os.Exit(0)
//		}
//		...
//	}
//
// It returns false immediately in a normal process. In a worker it reads one
// request from stdin, runs the named task from the default registry, writes the
// result and returns true.
func ServeWorker() bool {
	if os.Getenv(WorkerEnv) != "1" {
		return false
	}
	out := os.NewFile(resultFD, "kl-result")
	if out == nil {
		fmt.Fprintln(os.Stderr, "sandbox: worker started without a result pipe")
		return true
	}
	defer func() { _ = out.Close() }()

	resp := serve(context.Background(), os.Stdin, task.Default())
	if err := json.NewEncoder(out).Encode(resp); err != nil {
		fmt.Fprintf(os.Stderr, "sandbox: failed to write result: %v\n", err)
	}
	return true
}

func serve(ctx context.Context, in io.Reader, reg *task.Registry) workerResponse {
	var req workerRequest
	if err := json.NewDecoder(in).Decode(&req); err != nil {
		return workerResponse{Error: executionPrefix + "malformed worker request: " + err.Error()}
	}
	t, ok := reg.Lookup(req.Task)
	if !ok {
		return workerResponse{Error: fmt.Sprintf("%s%v: %s", executionPrefix, task.ErrUnknownTask, req.Task)}
	}

	out, err := invoke(ctx, t, req.Args)
	if err != nil {
		return workerResponse{Error: task.Describe(err)}
	}
	if _, err := json.Marshal(out); err != nil {
		return workerResponse{Error: executionPrefix + "output is not serializable: " + err.Error()}
	}
	return workerResponse{Success: true, Output: out}
}

func invoke(ctx context.Context, t task.Task, args task.Args) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, task.Panic(r)
		}
	}()
	return t.Run(ctx, args)
}
