package execx

import (
	"context"
	"strings"
	"sync"
)

// FakeRunner is a scripted Runner for tests. Responses are matched by the
// longest registered prefix of the rendered command line; unmatched commands
// succeed with empty output.
type FakeRunner struct {
	mu        sync.Mutex
	responses map[string]FakeResponse
	calls     []Cmd
}

// FakeResponse is the scripted outcome of a command.
type FakeResponse struct {
	Out []byte
	Err error
}

func NewFakeRunner() *FakeRunner {
	return &FakeRunner{responses: make(map[string]FakeResponse)}
}

// On scripts the response for commands starting with prefix.
func (f *FakeRunner) On(prefix string, out string, err error) *FakeRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[prefix] = FakeResponse{Out: []byte(out), Err: err}
	return f
}

func (f *FakeRunner) Run(ctx context.Context, c Cmd) error {
	_, err := f.Output(ctx, c)
	return err
}

func (f *FakeRunner) Output(_ context.Context, c Cmd) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	line := c.String()
	best := -1
	var resp FakeResponse
	for prefix, r := range f.responses {
		if strings.HasPrefix(line, prefix) && len(prefix) > best {
			best = len(prefix)
			resp = r
		}
	}
	return resp.Out, resp.Err
}

// Calls returns the rendered command lines in execution order.
func (f *FakeRunner) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.String()
	}
	return out
}

// Commands returns copies of the recorded commands, env and dir included.
func (f *FakeRunner) Commands() []Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Cmd(nil), f.calls...)
}

// Reset forgets recorded calls but keeps scripted responses.
func (f *FakeRunner) Reset() {
	f.mu.Lock()
	f.calls = nil
	f.mu.Unlock()
}
