package shell

import (
	"context"
	"sync"
)

// Response is one scripted answer from a Fake.
type Response struct {
	Result Result
	Err    error
}

// Ok is a zero-exit response with the given stdout.
func Ok(stdout string) Response {
	return Response{Result: Result{Stdout: stdout}}
}

// Fail is a nonzero-exit response with the given stderr.
func Fail(code int, stderr string) Response {
	return Response{Result: Result{ExitCode: code, Stderr: stderr}}
}

// SpawnError is a response where the process could not be started.
func SpawnError(err error) Response {
	return Response{Err: err}
}

type rule struct {
	match     func(args []string) bool
	responses []Response
	served    int
}

func (r *rule) next() Response {
	idx := r.served
	if idx >= len(r.responses) {
		idx = len(r.responses) - 1
	}
	r.served++
	return r.responses[idx]
}

// Fake is a scripted Executor. Rules are consulted in registration order and
// the first match wins; each rule replays its responses in order and repeats
// the last one once exhausted. Unmatched commands get the default response.
type Fake struct {
	mu    sync.Mutex
	rules []*rule
	def   Response
	calls [][]string
}

// NewFake returns a Fake whose default response is a successful empty result.
func NewFake() *Fake {
	return &Fake{}
}

// When registers responses for commands accepted by match.
func (f *Fake) When(match func(args []string) bool, responses ...Response) *Fake {
	if len(responses) == 0 {
		responses = []Response{Ok("")}
	}
	f.mu.Lock()
	f.rules = append(f.rules, &rule{match: match, responses: responses})
	f.mu.Unlock()
	return f
}

// WhenPrefix registers responses for commands whose leading arguments equal prefix.
func (f *Fake) WhenPrefix(prefix []string, responses ...Response) *Fake {
	p := append([]string(nil), prefix...)
	return f.When(func(args []string) bool { return HasPrefix(args, p...) }, responses...)
}

// Default sets the response for commands no rule matches.
func (f *Fake) Default(resp Response) *Fake {
	f.mu.Lock()
	f.def = resp
	f.mu.Unlock()
	return f
}

func (f *Fake) Run(ctx context.Context, args []string) (Result, error) {
	if len(args) == 0 {
		return Result{}, ErrEmptyCommand
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string(nil), args...))
	for _, r := range f.rules {
		if r.match(args) {
			resp := r.next()
			return resp.Result, resp.Err
		}
	}
	return f.def.Result, f.def.Err
}

// Calls returns a copy of every command run so far.
func (f *Fake) Calls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = append([]string(nil), c...)
	}
	return out
}

// Count returns how many recorded commands start with prefix.
func (f *Fake) Count(prefix ...string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if HasPrefix(c, prefix...) {
			n++
		}
	}
	return n
}

// HasPrefix reports whether args begins with prefix.
func HasPrefix(args []string, prefix ...string) bool {
	if len(prefix) > len(args) {
		return false
	}
	for i, p := range prefix {
		if args[i] != p {
			return false
		}
	}
	return true
}
