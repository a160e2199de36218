package runner

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"autopilot/pkg/proto"
	"autopilot/pkg/sandbox"
)

// fakeProvider is an in-memory sandbox.Provider. Exec results are scripted
// by command line, with a zero-exit default, so tests drive exact git and
// shell behavior without a real session.
type fakeProvider struct {
	mu       sync.Mutex
	sessions map[string]bool
	files    map[string][]byte
	execLog  []string
	results  map[string]sandbox.ExecResult
	execErr  map[string]error

	commitSHA string
	commitErr error
	diffOut   string
	cloneErr  error
	pushErr   error
	pushed    []string
	nextID    int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		sessions:  map[string]bool{"sess-test": true},
		files:     map[string][]byte{},
		results:   map[string]sandbox.ExecResult{},
		execErr:   map[string]error{},
		commitSHA: "abc1234",
	}
}

// script registers the result for an exact joined command line.
func (f *fakeProvider) script(cmd string, res sandbox.ExecResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[cmd] = res
}

func (f *fakeProvider) scriptErr(cmd string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execErr[cmd] = err
}

func (f *fakeProvider) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.execLog...)
}

func (f *fakeProvider) CreateSession(_ context.Context, _ sandbox.CreateOpts) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("sess-%d", f.nextID)
	f.sessions[id] = true
	return id, nil
}

func (f *fakeProvider) StartSession(_ context.Context, _ string) error { return nil }
func (f *fakeProvider) StopSession(_ context.Context, _ string) error  { return nil }

func (f *fakeProvider) DeleteSession(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, sessionID)
	return nil
}

func (f *fakeProvider) SessionExists(_ context.Context, sessionID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[sessionID]
}

func (f *fakeProvider) Exec(_ context.Context, _ string, cmd []string, _ sandbox.ExecOpts) (sandbox.ExecResult, error) {
	joined := strings.Join(cmd, " ")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execLog = append(f.execLog, joined)
	if err, ok := f.execErr[joined]; ok {
		return sandbox.ExecResult{}, err
	}
	if res, ok := f.results[joined]; ok {
		return res, nil
	}
	return sandbox.ExecResult{ExitCode: 0, Duration: time.Millisecond}, nil
}

func (f *fakeProvider) ReadFile(_ context.Context, _ string, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[path]
	if !ok {
		return nil, fmt.Errorf("file not found: %s", path)
	}
	return append([]byte(nil), data...), nil
}

func (f *fakeProvider) WriteFile(_ context.Context, _ string, path string, data []byte, appendMode bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if appendMode {
		f.files[path] = append(f.files[path], data...)
	} else {
		f.files[path] = append([]byte(nil), data...)
	}
	return nil
}

func (f *fakeProvider) ListFiles(_ context.Context, _ string, _ string) ([]sandbox.FileEntry, error) {
	return nil, nil
}

func (f *fakeProvider) Mkdirs(_ context.Context, _ string, _ string) error { return nil }

func (f *fakeProvider) GitClone(_ context.Context, _ string, _, _, _ string, _ *sandbox.CloneAuth) error {
	return f.cloneErr
}

func (f *fakeProvider) GitStatus(_ context.Context, _ string, _ string) (string, error) {
	return "", nil
}

func (f *fakeProvider) GitDiff(_ context.Context, _ string, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.diffOut, nil
}

func (f *fakeProvider) GitCheckoutNewBranch(_ context.Context, _ string, _, _ string) error {
	return nil
}

func (f *fakeProvider) GitCommit(_ context.Context, _ string, _, _ string, _ []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commitSHA, f.commitErr
}

func (f *fakeProvider) GitPush(_ context.Context, _ string, _, _, branch string, _ *sandbox.CloneAuth) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushErr != nil {
		return f.pushErr
	}
	f.pushed = append(f.pushed, branch)
	return nil
}

func (f *fakeProvider) PreviewLink(_ context.Context, _ string, _ int) (string, error) {
	return "", nil
}

// fakeSink collects activity events in memory.
type fakeSink struct {
	mu     sync.Mutex
	events []proto.Event
}

func (s *fakeSink) Append(ev *proto.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *ev)
	return nil
}

func (s *fakeSink) byType(typ proto.EventType) []proto.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []proto.Event
	for _, ev := range s.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}
