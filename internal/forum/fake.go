package forum

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory [Notifier] for testing. It records all calls and
// hands out sequential thread ids. Safe for concurrent use.
type Fake struct {
	mu      sync.Mutex
	nextID  int
	broken  bool
	Calls   []Call
	Threads map[string]bool // "chat/thread" → live
}

// Call records a single notifier invocation.
type Call struct {
	Method string
	Chat   string
	Thread string
	Text   string
}

// NewFake returns a ready-to-use [Fake].
func NewFake() *Fake {
	return &Fake{Threads: make(map[string]bool)}
}

// NewFailFake returns a [Fake] where every call fails. Used to verify
// forum-transient errors never abort coordinator operations.
func NewFailFake() *Fake {
	f := NewFake()
	f.broken = true
	return f
}

// CreateThread allocates a thread id like "t1", "t2", ...
func (f *Fake) CreateThread(_ context.Context, chat, title string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, Call{Method: "CreateThread", Chat: chat, Text: title})
	if f.broken {
		return "", fmt.Errorf("forum unavailable")
	}
	f.nextID++
	id := fmt.Sprintf("t%d", f.nextID)
	f.Threads[chat+"/"+id] = true
	return id, nil
}

// CloseThread records the call.
func (f *Fake) CloseThread(_ context.Context, chat, thread string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, Call{Method: "CloseThread", Chat: chat, Thread: thread})
	if f.broken {
		return fmt.Errorf("forum unavailable")
	}
	return nil
}

// DeleteThread records the call and drops the thread.
func (f *Fake) DeleteThread(_ context.Context, chat, thread string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, Call{Method: "DeleteThread", Chat: chat, Thread: thread})
	if f.broken {
		return fmt.Errorf("forum unavailable")
	}
	delete(f.Threads, chat+"/"+thread)
	return nil
}

// Send records the call.
func (f *Fake) Send(_ context.Context, chat, thread, text, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, Call{Method: "Send", Chat: chat, Thread: thread, Text: text})
	if f.broken {
		return fmt.Errorf("forum unavailable")
	}
	return nil
}

// CallsOf returns recorded calls with the given method. Test helper.
func (f *Fake) CallsOf(method string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.Calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Compile-time check.
var _ Notifier = (*Fake)(nil)
