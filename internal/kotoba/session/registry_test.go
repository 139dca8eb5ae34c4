package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// --- fake session --------------------------------------------------------------

type fakeSession struct {
	mu      sync.Mutex
	name    string
	expire  time.Duration
	running bool
	last    time.Time
	killed  error
}

func (f *fakeSession) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeSession) MarkRunning(time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = true
}

func (f *fakeSession) MarkIdle(now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		f.last = now
	}
	f.running = false
}

func (f *fakeSession) Valid(now time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.expire <= 0 || f.last.IsZero() || now.Sub(f.last) <= f.expire
}

func (f *fakeSession) Kill(cause error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = cause
}

func newFake(name string) func() (*fakeSession, bool) {
	return func() (*fakeSession, bool) {
		return &fakeSession{name: name, expire: time.Minute}, true
	}
}

// --- tests ---------------------------------------------------------------------

func TestRegistry_BeginCreatesThenResumes(t *testing.T) {
	r := NewRegistry[*fakeSession]()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	s, resumed, err := r.beginAt("k", newFake("a"), now)
	if err != nil || resumed {
		t.Fatalf("first Begin: resumed=%v err=%v", resumed, err)
	}

	if _, _, err := r.beginAt("k", newFake("b"), now); !errors.Is(err, ErrBusy) {
		t.Fatalf("Begin while running: got %v, want ErrBusy", err)
	}

	r.Suspend("k", s)
	got, resumed, err := r.beginAt("k", newFake("c"), now.Add(30*time.Second))
	if err != nil || !resumed || got != s {
		t.Fatalf("resume: got %v resumed=%v err=%v", got, resumed, err)
	}
}

func TestRegistry_ExpiredSessionIsReplaced(t *testing.T) {
	r := NewRegistry[*fakeSession]()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	old, _, _ := r.beginAt("k", newFake("old"), now)
	r.Suspend("k", old)

	fresh, resumed, err := r.beginAt("k", newFake("new"), now.Add(2*time.Minute))
	if err != nil || resumed {
		t.Fatalf("got resumed=%v err=%v", resumed, err)
	}
	if fresh.name != "new" {
		t.Errorf("got session %q, want new", fresh.name)
	}
	if !errors.Is(old.killed, ErrExpired) {
		t.Errorf("old session cause: got %v, want ErrExpired", old.killed)
	}
}

func TestRegistry_CreateDeclined(t *testing.T) {
	r := NewRegistry[*fakeSession]()
	_, _, err := r.Begin("k", func() (*fakeSession, bool) { return nil, false })
	if !errors.Is(err, ErrNoSession) {
		t.Errorf("got %v, want ErrNoSession", err)
	}
	if r.Len() != 0 {
		t.Errorf("Len: got %d, want 0", r.Len())
	}
}

func TestRegistry_EndOnlyRemovesOccupant(t *testing.T) {
	r := NewRegistry[*fakeSession]()
	outer, _, _ := r.Begin("k", newFake("outer"))

	inner := &fakeSession{name: "inner", expire: time.Minute}
	if err := r.Replace("k", inner, outer); err != nil {
		t.Fatalf("Replace by the occupant: %v", err)
	}
	if outer.killed != nil {
		t.Error("a running occupant must not be killed by its own Replace")
	}
	r.Suspend("k", inner)

	r.End("k", outer)
	if got, ok := r.Get("k"); !ok || got != inner {
		t.Fatalf("End of a displaced session removed the occupant")
	}

	third := &fakeSession{name: "third"}
	if err := r.Replace("k", third, nil); err != nil {
		t.Fatalf("Replace of a parked session: %v", err)
	}
	if !errors.Is(inner.killed, ErrReplaced) {
		t.Errorf("parked occupant cause: got %v, want ErrReplaced", inner.killed)
	}
}

func TestRegistry_ReplaceRunningIsBusy(t *testing.T) {
	r := NewRegistry[*fakeSession]()
	running, _, _ := r.Begin("k", newFake("running"))

	other := &fakeSession{name: "other"}
	if err := r.Replace("k", other, nil); !errors.Is(err, ErrBusy) {
		t.Fatalf("Replace over a running session: got %v, want ErrBusy", err)
	}
	stranger := &fakeSession{name: "stranger"}
	if err := r.Replace("k", other, stranger); !errors.Is(err, ErrBusy) {
		t.Fatalf("Replace asked by another session: got %v, want ErrBusy", err)
	}
	if got, _ := r.Get("k"); got != running {
		t.Errorf("occupant: got %q, want running", got.name)
	}
	if other.Running() {
		t.Error("a rejected session must not be claimed")
	}
}

func TestRegistry_SuspendDisplacedKills(t *testing.T) {
	r := NewRegistry[*fakeSession]()
	outer, _, _ := r.Begin("k", newFake("outer"))
	inner := &fakeSession{name: "inner"}
	r.Replace("k", inner, outer)

	if r.Suspend("k", outer) {
		t.Error("Suspend of a displaced session: got true, want false")
	}
	if !errors.Is(outer.killed, ErrReplaced) {
		t.Errorf("displaced cause: got %v, want ErrReplaced", outer.killed)
	}
	if !r.Suspend("k", inner) {
		t.Error("Suspend of the occupant: got false, want true")
	}
	if inner.killed != nil {
		t.Errorf("occupant killed: %v", inner.killed)
	}
}

func TestRegistry_ConcurrentReplaceClaimsOnce(t *testing.T) {
	r := NewRegistry[*fakeSession]()
	var claimed, busy atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := r.Replace("k", &fakeSession{}, nil)
			switch {
			case err == nil:
				claimed.Add(1)
			case errors.Is(err, ErrBusy):
				busy.Add(1)
			}
		}()
	}
	wg.Wait()

	if claimed.Load() != 1 {
		t.Errorf("claimed: got %d, want 1", claimed.Load())
	}
	if busy.Load() != 49 {
		t.Errorf("busy: got %d, want 49", busy.Load())
	}
}

func TestRegistry_KillRunning(t *testing.T) {
	r := NewRegistry[*fakeSession]()
	s, _, _ := r.Begin("k", newFake("a"))
	if !r.Kill("k", nil) {
		t.Fatal("Kill returned false")
	}
	if !s.Running() {
		t.Error("Kill should not touch the running flag")
	}
	if r.Len() != 0 {
		t.Errorf("Len: got %d, want 0", r.Len())
	}
	if r.Kill("k", nil) {
		t.Error("second Kill should report false")
	}
}

func TestRegistry_Sweep(t *testing.T) {
	r := NewRegistry[*fakeSession]()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	parked, _, _ := r.Begin("parked", newFake("p"))
	r.Suspend("parked", parked)
	r.Begin("busy", newFake("b"))

	if n := r.Sweep(now.Add(10 * time.Minute)); n != 1 {
		t.Errorf("Sweep: got %d, want 1", n)
	}
	if keys := r.Keys(); len(keys) != 1 || keys[0] != "busy" {
		t.Errorf("Keys: got %v, want [busy]", keys)
	}
	if !errors.Is(parked.killed, ErrExpired) {
		t.Errorf("cause: got %v", parked.killed)
	}
}

func TestRegistry_ConcurrentBeginCreatesOnce(t *testing.T) {
	r := NewRegistry[*fakeSession]()
	var created, busy atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := r.Begin("k", func() (*fakeSession, bool) {
				created.Add(1)
				return &fakeSession{}, true
			})
			if errors.Is(err, ErrBusy) {
				busy.Add(1)
			}
		}()
	}
	wg.Wait()

	if created.Load() != 1 {
		t.Errorf("created: got %d, want 1", created.Load())
	}
	if busy.Load() != 49 {
		t.Errorf("busy: got %d, want 49", busy.Load())
	}
}

func TestJanitor_SweepsUntilStopped(t *testing.T) {
	r := NewRegistry[*fakeSession]()
	s := &fakeSession{expire: time.Millisecond, last: time.Now().Add(-time.Second)}
	r.sessions["k"] = s

	j := NewJanitor(r, 5*time.Millisecond)
	done := make(chan struct{})
	go func() {
		j.Run(context.Background())
		close(done)
	}()

	deadline := time.After(time.Second)
	for r.Len() > 0 {
		select {
		case <-deadline:
			t.Fatal("janitor never swept the expired session")
		case <-time.After(5 * time.Millisecond):
		}
	}
	j.Stop()
	j.Stop()
	<-done
}
