package permission

import (
	"sync"
	"testing"
	"time"
)

func TestResolve_FirstDecisionWins(t *testing.T) {
	c := New(time.Minute, nil)
	req, decided := c.Request("sess-1", "write_file", nil)

	first := c.Resolve(req.ID, Allow, "client-a")
	if !first.OK || first.Conflict {
		t.Fatalf("expected first resolve to win, got %+v", first)
	}

	second := c.Resolve(req.ID, Deny, "client-b")
	if second.OK || !second.Conflict {
		t.Fatalf("expected second resolve conflict, got %+v", second)
	}
	if second.Message != "already resolved" {
		t.Errorf("expected 'already resolved', got %q", second.Message)
	}

	out := <-decided
	if out.Decision != Allow || out.DecidedBy != "client-a" || out.TimedOut {
		t.Errorf("expected winner's allow, got %+v", out)
	}
}

func TestResolve_ConcurrentRace(t *testing.T) {
	c := New(time.Minute, nil)
	req, decided := c.Request("sess-1", "run_command", nil)

	const racers = 8
	results := make([]Result, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d := Allow
			if i%2 == 1 {
				d = Deny
			}
			results[i] = c.Resolve(req.ID, d, "client")
		}(i)
	}
	wg.Wait()

	winners := 0
	conflicts := 0
	for _, r := range results {
		if r.OK {
			winners++
		}
		if r.Conflict {
			conflicts++
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
	if conflicts != racers-1 {
		t.Fatalf("expected %d conflicts, got %d", racers-1, conflicts)
	}

	select {
	case <-decided:
	case <-time.After(time.Second):
		t.Fatal("decision never delivered")
	}
}

func TestResolve_UnknownID(t *testing.T) {
	c := New(time.Minute, nil)
	r := c.Resolve("perm_nope", Allow, "client")
	if r.OK || r.Conflict {
		t.Fatalf("expected unknown result, got %+v", r)
	}
	if r.Message != "unknown" {
		t.Errorf("expected 'unknown', got %q", r.Message)
	}
}

func TestResolve_InvalidDecision(t *testing.T) {
	c := New(time.Minute, nil)
	req, _ := c.Request("sess-1", "write_file", nil)
	r := c.Resolve(req.ID, Decision("maybe"), "client")
	if r.OK || r.Conflict {
		t.Fatalf("expected rejection, got %+v", r)
	}
	if c.PendingCount() != 1 {
		t.Error("invalid decision must not consume the request")
	}
}

func TestTimeout_AutoDeny(t *testing.T) {
	c := New(20*time.Millisecond, nil)
	req, decided := c.Request("sess-1", "write_file", nil)

	select {
	case out := <-decided:
		if out.Decision != Deny || !out.TimedOut {
			t.Fatalf("expected timed-out deny, got %+v", out)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout never fired")
	}

	// Late resolve after timeout reports unknown, not conflict.
	r := c.Resolve(req.ID, Allow, "client")
	if r.OK || r.Conflict {
		t.Fatalf("expected unknown after timeout, got %+v", r)
	}
	if r.Message != "unknown" {
		t.Errorf("expected 'unknown', got %q", r.Message)
	}
}

func TestCancelSession(t *testing.T) {
	c := New(time.Minute, nil)
	_, d1 := c.Request("sess-1", "tool_a", nil)
	_, d2 := c.Request("sess-1", "tool_b", nil)
	reqOther, _ := c.Request("sess-2", "tool_c", nil)

	n := c.CancelSession("sess-1")
	if n != 2 {
		t.Fatalf("expected 2 cancelled, got %d", n)
	}
	for _, d := range []<-chan Outcome{d1, d2} {
		select {
		case out := <-d:
			if out.Decision != Deny {
				t.Errorf("expected deny on cancel, got %+v", out)
			}
		case <-time.After(time.Second):
			t.Fatal("cancel never delivered")
		}
	}
	if c.PendingCount() != 1 {
		t.Fatalf("expected sess-2 request untouched, pending=%d", c.PendingCount())
	}
	if got := c.Resolve(reqOther.ID, Allow, "client"); !got.OK {
		t.Fatalf("expected sess-2 resolve to succeed, got %+v", got)
	}
}

func TestRecentlyResolved_GC(t *testing.T) {
	c := New(10*time.Millisecond, nil)
	req, _ := c.Request("sess-1", "write_file", nil)
	if r := c.Resolve(req.ID, Allow, "client"); !r.OK {
		t.Fatalf("resolve: %+v", r)
	}

	time.Sleep(30 * time.Millisecond)
	// Trigger a GC pass via a new request.
	c.Request("sess-1", "another", nil)

	r := c.Resolve(req.ID, Deny, "client")
	if r.Conflict {
		t.Fatal("expected GC to forget resolved entry after the window")
	}
}
