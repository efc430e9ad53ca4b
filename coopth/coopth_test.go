package coopth_test

import (
	"testing"

	"github.com/dosemu-go/coredos/coopth"
)

func TestCreateStartRunToCompletion(t *testing.T) {
	pool := coopth.NewPool(4)

	var ran bool
	var gotArg interface{}

	tid, err := pool.Create("demo", func(c *coopth.Control, offset int, arg interface{}) {
		ran = true
		gotArg = arg
	}, coopth.Hooks{})
	if err != nil {
		t.Fatal(err)
	}

	if err := pool.Start(tid, "hello"); err != nil {
		t.Fatal(err)
	}

	if err := pool.RunTid(tid); err != nil {
		t.Fatal(err)
	}

	if !ran || gotArg != "hello" {
		t.Fatalf("entry did not run with expected arg: ran=%v arg=%v", ran, gotArg)
	}

	st, err := pool.State(tid)
	if err != nil {
		t.Fatal(err)
	}

	if st != coopth.StateFinished {
		t.Fatalf("state = %v, want StateFinished", st)
	}
}

func TestWaitYieldsAndResumes(t *testing.T) {
	pool := coopth.NewPool(4)

	var steps []int

	tid, err := pool.Create("stepper", func(c *coopth.Control, offset int, arg interface{}) {
		steps = append(steps, 1)
		c.Wait()
		steps = append(steps, 2)
		c.Wait()
		steps = append(steps, 3)
	}, coopth.Hooks{})
	if err != nil {
		t.Fatal(err)
	}

	if err := pool.Start(tid, nil); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if err := pool.RunTid(tid); err != nil {
			t.Fatal(err)
		}
	}

	if len(steps) != 3 || steps[0] != 1 || steps[1] != 2 || steps[2] != 3 {
		t.Fatalf("unexpected step sequence: %v", steps)
	}

	st, _ := pool.State(tid)
	if st != coopth.StateFinished {
		t.Fatalf("state = %v, want StateFinished", st)
	}
}

func TestHooksFireInOrder(t *testing.T) {
	pool := coopth.NewPool(4)

	var events []string

	hooks := coopth.Hooks{
		CtxPrepare: func(coopth.TID) { events = append(events, "prepare") },
		CtxRestore: func(coopth.TID) { events = append(events, "restore") },
		Sleep:      func(coopth.TID) { events = append(events, "sleep") },
		Wake:       func(coopth.TID) { events = append(events, "wake") },
		Post:       func(coopth.TID) { events = append(events, "post") },
	}

	tid, err := pool.Create("hooked", func(c *coopth.Control, offset int, arg interface{}) {
		c.Wait()
	}, hooks)
	if err != nil {
		t.Fatal(err)
	}

	if err := pool.Start(tid, nil); err != nil {
		t.Fatal(err)
	}

	if err := pool.RunTid(tid); err != nil {
		t.Fatal(err)
	}

	if err := pool.RunTid(tid); err != nil {
		t.Fatal(err)
	}

	want := []string{"prepare", "sleep", "restore", "prepare", "wake", "restore", "post"}
	if len(events) != len(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}

	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events = %v, want %v", events, want)
		}
	}
}

func TestCreateMultiSharesEntryWithDistinctOffsets(t *testing.T) {
	pool := coopth.NewPool(8)

	var offsets []int

	base, slots, err := pool.CreateMulti("multi", func(c *coopth.Control, offset int, arg interface{}) {
		offsets = append(offsets, offset)
	}, coopth.Hooks{}, 3)
	if err != nil {
		t.Fatal(err)
	}

	if len(slots) != 3 {
		t.Fatalf("expected 3 slots, got %d", len(slots))
	}

	for k := 0; k < 3; k++ {
		tid := base + coopth.TID(k)
		if err := pool.Start(tid, nil); err != nil {
			t.Fatal(err)
		}

		if err := pool.RunTid(tid); err != nil {
			t.Fatal(err)
		}
	}

	if len(offsets) != 3 || offsets[0] != 0 || offsets[1] != 1 || offsets[2] != 2 {
		t.Fatalf("unexpected offsets: %v", offsets)
	}
}

func TestLeaveSkipsPostButRunsPermanentPost(t *testing.T) {
	pool := coopth.NewPool(4)

	var postRan, permanentRan bool

	tid, err := pool.Create("leaver", func(c *coopth.Control, offset int, arg interface{}) {
		c.Wait()
	}, coopth.Hooks{
		Post:          func(coopth.TID) { postRan = true },
		PermanentPost: func(coopth.TID) { permanentRan = true },
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := pool.Start(tid, nil); err != nil {
		t.Fatal(err)
	}

	if err := pool.RunTid(tid); err != nil {
		t.Fatal(err)
	}

	if err := pool.Leave(tid); err != nil {
		t.Fatal(err)
	}

	if postRan {
		t.Fatal("Post should not run on Leave")
	}

	if !permanentRan {
		t.Fatal("PermanentPost should run on Leave")
	}
}

func TestRunTidOnNotRunnableFails(t *testing.T) {
	pool := coopth.NewPool(4)

	tid, err := pool.Create("idle", func(c *coopth.Control, offset int, arg interface{}) {}, coopth.Hooks{})
	if err != nil {
		t.Fatal(err)
	}

	if err := pool.RunTid(tid); err != coopth.ErrNotRunnable {
		t.Fatalf("have: %v, want: ErrNotRunnable", err)
	}
}

func TestFlushVM86CountsRunnableVM86Threads(t *testing.T) {
	pool := coopth.NewPool(4)

	tid, err := pool.Create("sleeper", func(c *coopth.Control, offset int, arg interface{}) {
		c.Wait()
	}, coopth.Hooks{})
	if err != nil {
		t.Fatal(err)
	}

	if err := pool.Start(tid, nil); err != nil {
		t.Fatal(err)
	}

	if err := pool.RunTid(tid); err != nil {
		t.Fatal(err)
	}

	n := pool.FlushVM86(func(coopth.TID) bool { return true })
	if n != 1 {
		t.Fatalf("have %d, want 1", n)
	}
}
