package hwsignal_test

import (
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/dosemu-go/coredos/hwsignal"
)

func TestRaiseAndDrain(t *testing.T) {
	r := hwsignal.New()
	defer r.Close()

	r.Raise(hwsignal.Event{Class: hwsignal.ClassInternal})

	if !r.Pending() {
		t.Fatal("expected a pending event")
	}

	var got []hwsignal.Event
	r.Drain(func(e hwsignal.Event) {
		got = append(got, e)
	})

	if len(got) != 1 || got[0].Class != hwsignal.ClassInternal {
		t.Fatalf("unexpected drain result: %+v", got)
	}

	if r.Pending() {
		t.Fatal("ring should be empty after Drain")
	}
}

func TestDrainReentrancyDropsNestedCall(t *testing.T) {
	r := hwsignal.New()
	defer r.Close()

	r.Raise(hwsignal.Event{Class: hwsignal.ClassEmergency})

	var nestedRan bool

	r.Drain(func(e hwsignal.Event) {
		r.Drain(func(hwsignal.Event) { nestedRan = true })
	})

	if nestedRan {
		t.Fatal("nested Drain call should have been a no-op")
	}
}

func TestRingOverwritesOldestOnOverflow(t *testing.T) {
	r := hwsignal.New()
	defer r.Close()

	for i := 0; i < 60; i++ {
		r.Raise(hwsignal.Event{Class: hwsignal.ClassIO})
	}

	count := 0
	r.Drain(func(hwsignal.Event) { count++ })

	if count != 50 {
		t.Fatalf("have %d events, want 50 (ring capacity)", count)
	}
}

func TestSIGALRMClassifiesPeriodic(t *testing.T) {
	r := hwsignal.New(syscall.SIGALRM)
	defer r.Close()

	var wg sync.WaitGroup
	wg.Add(1)

	var class hwsignal.Class

	go func() {
		defer wg.Done()

		deadline := time.After(time.Second)
		for {
			var got bool
			r.Drain(func(e hwsignal.Event) {
				class = e.Class
				got = true
			})

			if got {
				return
			}

			select {
			case <-deadline:
				return
			case <-time.After(time.Millisecond):
			}
		}
	}()

	p, err := os.FindProcess(os.Getpid())
	if err != nil {
		t.Fatal(err)
	}

	if err := p.Signal(syscall.SIGALRM); err != nil {
		t.Fatal(err)
	}

	wg.Wait()

	if class != hwsignal.ClassPeriodic {
		t.Fatalf("have class %v, want ClassPeriodic", class)
	}
}
