package testutil

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestWaitFor_ImmediateSuccess(t *testing.T) {
	t.Parallel()
	result := WaitFor(t, func() bool {
		return true
	}, WithTimeout(time.Second))

	if !result {
		t.Error("expected WaitFor to return true for immediate success")
	}
}

func TestWaitFor_EventualSuccess(t *testing.T) {
	t.Parallel()
	counter := 0
	result := WaitFor(t, func() bool {
		counter++
		return counter >= 3
	}, WithTimeout(time.Second), WithInterval(time.Millisecond))

	if !result {
		t.Error("expected WaitFor to return true for eventual success")
	}
	if counter < 3 {
		t.Errorf("expected counter >= 3, got %d", counter)
	}
}

func TestWaitFor_Timeout(t *testing.T) {
	t.Parallel()
	result := WaitFor(t, func() bool {
		return false
	}, WithTimeout(50*time.Millisecond))

	if result {
		t.Error("expected WaitFor to return false on timeout")
	}
}

func TestMustReach(t *testing.T) {
	t.Parallel()
	var counter atomic.Int64
	go func() {
		for i := 0; i < 5; i++ {
			time.Sleep(5 * time.Millisecond)
			counter.Add(1)
		}
	}()

	MustReach(t, counter.Load, 5, WithTimeout(time.Second))
}

func TestReceive(t *testing.T) {
	t.Parallel()
	ch := make(chan string, 1)
	go func() {
		time.Sleep(10 * time.Millisecond)
		ch <- "Finished"
	}()

	if got := Receive(t, ch, WithTimeout(time.Second)); got != "Finished" {
		t.Errorf("Receive() = %q", got)
	}
}

func TestMustClose(t *testing.T) {
	t.Parallel()
	ch := make(chan int, 3)
	ch <- 1
	ch <- 2
	close(ch)

	drained := MustClose(t, ch, WithTimeout(time.Second))
	if len(drained) != 2 || drained[0] != 1 || drained[1] != 2 {
		t.Errorf("drained = %v", drained)
	}
}

func TestOptions(t *testing.T) {
	t.Parallel()
	opts := defaultOptions()
	if opts.Timeout != 5*time.Second || opts.Interval != 10*time.Millisecond {
		t.Errorf("unexpected defaults %+v", opts)
	}

	opts = resolve([]WaitOption{WithTimeout(time.Minute), WithInterval(time.Second)})
	if opts.Timeout != time.Minute || opts.Interval != time.Second {
		t.Errorf("options not applied: %+v", opts)
	}
}
