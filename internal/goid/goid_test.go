package goid

import (
	"sync"
	"testing"
)

func TestCurrentDiffersAcrossGoroutines(t *testing.T) {
	main := Current()
	var other int64
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		other = Current()
	}()
	wg.Wait()
	if main == other {
		t.Fatalf("goroutine ids should differ, both %d", main)
	}
}

func TestGameThread(t *testing.T) {
	defer SetGameThreadID(0)

	if !IsInGameThread() {
		t.Fatal("every goroutine counts as game thread before one is recorded")
	}
	SetGameThread()
	if !IsInGameThread() {
		t.Fatal("recording goroutine should be the game thread")
	}

	var off bool
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		off = IsInGameThread()
	}()
	wg.Wait()
	if off {
		t.Error("other goroutine reported as game thread")
	}
}
