// Package goid identifies the calling goroutine. The allocator and profiler
// treat a goroutine the way the engine treats an OS thread: reentry guards,
// allocation sections and the game-thread check are all keyed by it.
package goid

import (
	"sync/atomic"

	"github.com/petermattis/goid"
)

// Current returns the id of the calling goroutine.
func Current() int64 {
	return goid.Get()
}

var gameThread atomic.Int64

// SetGameThread records the calling goroutine as the game thread.
func SetGameThread() {
	gameThread.Store(goid.Get())
}

// SetGameThreadID records id as the game thread. Zero clears it.
func SetGameThreadID(id int64) {
	gameThread.Store(id)
}

// GameThread returns the recorded game thread id, or 0 if none was set.
func GameThread() int64 {
	return gameThread.Load()
}

// IsInGameThread reports whether the caller runs on the game thread.
// Before a game thread is recorded every caller is considered to be on it.
func IsInGameThread() bool {
	id := gameThread.Load()
	return id == 0 || id == goid.Get()
}
