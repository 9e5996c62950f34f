package malloc

import (
	"fmt"
	"sync"
)

// FatalKind classifies unrecoverable allocator failures.
type FatalKind int

const (
	FatalOutOfMemory FatalKind = iota
	FatalHeapCorruption
	FatalBadAlignment
	FatalBadPointer
	FatalNotInstalled
)

func (k FatalKind) String() string {
	switch k {
	case FatalOutOfMemory:
		return "OutOfMemory"
	case FatalHeapCorruption:
		return "HeapCorruption"
	case FatalBadAlignment:
		return "BadAlignment"
	case FatalBadPointer:
		return "BadPointer"
	case FatalNotInstalled:
		return "NotInstalled"
	}
	return "Unknown"
}

// FatalError is the panic value raised for allocator faults. There is no
// error return on the allocation path.
type FatalError struct {
	Kind    FatalKind
	Message string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("malloc: %s: %s", e.Kind, e.Message)
}

var (
	fatalMu    sync.Mutex
	fatalHooks = map[int]func(*FatalError){}
	fatalNext  int
)

// OnFatal registers fn to run before a fatal error panics. The profiler uses
// this to flush its stream. The returned func unregisters the hook.
func OnFatal(fn func(*FatalError)) (remove func()) {
	fatalMu.Lock()
	id := fatalNext
	fatalNext++
	fatalHooks[id] = fn
	fatalMu.Unlock()
	return func() {
		fatalMu.Lock()
		delete(fatalHooks, id)
		fatalMu.Unlock()
	}
}

// Fatal reports an unrecoverable allocator failure: it logs, runs the
// registered hooks and panics with a *FatalError.
func Fatal(kind FatalKind, format string, args ...any) {
	err := &FatalError{Kind: kind, Message: fmt.Sprintf(format, args...)}
	log.Critical(err.Error())

	fatalMu.Lock()
	hooks := make([]func(*FatalError), 0, len(fatalHooks))
	for _, fn := range fatalHooks {
		hooks = append(hooks, fn)
	}
	fatalMu.Unlock()

	for _, fn := range hooks {
		runFatalHook(fn, err)
	}
	panic(err)
}

// runFatalHook keeps a failing hook from masking the original fault.
func runFatalHook(fn func(*FatalError), err *FatalError) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("fatal hook panicked: %v", r)
		}
	}()
	fn(err)
}
