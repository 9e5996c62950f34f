package vm

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies fatal script errors.
type ErrorKind int

const (
	ErrBadBytecode ErrorKind = iota
	ErrUnknownToken
	ErrEndOfScript
	ErrRunaway
	ErrRecursion
	ErrAssertion
	ErrWarningAsError
)

var errorKindNames = [...]string{
	ErrBadBytecode:    "bad bytecode",
	ErrUnknownToken:   "unknown token",
	ErrEndOfScript:    "end of script",
	ErrRunaway:        "runaway loop",
	ErrRecursion:      "recursion",
	ErrAssertion:      "assertion",
	ErrWarningAsError: "warning",
}

func (k ErrorKind) String() string {
	if int(k) < len(errorKindNames) {
		return errorKindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ScriptError is a fatal script failure. It unwinds the interpreter with
// panic and is recovered into an error at the VM entry points.
type ScriptError struct {
	Kind     ErrorKind
	Message  string
	Function string
	Offset   int
	Stack    []string
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("script %s: %s (%s:%04X)", e.Kind, e.Message, e.Function, e.Offset)
}

// StackTrace renders the script callstack at the time of the error.
func (e *ScriptError) StackTrace() string {
	return strings.Join(e.Stack, "\n")
}

// ScriptWarning is a recoverable script diagnostic.
type ScriptWarning struct {
	Message  string
	Function string
	Offset   int
}

func (w ScriptWarning) String() string {
	return fmt.Sprintf("%s (%s:%04X)", w.Message, w.Function, w.Offset)
}

var (
	ErrUnknownFunction = errors.New("unknown function")
	ErrUnknownClass    = errors.New("unknown class")
	ErrUnknownState    = errors.New("unknown state")
	ErrUnknownObject   = errors.New("unknown object")
	ErrAbstractClass   = errors.New("abstract class")
)
