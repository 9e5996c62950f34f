package mprof

import "errors"

var (
	ErrBadMagic = errors.New("mprof: not a memory profile")
	ErrCorrupt  = errors.New("mprof: corrupt stream")
	ErrVersion  = errors.New("mprof: unsupported version")
	ErrEnded    = errors.New("mprof: profiling has ended")
)
