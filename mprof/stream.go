package mprof

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// DataFileName returns the name of split file n of the stream at path.
// File 0 is path itself.
func DataFileName(path string, n int) string {
	if n == 0 {
		return path
	}
	return fmt.Sprintf("%s.m%d", strings.TrimSuffix(path, filepath.Ext(path)), n)
}

// stream appends tokens to the current data file and rolls over to the
// next one when the ceiling would be exceeded. File #0 stays open for the
// whole run so the tail tables and the header can be written to it.
type stream struct {
	path  string
	max   int64
	first *os.File
	cur   *os.File
	w     *bufio.Writer
	size  int64 // bytes in the current file
	index int
	err   error
}

func createStream(path string, max int64) (*stream, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &stream{
		path:  path,
		max:   max,
		first: f,
		cur:   f,
		w:     bufio.NewWriterSize(f, 64<<10),
	}, nil
}

func (s *stream) write(b []byte) {
	if s.err != nil {
		return
	}
	n, err := s.w.Write(b)
	s.size += int64(n)
	s.err = err
}

// writeToken writes b, splitting first if b would take the file past the
// ceiling. eof encodes the end-of-file marker naming the next file.
func (s *stream) writeToken(b []byte, eof func(next int) []byte) {
	if s.err != nil {
		return
	}
	if s.max > 0 && s.size+int64(len(b)) > s.max {
		s.write(eof(s.index + 1))
		s.next()
	}
	s.write(b)
}

func (s *stream) next() {
	if s.err != nil {
		return
	}
	if s.err = s.w.Flush(); s.err != nil {
		return
	}
	if s.cur != s.first {
		if s.err = s.cur.Close(); s.err != nil {
			return
		}
	}
	s.index++
	f, err := os.Create(DataFileName(s.path, s.index))
	if err != nil {
		s.err = err
		return
	}
	s.cur = f
	s.w.Reset(f)
	s.size = 0
}

// finishTokens flushes and closes the current data file and positions the
// writer at the end of file #0.
func (s *stream) finishTokens() {
	if s.err != nil {
		return
	}
	if s.err = s.w.Flush(); s.err != nil {
		return
	}
	if s.cur != s.first {
		if s.err = s.cur.Close(); s.err != nil {
			return
		}
		s.cur = s.first
		s.w.Reset(s.first)
	}
	s.size, s.err = s.first.Seek(0, io.SeekEnd)
}

// offset returns the position in file #0 at which the next write lands.
func (s *stream) offset() uint64 {
	return uint64(s.size)
}

// patch flushes and rewrites the header at offset 0 of file #0.
func (s *stream) patch(header []byte) {
	if s.err != nil {
		return
	}
	if s.err = s.w.Flush(); s.err != nil {
		return
	}
	if _, s.err = s.first.WriteAt(header, 0); s.err != nil {
		return
	}
	s.err = s.first.Sync()
}

func (s *stream) close() error {
	var err error
	if s.cur != nil && s.cur != s.first {
		err = s.cur.Close()
	}
	if s.first != nil {
		if cerr := s.first.Close(); err == nil {
			err = cerr
		}
	}
	s.cur, s.first = nil, nil
	return err
}
