package mprof

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataFileName(t *testing.T) {
	assert.Equal(t, "run.mprof", DataFileName("run.mprof", 0))
	assert.Equal(t, "run.m1", DataFileName("run.mprof", 1))
	assert.Equal(t, filepath.Join("out", "a.b.m12"), DataFileName(filepath.Join("out", "a.b.mprof"), 12))
}

func TestOpenRejectsForeignFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.mprof")
	require.NoError(t, os.WriteFile(path, []byte("definitely not a profile, just text"), 0o644))
	_, err := Open(path)
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestTruncatedStreamIsCorrupt(t *testing.T) {
	p := newTestProfiler(t, nil, Options{})
	p.Free(p.Malloc(8, 0))
	require.NoError(t, p.EndProfiling())

	data, err := os.ReadFile(p.opts.Output)
	require.NoError(t, err)
	r, err := Open(p.opts.Output)
	require.NoError(t, err)
	h := r.Header()
	r.Close()

	// Cut the file just after the first token.
	var e encoder
	h.encode(&e)
	cut := filepath.Join(t.TempDir(), "cut.mprof")
	require.NoError(t, os.WriteFile(cut, data[:len(e.buf)+16], 0o644))

	r, err = Open(cut)
	require.NoError(t, err)
	defer r.Close()
	tok, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, TypeMalloc, tok.Type)
	_, err = r.Next()
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{
		Magic: Magic, Version: Version, Platform: PlatformLinux, SerializeSymbols: true,
		Names: TableRef{Offset: 100, Entries: 3}, Modules: TableRef{Offset: 900, Entries: 1},
		NumDataFiles: 4, ScriptNames: 1234, Executable: "strata",
	}
	var e encoder
	h.encode(&e)

	var got Header
	d := decoder{r: bytes.NewReader(e.buf)}
	require.NoError(t, got.decode(&d))
	assert.Equal(t, h, got)
}
