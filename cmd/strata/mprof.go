package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/chazu/strata/mprof"
	"github.com/chazu/strata/mprof/sqlitedb"
)

func init() {
	rootCmd.AddCommand(newMprofCmd())
}

func newMprofCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mprof",
		Short: "Inspect memory profiler streams",
	}
	cmd.AddCommand(newMprofInfoCmd(), newMprofDumpCmd(), newMprofImportCmd())
	return cmd
}

// ---------------------------------------------------------------------------
// mprof info
// ---------------------------------------------------------------------------

func newMprofInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info <file.mprof>",
		Short: "Summarise a profile stream",
		Long: `The info command scans a .mprof stream, including its split files,
and reports the header, token counts and the allocations still live at the
end of the stream.

Example:
  strata mprof info profile.mprof
  strata mprof info profile.mprof --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMprofInfo(args[0])
		},
	}
}

// profileInfo is the summary printed by mprof info.
type profileInfo struct {
	File             string         `json:"file"`
	Executable       string         `json:"executable"`
	Platform         string         `json:"platform"`
	Version          uint32         `json:"version"`
	DataFiles        uint32         `json:"data_files"`
	SerializeSymbols bool           `json:"serialize_symbols"`
	ScriptCallstacks int            `json:"script_callstacks"`
	Tokens           map[string]int `json:"tokens"`
	Snapshots        []string       `json:"snapshots,omitempty"`
	Frames           int            `json:"frames"`
	Callstacks       int            `json:"callstacks"`
	Modules          int            `json:"modules"`
	LiveAllocations  int            `json:"live_allocations"`
	LiveBytes        uint64         `json:"live_bytes"`
	PeakBytes        uint64         `json:"peak_bytes"`
}

func summarise(path string) (*profileInfo, error) {
	r, err := mprof.Open(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	h := r.Header()
	info := &profileInfo{
		File:             path,
		Executable:       h.Executable,
		Platform:         h.Platform.String(),
		Version:          h.Version,
		DataFiles:        h.NumDataFiles,
		SerializeSymbols: h.SerializeSymbols,
		Tokens:           map[string]int{},
	}

	live := map[uint64]uint32{}
	var bytes uint64
	for {
		tok, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		switch tok.Type {
		case mprof.TypeMalloc:
			live[tok.Pointer] = tok.Size
			bytes += uint64(tok.Size)
			info.Tokens[tok.Type.String()]++
		case mprof.TypeFree:
			bytes -= uint64(live[tok.Pointer])
			delete(live, tok.Pointer)
			info.Tokens[tok.Type.String()]++
		case mprof.TypeRealloc:
			bytes -= uint64(live[tok.Pointer])
			delete(live, tok.Pointer)
			if tok.NewPointer != 0 {
				live[tok.NewPointer] = tok.Size
				bytes += uint64(tok.Size)
			}
			info.Tokens[tok.Type.String()]++
		case mprof.TypeOther:
			info.Tokens[tok.Subtype.String()]++
			switch tok.Subtype {
			case mprof.SubtypeSnapshot:
				info.Snapshots = append(info.Snapshots, tok.Text)
			case mprof.SubtypeFrameTime:
				info.Frames++
			}
		}
		info.PeakBytes = max(info.PeakBytes, bytes)
	}
	info.LiveAllocations = len(live)
	info.LiveBytes = bytes

	tables, err := r.Tables()
	if err != nil {
		return nil, err
	}
	info.Callstacks = len(tables.Callstacks)
	info.Modules = len(tables.Modules)
	info.ScriptCallstacks = len(tables.ScriptCallstacks)
	return info, nil
}

func runMprofInfo(path string) error {
	info, err := summarise(path)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(info)
	}

	printInfo("\nProfile Information:\n")
	printInfo("  File: %s\n", info.File)
	if stat, err := os.Stat(path); err == nil {
		printInfo("  Size: %s\n", humanize.IBytes(uint64(stat.Size())))
	}
	printInfo("  Executable: %s (%s)\n", info.Executable, info.Platform)
	printInfo("  Version: %d, data files: %d\n", info.Version, info.DataFiles)
	printInfo("  Symbols: %v\n", info.SerializeSymbols)
	printInfo("\nTokens:\n")
	for _, k := range []string{"Malloc", "Free", "Realloc", "Snapshot", "FrameTime", "TextMarker", "AllocationStats"} {
		if n := info.Tokens[k]; n > 0 {
			printInfo("  %-16s %d\n", k, n)
		}
	}
	printInfo("\nTables:\n")
	printInfo("  Callstacks: %d\n", info.Callstacks)
	printInfo("  Modules: %d\n", info.Modules)
	printInfo("  Script callstacks: %d\n", info.ScriptCallstacks)
	if len(info.Snapshots) > 0 {
		printInfo("\nSnapshots: %s\n", strings.Join(info.Snapshots, ", "))
	}
	printInfo("\nMemory:\n")
	printInfo("  Live: %d allocations, %s\n", info.LiveAllocations, humanize.IBytes(info.LiveBytes))
	printInfo("  Peak: %s\n", humanize.IBytes(info.PeakBytes))
	return nil
}

// ---------------------------------------------------------------------------
// mprof dump
// ---------------------------------------------------------------------------

func newMprofDumpCmd() *cobra.Command {
	var (
		limit  int
		frames bool
	)
	cmd := &cobra.Command{
		Use:   "dump <file.mprof>",
		Short: "Print the tokens of a profile stream",
		Long: `The dump command prints every token in stream order.

Example:
  strata mprof dump profile.mprof --limit 100
  strata mprof dump profile.mprof --callstacks`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMprofDump(args[0], limit, frames)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Stop after this many tokens (0 for all)")
	cmd.Flags().BoolVar(&frames, "callstacks", false, "Print the resolved callstack of each allocation")
	return cmd
}

func runMprofDump(path string, limit int, frames bool) error {
	r, err := mprof.Open(path)
	if err != nil {
		return err
	}
	defer r.Close()

	tables, err := r.Tables()
	if err != nil {
		return err
	}

	for n := 0; limit == 0 || n < limit; n++ {
		tok, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		printInfo("%s\n", formatToken(&tok, tables))
		if frames && tok.Callstack >= 0 && (tok.Type == mprof.TypeMalloc || tok.Type == mprof.TypeRealloc) {
			for _, f := range tables.Frames(tok.Callstack) {
				printInfo("    %s\n", f)
			}
		}
	}
	return nil
}

func formatToken(tok *mprof.Token, tables *mprof.Tables) string {
	switch tok.Type {
	case mprof.TypeMalloc:
		return fmt.Sprintf("[%d] Malloc  %#x size=%d cs=%d", tok.File, tok.Pointer, tok.Size, tok.Callstack)
	case mprof.TypeFree:
		return fmt.Sprintf("[%d] Free    %#x", tok.File, tok.Pointer)
	case mprof.TypeRealloc:
		return fmt.Sprintf("[%d] Realloc %#x -> %#x size=%d cs=%d", tok.File, tok.Pointer, tok.NewPointer, tok.Size, tok.Callstack)
	}
	switch tok.Subtype {
	case mprof.SubtypeSnapshot:
		return fmt.Sprintf("[%d] Snapshot %s %q", tok.File, mprof.SnapshotType(tok.Payload), tok.Text)
	case mprof.SubtypeFrameTime:
		return fmt.Sprintf("[%d] FrameTime %.4fs", tok.File, tok.FrameTime())
	case mprof.SubtypeTextMarker:
		text := fmt.Sprintf("name#%d", tok.Payload)
		if int(tok.Payload) < len(tables.Names) {
			text = tables.Names[tok.Payload]
		}
		return fmt.Sprintf("[%d] TextMarker %q", tok.File, text)
	case mprof.SubtypeAllocationStats:
		return fmt.Sprintf("[%d] AllocationStats %v", tok.File, tok.Stats)
	}
	return fmt.Sprintf("[%d] %s %d", tok.File, tok.Subtype, tok.Payload)
}

// ---------------------------------------------------------------------------
// mprof import
// ---------------------------------------------------------------------------

func newMprofImportCmd() *cobra.Command {
	var top int
	cmd := &cobra.Command{
		Use:   "import <file.mprof> <db.sqlite>",
		Short: "Import a profile stream into SQLite",
		Long: `The import command loads a .mprof stream into a SQLite database for
offline analysis and reports the callstacks holding the most live memory.

Example:
  strata mprof import profile.mprof profile.db --top 20`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return runMprofImport(ctx, args[0], args[1], top)
		},
	}
	cmd.Flags().IntVar(&top, "top", 10, "Callstacks to report")
	return cmd
}

func runMprofImport(ctx context.Context, path, dbPath string, top int) error {
	db, err := sqlitedb.Open(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	sum, err := db.Import(ctx, path)
	if err != nil {
		return err
	}
	usage, err := db.TopCallstacks(ctx, top)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(struct {
			Summary sqlitedb.Summary          `json:"summary"`
			Top     []sqlitedb.CallstackUsage `json:"top"`
		}{sum, usage})
	}

	printInfo("Imported %d tokens from %d data files into %s\n", sum.Tokens, sum.DataFiles, dbPath)
	printInfo("  %d callstacks, %d names\n", sum.Callstacks, sum.Names)
	printInfo("  Live: %d allocations, %s\n", sum.Live, humanize.IBytes(sum.LiveBytes))
	for _, u := range usage {
		printInfo("\n%s in %d allocations (callstack %d)\n", humanize.IBytes(u.Bytes), u.Count, u.Callstack)
		for _, f := range u.Frames {
			printInfo("    %s\n", f)
		}
	}
	return nil
}
