package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/KevoDB/blockstore/pkg/blockfile"
)

const helpText = `
blockstore - a transactional store of records in fixed-size blocks.

Commands:
  .help                   - Show this help message
  .open PATH [PATH...]    - Open block files; several paths form a commit group
  .use PATH               - Make an open file the target of record commands
  .close                  - Close every open file
  .exit                   - Exit the program
  .stats                  - Show statistics for the current file

  BEGIN [INVALIDATE]      - Begin a transaction on the current file
  COMMIT                  - Commit the current file's transaction
  ROLLBACK                - Roll back the transaction (the whole group if grouped)

  WRITE text              - Store text as a new record and print its position
  READ pos                - Print the record at pos
  LEN pos                 - Print the length of the record at pos
  UPDATE pos text         - Replace the record at pos
  APPEND pos text         - Append to the append chain at pos (0 creates one)
  DELETE pos              - Delete the record at pos
`

// shell holds the files the interactive session works on.
type shell struct {
	out   io.Writer
	opts  *blockfile.Options
	files []*blockfile.File
	cur   *blockfile.File
}

func newShell(out io.Writer, opts *blockfile.Options) *shell {
	return &shell{out: out, opts: opts}
}

func (s *shell) printf(format string, args ...interface{}) {
	fmt.Fprintf(s.out, format, args...)
}

func (s *shell) prompt() string {
	if s.cur == nil {
		return "blockstore> "
	}
	switch {
	case s.cur.WaitingForGroupCommit():
		return fmt.Sprintf("blockstore:%s[WAIT]> ", s.cur.Path())
	case s.cur.InTransaction():
		return fmt.Sprintf("blockstore:%s[TX]> ", s.cur.Path())
	default:
		return fmt.Sprintf("blockstore:%s> ", s.cur.Path())
	}
}

func (s *shell) open(paths []string) {
	s.closeAll()

	if len(paths) == 1 {
		f, err := blockfile.Open(paths[0], s.opts)
		if err != nil {
			s.printf("Error opening %s: %s\n", paths[0], err)
			return
		}
		s.files = []*blockfile.File{f}
	} else {
		files, err := blockfile.OpenGroup(paths, s.opts)
		if err != nil {
			s.printf("Error opening group: %s\n", err)
			return
		}
		s.files = files
	}
	s.cur = s.files[0]
	for _, f := range s.files {
		s.printf("Opened %s (block size %d, %s)\n", f.Path(), f.BlockSize(), f.Version())
	}
}

func (s *shell) closeAll() {
	for _, f := range s.files {
		if err := f.Close(); err != nil {
			s.printf("Error closing %s: %s\n", f.Path(), err)
		}
	}
	s.files = nil
	s.cur = nil
}

// execute runs one command line and reports whether the session should end.
func (s *shell) execute(line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}
	cmd := strings.ToUpper(parts[0])

	if strings.HasPrefix(cmd, ".") {
		switch strings.ToLower(cmd) {
		case ".help":
			s.printf("%s", helpText)
		case ".open":
			if len(parts) < 2 {
				s.printf("Error: Missing path argument\n")
				return false
			}
			s.open(parts[1:])
		case ".use":
			if len(parts) < 2 {
				s.printf("Error: Missing path argument\n")
				return false
			}
			for _, f := range s.files {
				if f.Path() == parts[1] {
					s.cur = f
					return false
				}
			}
			s.printf("Error: %s is not open\n", parts[1])
		case ".close":
			if s.cur == nil {
				s.printf("No file open\n")
				return false
			}
			s.closeAll()
			s.printf("Closed\n")
		case ".exit":
			s.closeAll()
			s.printf("Goodbye!\n")
			return true
		case ".stats":
			if s.cur == nil {
				s.printf("No file open\n")
				return false
			}
			s.printStats()
		default:
			s.printf("Unknown command: %s\n", cmd)
		}
		return false
	}

	if s.cur == nil {
		s.printf("Error: No file open\n")
		return false
	}
	f := s.cur

	// The record commands take a position first, then text.
	var pos int64
	text := ""
	switch cmd {
	case "READ", "LEN", "UPDATE", "APPEND", "DELETE":
		if len(parts) < 2 {
			s.printf("Error: %s requires a position\n", cmd)
			return false
		}
		p, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			s.printf("Error: invalid position %q\n", parts[1])
			return false
		}
		pos = p
		text = strings.Join(parts[2:], " ")
	case "WRITE":
		text = strings.Join(parts[1:], " ")
	}

	switch cmd {
	case "BEGIN":
		invalidate := len(parts) >= 2 && strings.ToUpper(parts[1]) == "INVALIDATE"
		if err := f.BeginTransaction(invalidate); err != nil {
			s.printf("Error beginning transaction: %s\n", err)
			return false
		}
		s.printf("Transaction started\n")

	case "COMMIT":
		startTime := time.Now()
		if err := f.Commit(); err != nil {
			s.printf("Error committing transaction: %s\n", err)
			return false
		}
		if f.WaitingForGroupCommit() {
			s.printf("Committed, waiting for the rest of the group\n")
		} else {
			s.printf("Transaction committed (%.2f ms)\n", float64(time.Since(startTime).Microseconds())/1000.0)
		}

	case "ROLLBACK":
		if err := f.Rollback(); err != nil {
			s.printf("Error rolling back transaction: %s\n", err)
			return false
		}
		s.printf("Transaction rolled back\n")

	case "WRITE":
		p, err := f.Write([]byte(text))
		if err != nil {
			s.printf("Error writing record: %s\n", err)
			return false
		}
		s.printf("%d\n", p)

	case "READ":
		data, err := f.ReadAll(pos)
		if err != nil {
			s.printf("Error reading record: %s\n", err)
			return false
		}
		s.printf("%q\n", data)

	case "LEN":
		n, err := f.DataLength(pos)
		if err != nil {
			s.printf("Error: %s\n", err)
			return false
		}
		s.printf("%d\n", n)

	case "UPDATE":
		if err := f.Update(pos, []byte(text)); err != nil {
			s.printf("Error updating record: %s\n", err)
			return false
		}
		s.printf("Record updated\n")

	case "APPEND":
		p, err := f.Append(pos, []byte(text))
		if err != nil {
			s.printf("Error appending: %s\n", err)
			return false
		}
		s.printf("%d\n", p)

	case "DELETE":
		if err := f.Delete(pos); err != nil {
			s.printf("Error deleting record: %s\n", err)
			return false
		}
		s.printf("Record deleted\n")

	default:
		s.printf("Unknown command: %s\n", cmd)
	}
	return false
}

func (s *shell) printStats() {
	f := s.cur
	stats := f.Stats()

	getUint64 := func(m map[string]interface{}, key string) uint64 {
		if v, ok := m[key].(uint64); ok {
			return v
		}
		return 0
	}

	s.printf("File: %s\n", f.Path())
	s.printf("  Size: %d bytes, block size %d, %s\n", f.Size(), f.BlockSize(), f.Version())
	if total, free, err := f.BlockStats(); err == nil {
		s.printf("  Data blocks: %d (%d free)\n", total, free)
	}
	if leader := f.GroupLeader(); leader != "" {
		s.printf("  Group leader: %s\n", leader)
	}

	s.printf("\nOperations:\n")
	for _, op := range []string{"write", "read", "update", "append", "delete", "reserve"} {
		s.printf("  %-8s %d\n", op, getUint64(stats, op+"_ops"))
	}

	s.printf("\nTransactions:\n")
	s.printf("  Started: %d\n", getUint64(stats, "tx_begin_ops"))
	s.printf("  Committed: %d\n", getUint64(stats, "tx_commit_ops"))
	s.printf("  Rolled back: %d\n", getUint64(stats, "tx_rollback_ops"))
	s.printf("  Journaled blocks: %d (%d bytes stored for %d raw)\n",
		getUint64(stats, "journal_blocks"),
		getUint64(stats, "journal_stored_bytes"),
		getUint64(stats, "journal_raw_bytes"))

	s.printf("\nStorage:\n")
	s.printf("  Bytes read: %d\n", getUint64(stats, "total_bytes_read"))
	s.printf("  Bytes written: %d\n", getUint64(stats, "total_bytes_written"))
	s.printf("  Extensions: %d\n", getUint64(stats, "alloc_file_extensions"))
	s.printf("  Truncations: %d\n", getUint64(stats, "alloc_truncations"))

	if rec, ok := stats["recovery"].(map[string]interface{}); ok {
		s.printf("\nRecovery:\n")
		s.printf("  Journals replayed: %d\n", getUint64(rec, "journals_replayed"))
		s.printf("  Invalidations: %d\n", getUint64(rec, "invalidations"))
		s.printf("  Group commits completed: %d\n", getUint64(rec, "group_commits"))
		s.printf("  Blocks restored: %d\n", getUint64(rec, "blocks_restored"))
	}

	if errs, ok := stats["errors"].(map[string]uint64); ok && len(errs) > 0 {
		s.printf("\nErrors:\n")
		kinds := make([]string, 0, len(errs))
		for k := range errs {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		for _, k := range kinds {
			s.printf("  %s: %d\n", k, errs[k])
		}
	}
}
