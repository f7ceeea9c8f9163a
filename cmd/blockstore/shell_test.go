package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/KevoDB/blockstore/pkg/blockfile"
	"github.com/KevoDB/blockstore/pkg/common/log"
	"github.com/KevoDB/blockstore/pkg/config"
)

func newTestShell(t *testing.T) (*shell, *bytes.Buffer) {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.BlockSize = 64
	var out bytes.Buffer
	sh := newShell(&out, &blockfile.Options{
		FS:     afero.NewMemMapFs(),
		Config: cfg,
		Logger: log.NewDiscardLogger(),
	})
	t.Cleanup(sh.closeAll)
	return sh, &out
}

// run executes line and returns what it printed.
func run(sh *shell, out *bytes.Buffer, line string) string {
	out.Reset()
	sh.execute(line)
	return strings.TrimSpace(out.String())
}

func TestShellRecords(t *testing.T) {
	sh, out := newTestShell(t)

	require.Equal(t, "Error: No file open", run(sh, out, "WRITE hello"))
	run(sh, out, ".open store")
	require.Equal(t, "blockstore:store> ", sh.prompt())

	pos := run(sh, out, "WRITE hello world")
	require.Equal(t, "128", pos)
	require.Equal(t, `"hello world"`, run(sh, out, "READ "+pos))
	require.Equal(t, "11", run(sh, out, "LEN "+pos))

	require.Equal(t, "Record updated", run(sh, out, "UPDATE "+pos+" bye"))
	require.Equal(t, `"bye"`, run(sh, out, "READ "+pos))

	chain := run(sh, out, "APPEND 0 one")
	require.Equal(t, chain, run(sh, out, "APPEND "+chain+" two"))
	require.Equal(t, `"onetwo"`, run(sh, out, "READ "+chain))

	require.Equal(t, "Record deleted", run(sh, out, "DELETE "+pos))
	require.Contains(t, run(sh, out, "READ "+pos), "Error reading record")
	require.Contains(t, run(sh, out, "READ abc"), "invalid position")
	require.Contains(t, run(sh, out, "FROB"), "Unknown command")

	stats := run(sh, out, ".stats")
	require.Contains(t, stats, "write    1")
	require.Contains(t, stats, "range: 1")
}

func TestShellTransactions(t *testing.T) {
	sh, out := newTestShell(t)
	run(sh, out, ".open a b")
	require.Len(t, sh.files, 2)

	require.Equal(t, "Transaction started", run(sh, out, "BEGIN"))
	require.Equal(t, "blockstore:a[TX]> ", sh.prompt())
	pos := run(sh, out, "WRITE pending")
	require.Equal(t, "Transaction rolled back", run(sh, out, "ROLLBACK"))
	require.Contains(t, run(sh, out, "READ "+pos), "Error")

	run(sh, out, "BEGIN")
	pos = run(sh, out, "WRITE in a")
	run(sh, out, ".use b")
	run(sh, out, "BEGIN INVALIDATE")
	run(sh, out, "WRITE in b")
	run(sh, out, ".use a")
	require.Equal(t, "Committed, waiting for the rest of the group", run(sh, out, "COMMIT"))
	require.Equal(t, "blockstore:a[WAIT]> ", sh.prompt())
	run(sh, out, ".use b")
	require.Contains(t, run(sh, out, "COMMIT"), "Transaction committed")

	run(sh, out, ".use a")
	require.Equal(t, `"in a"`, run(sh, out, "READ "+pos))
	require.Contains(t, run(sh, out, ".use c"), "not open")

	require.Equal(t, "Closed", run(sh, out, ".close"))
	require.Equal(t, "No file open", run(sh, out, ".stats"))
	require.True(t, sh.execute(".exit"))
}
