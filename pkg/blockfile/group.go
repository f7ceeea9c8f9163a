package blockfile

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/KevoDB/blockstore/pkg/stats"
	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/spf13/afero"
)

// groupMu guards group membership and serializes the operations that act on
// every member of a group at once.
var groupMu sync.Mutex

// group is a set of files whose transactions commit or roll back together. The
// first member leads: it owns the marker that records a commit in progress.
type group struct {
	members []*File

	// testingFinalizeHook is called before each step of finalize. Returning
	// false stops finalize there, leaving the files as a crash would.
	testingFinalizeHook func(step int) bool
}

// lockGroup locks f, or every member of f's group when it has one.
func (f *File) lockGroup() func() {
	groupMu.Lock()
	g := f.group
	if g == nil {
		f.mu.Lock()
		return func() {
			f.mu.Unlock()
			groupMu.Unlock()
		}
	}
	members := append([]*File(nil), g.members...)
	for _, m := range members {
		m.mu.Lock()
	}
	return func() {
		for i := len(members) - 1; i >= 0; i-- {
			members[i].mu.Unlock()
		}
		groupMu.Unlock()
	}
}

// GroupWith links f and other so that their transactions commit atomically.
// If either already belongs to a group the groups are merged; f's group keeps
// its leader. Neither file may have a transaction open.
func (f *File) GroupWith(other *File) error {
	groupMu.Lock()
	defer groupMu.Unlock()

	if f == other || (f.group != nil && f.group == other.group) {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	other.mu.Lock()
	defer other.mu.Unlock()

	// Every member of either group must be idle.
	check := []*File{f, other}
	for _, g := range []*group{f.group, other.group} {
		if g == nil {
			continue
		}
		for _, m := range g.members {
			if m != f && m != other {
				check = append(check, m)
			}
		}
	}
	for _, file := range check {
		if file != f && file != other {
			file.mu.Lock()
			defer file.mu.Unlock()
		}
		if err := file.checkUsable(); err != nil {
			return err
		}
		if file.tx != nil {
			return errors.Wrapf(ErrTransactionActive, "cannot group %s", file.path)
		}
	}

	g := f.group
	if g == nil {
		g = &group{members: []*File{f}}
		f.group = g
	}
	if og := other.group; og != nil {
		for _, m := range og.members {
			m.group = g
		}
		g.members = append(g.members, og.members...)
	} else {
		other.group = g
		g.members = append(g.members, other)
	}

	f.logger.Debug("Grouped with %s, %d members", other.path, len(g.members))
	return nil
}

// UnGroup removes f from its group.
func (f *File) UnGroup() error {
	groupMu.Lock()
	defer groupMu.Unlock()
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.group == nil {
		return nil
	}
	if f.tx != nil {
		return errors.Wrapf(ErrTransactionActive, "cannot ungroup %s", f.path)
	}
	f.group.remove(f)
	return nil
}

// GroupLeader returns the path of the file that leads f's group, or "" when f
// is not grouped.
func (f *File) GroupLeader() string {
	groupMu.Lock()
	defer groupMu.Unlock()
	if f.group == nil {
		return ""
	}
	return f.group.members[0].path
}

// OpenGroup opens the files at paths and groups them. The first path leads the
// group.
func OpenGroup(paths []string, opts *Options) ([]*File, error) {
	if len(paths) == 0 {
		return nil, errors.New("blockfile: empty group")
	}

	files := make([]*File, 0, len(paths))
	closeAll := func() {
		for _, f := range files {
			f.Close()
		}
	}
	for _, path := range paths {
		f, err := Open(path, opts)
		if err != nil {
			closeAll()
			return nil, errors.Wrapf(err, "failed to open group member %s", path)
		}
		files = append(files, f)
	}
	for _, f := range files[1:] {
		if err := files[0].GroupWith(f); err != nil {
			closeAll()
			return nil, err
		}
	}
	return files, nil
}

// remove takes f out of the group; a group left with one member dissolves.
func (g *group) remove(f *File) {
	for i, m := range g.members {
		if m == f {
			g.members = append(g.members[:i], g.members[i+1:]...)
			break
		}
	}
	f.group = nil
	if len(g.members) == 1 {
		g.members[0].group = nil
		g.members = nil
	}
}

// ready reports whether every member with a transaction open has committed.
func (g *group) ready() bool {
	for _, m := range g.members {
		if m.tx != nil && !m.tx.committed {
			return false
		}
	}
	return true
}

// finalize deletes the journals of every committed member. Each member is
// first pointed at its leader, then the leader's marker is written; both stay
// until the last journal is gone, so a crash in between is completed rather
// than rolled back whichever member is reopened first.
func (g *group) finalize() error {
	leader := g.members[0]
	start := time.Now()

	var pending []*File
	for _, m := range g.members {
		if m.tx != nil {
			pending = append(pending, m)
		}
	}

	step := 0
	stop := func() bool {
		step++
		return g.testingFinalizeHook != nil && !g.testingFinalizeHook(step)
	}

	if stop() {
		return errCrashSimulated
	}
	leaderDir := filepath.Dir(leader.path)
	names := make([]string, len(pending))
	for i, m := range pending {
		name, err := relativePath(leaderDir, m.path)
		if err != nil {
			return err
		}
		names[i] = name
	}
	if err := g.writeLeaderPointers(leader, pending); err != nil {
		g.removeLeaderPointers(leader, pending)
		return err
	}
	marker := leader.path + groupSuffix
	if err := writeSynced(leader.fs, marker, encodeGroupMarker(names)); err != nil {
		_ = removeIfExists(leader.fs, marker)
		g.removeLeaderPointers(leader, pending)
		return err
	}

	var firstErr error
	for _, m := range pending {
		if stop() {
			return errCrashSimulated
		}
		if err := m.finishCommit(); err != nil {
			m.tx.closeHandles()
			m.tx = nil
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		// The marker stays; reopening any member finishes the job.
		for _, m := range pending {
			m.unusable = true
		}
		leader.logger.Error("Group commit incomplete, reopen %s to finish it: %v", leader.path, firstErr)
		return firstErr
	}

	if stop() {
		return errCrashSimulated
	}
	g.removeLeaderPointers(leader, pending)
	if err := removeIfExists(leader.fs, marker); err != nil {
		return err
	}

	leader.metrics.RecordGroupCommit(context.Background(), len(pending), time.Since(start))
	leader.logger.Debug("Group commit of %d members complete", len(pending))
	return nil
}

// writeLeaderPointers records, next to every pending member other than the
// leader, where the leader's marker lives.
func (g *group) writeLeaderPointers(leader *File, pending []*File) error {
	for _, m := range pending {
		if m == leader {
			continue
		}
		name, err := relativePath(filepath.Dir(m.path), leader.path)
		if err != nil {
			return err
		}
		if err := writeSynced(m.fs, m.path+leaderSuffix, encodeGroupMarker([]string{name})); err != nil {
			return err
		}
	}
	return nil
}

// removeLeaderPointers is best effort: a pointer left behind is dropped when
// its member is next opened.
func (g *group) removeLeaderPointers(leader *File, pending []*File) {
	for _, m := range pending {
		if m == leader {
			continue
		}
		if err := removeIfExists(m.fs, m.path+leaderSuffix); err != nil {
			m.logger.Warn("Failed to remove group leader pointer: %v", err)
		}
	}
}

// rollback rolls back every member's open transaction.
func (g *group) rollback() error {
	var firstErr error
	for _, m := range g.members {
		if err := m.rollbackOne(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Group marker layout, also used for a member's pointer to its leader
// - paths relative to the directory of the file the marker sits next to,
//   newline separated
// - xxhash64 of the paths (8 bytes, little endian)
// The marker belongs to no single file, so it does not follow a file's byte order.

func encodeGroupMarker(paths []string) []byte {
	body := []byte(strings.Join(paths, "\n"))
	buf := make([]byte, len(body)+8)
	copy(buf, body)
	binary.LittleEndian.PutUint64(buf[len(body):], xxhash.Sum64(body))
	return buf
}

func decodeGroupMarker(data []byte) ([]string, bool) {
	if len(data) < 8 {
		return nil, false
	}
	body := data[:len(data)-8]
	if xxhash.Sum64(body) != binary.LittleEndian.Uint64(data[len(body):]) {
		return nil, false
	}
	if len(body) == 0 {
		return nil, true
	}
	var paths []string
	for _, line := range bytes.Split(body, []byte{'\n'}) {
		paths = append(paths, string(line))
	}
	return paths, true
}

// resolveGroupMarker completes a group commit that was interrupted after its
// marker was written, whether f led that group or was one of its members.
func (f *File) resolveGroupMarker() error {
	if err := f.completeGroupCommit(f.path, ""); err != nil {
		return err
	}
	return f.followGroupLeader()
}

// followGroupLeader reads the pointer a group commit left next to f and
// completes the commit from the leader's marker when it names f. A pointer
// whose leader has no such marker is stale: either no journal was deleted yet
// or the commit already finished.
func (f *File) followGroupLeader() error {
	pointer := f.path + leaderSuffix
	data, err := afero.ReadFile(f.fs, pointer)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "failed to read group leader pointer")
	}
	if names, ok := decodeGroupMarker(data); ok && len(names) == 1 {
		leader := filepath.Join(filepath.Dir(f.path), names[0])
		if err := f.completeGroupCommit(leader, f.path); err != nil {
			return err
		}
	}
	return removeIfExists(f.fs, pointer)
}

// completeGroupCommit deletes the side-car files of every member listed in the
// marker of the group led by leader, then the marker itself. With member set
// it only acts on a marker that lists member, and leaves an incomplete marker
// for the leader to discard. An incomplete marker means no journal was deleted
// yet, so every member rolls back on its own.
func (f *File) completeGroupCommit(leader, member string) error {
	marker := leader + groupSuffix
	data, err := afero.ReadFile(f.fs, marker)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "failed to read group marker")
	}

	names, ok := decodeGroupMarker(data)
	if !ok {
		if member != "" {
			return nil
		}
		f.logger.Warn("Discarding incomplete group commit marker")
		return removeIfExists(f.fs, marker)
	}
	paths := make([]string, len(names))
	listed := member == ""
	for i, name := range names {
		paths[i] = filepath.Join(filepath.Dir(leader), name)
		if !listed && samePath(paths[i], member) {
			listed = true
		}
	}
	if !listed {
		return nil
	}

	start := f.stats.StartRecovery()
	for _, p := range paths {
		for _, suffix := range []string{invalidateSuffix, journalSuffix, leaderSuffix} {
			if err := removeIfExists(f.fs, p+suffix); err != nil {
				return err
			}
		}
	}
	if err := removeIfExists(f.fs, marker); err != nil {
		return err
	}

	f.stats.FinishRecovery(start, stats.RecoveryGroupCommit, 0)
	f.metrics.RecordRecovery(context.Background(), string(stats.RecoveryGroupCommit), 0, time.Since(start))
	f.logger.Info("Completed interrupted group commit of %d members led by %s", len(paths), leader)
	return nil
}

// relativePath returns path relative to dir, going through absolute paths when
// only one of them is absolute.
func relativePath(dir, path string) (string, error) {
	if rel, err := filepath.Rel(dir, path); err == nil {
		return rel, nil
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", errors.Wrapf(err, "failed to resolve %s", dir)
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to resolve %s", path)
	}
	rel, err := filepath.Rel(absDir, absPath)
	return rel, errors.Wrapf(err, "failed to relate %s to %s", path, dir)
}

func samePath(a, b string) bool {
	if filepath.Clean(a) == filepath.Clean(b) {
		return true
	}
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	return errA == nil && errB == nil && absA == absB
}
