package mirror

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/indexmirror/indexmirrord/internal/git"
)

const (
	repoDirName = "repo"
	currentLink = "current"
	snapPrefix  = ".snap."
	shortRevLen = 16
)

var (
	// ErrAcquisition marks failures to establish the initial local copy.
	// It is fatal to process startup.
	ErrAcquisition = errors.New("cannot establish local mirror copy")

	// ErrRefresh marks transient synchronization failures. They are
	// recorded and retried on the next scheduled tick, never fatal.
	ErrRefresh = errors.New("mirror refresh failed")
)

// State is one complete, consistent snapshot of the mirror. It is replaced
// as a whole on every refresh and never mutated in place, so readers can
// hold a *State for the duration of a request without locking.
type State struct {
	// RootPath is the directory holding the fully materialized tree for
	// Revision.
	RootPath string
	// Revision is the upstream commit this snapshot was exported from.
	Revision string
	// SyncedAt is the completion time of the last successful refresh.
	SyncedAt time.Time
	// LastError is the error of the most recent failed refresh, or nil.
	LastError error
}

// Mirror maintains a durable local copy of the upstream index repository.
//
// The layout under dir is:
//
//	repo/            git clone, touched only by Mirror
//	.snap.<rev>/     materialized snapshot trees
//	current          symlink to the live snapshot
//
// Refreshes export the new revision into a fresh snapshot directory and
// then swap the current symlink and the in-memory state pointer, so a
// reader always observes either the old or the new tree, never a mix.
type Mirror struct {
	url     string
	dir     string
	repoDir string
	client  git.Client

	state atomic.Pointer[State]
}

// New constructs a Mirror for the configured repository.
func New(config *Config, client git.Client) *Mirror {
	dir := filepath.Clean(config.Repo.Path)
	return &Mirror{
		url:     config.Repo.GitURL,
		dir:     dir,
		repoDir: filepath.Join(dir, repoDirName),
		client:  client,
	}
}

// Current returns the current mirror state. It never blocks on an
// in-flight refresh.
func (m *Mirror) Current() *State {
	return m.state.Load()
}

// CurrentRoot returns the root directory of the current snapshot.
func (m *Mirror) CurrentRoot() string {
	return m.state.Load().RootPath
}

// Init establishes the local copy: a full clone if none exists, otherwise
// the existing clone is opened as-is. The revision last fetched is
// materialized as the initial snapshot. Init is idempotent and safe to
// call on every startup; any failure is marked ErrAcquisition.
func (m *Mirror) Init(ctx context.Context) error {
	if err := os.MkdirAll(m.dir, 0750); err != nil {
		return errors.Mark(errors.Wrap(err, "mirror dir"), ErrAcquisition)
	}

	var rev string
	_, err := os.Stat(m.repoDir)
	switch {
	case os.IsNotExist(err):
		slog.Info("cloning upstream repository", "url", m.url, "path", m.repoDir)
		rev, err = m.client.Clone(ctx, m.url, m.repoDir)
		if err != nil {
			return errors.Mark(err, ErrAcquisition)
		}
	case err != nil:
		return errors.Mark(err, ErrAcquisition)
	default:
		slog.Info("using existing repository", "path", m.repoDir)
		rev, err = m.client.Head(m.repoDir)
		if err != nil {
			return errors.Mark(err, ErrAcquisition)
		}
	}

	root, err := m.materialize(rev)
	if err != nil {
		return errors.Mark(err, ErrAcquisition)
	}

	m.state.Store(&State{
		RootPath: root,
		Revision: rev,
		SyncedAt: time.Now(),
	})

	if err := m.gc(); err != nil {
		slog.Warn("snapshot cleanup failed", "error", err)
	}
	return nil
}

// Refresh fetches upstream changes and publishes them as a new snapshot.
// On failure the previous state remains current and the error is recorded
// in LastError; callers of Current never see a partial update.
func (m *Mirror) Refresh(ctx context.Context) error {
	cur := m.state.Load()
	if cur == nil {
		return errors.Mark(errors.New("mirror is not initialized"), ErrRefresh)
	}

	rev, err := m.client.Fetch(ctx, m.repoDir)
	if err != nil {
		m.recordError(err)
		return errors.Mark(err, ErrRefresh)
	}

	if rev == cur.Revision {
		slog.Debug("mirror already up to date", "revision", rev)
		m.state.Store(&State{
			RootPath: cur.RootPath,
			Revision: cur.Revision,
			SyncedAt: time.Now(),
		})
		return nil
	}

	root, err := m.materialize(rev)
	if err != nil {
		m.recordError(err)
		return errors.Mark(err, ErrRefresh)
	}

	m.state.Store(&State{
		RootPath: root,
		Revision: rev,
		SyncedAt: time.Now(),
	})
	slog.Info("mirror updated", "revision", rev, "previous", cur.Revision)

	if err := m.gc(); err != nil {
		slog.Warn("snapshot cleanup failed", "error", err)
	}
	return nil
}

// recordError replaces the state with a copy carrying the refresh error.
// RootPath and Revision are untouched, so readers keep serving the last
// good snapshot.
func (m *Mirror) recordError(err error) {
	cur := m.state.Load()
	m.state.Store(&State{
		RootPath:  cur.RootPath,
		Revision:  cur.Revision,
		SyncedAt:  cur.SyncedAt,
		LastError: err,
	})
}

// materialize exports the tree at rev into a snapshot directory and makes
// it the target of the current symlink. The export happens in a side
// directory that is renamed into place only when complete, so a crashed
// or failed export is never published.
func (m *Mirror) materialize(rev string) (string, error) {
	snapDir := filepath.Join(m.dir, snapPrefix+shortRev(rev))

	// Reuse a snapshot that was fully published before, e.g. on restart.
	if target, err := os.Readlink(filepath.Join(m.dir, currentLink)); err == nil && target == snapDir {
		if _, err := os.Stat(snapDir); err == nil {
			return snapDir, nil
		}
	}

	tmpDir := snapDir + ".tmp"
	if err := os.RemoveAll(tmpDir); err != nil {
		return "", errors.Wrap(err, "clean stale export dir")
	}
	if err := os.MkdirAll(tmpDir, 0750); err != nil {
		return "", err
	}

	if err := m.client.Export(m.repoDir, rev, tmpDir); err != nil {
		_ = os.RemoveAll(tmpDir)
		return "", errors.Wrap(err, "export "+rev)
	}
	if err := DirSyncTree(tmpDir); err != nil {
		return "", err
	}

	if err := os.RemoveAll(snapDir); err != nil {
		return "", errors.Wrap(err, "remove stale snapshot")
	}
	if err := os.Rename(tmpDir, snapDir); err != nil {
		return "", err
	}
	if err := DirSync(m.dir); err != nil {
		return "", err
	}

	if err := m.replaceLink(snapDir); err != nil {
		return "", err
	}
	return snapDir, nil
}

// replaceLink atomically repoints the current symlink at snapDir.
func (m *Mirror) replaceLink(snapDir string) error {
	tname := filepath.Join(m.dir, currentLink+".tmp")
	os.Remove(tname)
	err := os.Symlink(snapDir, tname)
	if err != nil {
		return err
	}

	// symlink exists only in dentry
	err = DirSync(m.dir)
	if err != nil {
		return err
	}

	err = os.Rename(tname, filepath.Join(m.dir, currentLink))
	if err != nil {
		return err
	}

	return DirSync(m.dir)
}

// gc removes snapshot directories no longer referenced by the current
// symlink, including leftovers of interrupted exports.
func (m *Mirror) gc() error {
	liveTarget, err := os.Readlink(filepath.Join(m.dir, currentLink))
	if err != nil {
		return errors.Wrap(err, "gc")
	}
	live := filepath.Base(liveTarget)

	dirEntries, err := os.ReadDir(m.dir)
	if err != nil {
		return errors.Wrap(err, "gc")
	}

	for _, dirEntry := range dirEntries {
		name := dirEntry.Name()
		if !strings.HasPrefix(name, snapPrefix) || name == live {
			continue
		}
		p := filepath.Join(m.dir, name)
		slog.Info("removing old snapshot", "path", p)
		if err := os.RemoveAll(p); err != nil {
			return errors.Wrap(err, "gc")
		}
	}
	return nil
}

// shortRev truncates a revision for use in directory names. Opaque
// revisions shorter than the cutoff are used as-is.
func shortRev(rev string) string {
	if len(rev) > shortRevLen {
		return rev[:shortRevLen]
	}
	return rev
}
