// Package git wraps the version-control operations needed to maintain a
// local mirror of an upstream index repository. The mirror core only calls
// through the Client interface; the production implementation is backed by
// go-git so no git binary is required at runtime.
package git

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	gogit "github.com/go-git/go-git/v5"
	gogitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
)

// fetchRefSpec forces remote-tracking refs to match upstream heads, so
// upstream force pushes (e.g. index squashes) are followed as well.
const fetchRefSpec = "+refs/heads/*:refs/remotes/origin/*"

// Client provides the repository operations used by the mirror.
type Client interface {
	// Clone creates a new local copy of the repository at url in dir and
	// returns the revision of the remote default branch.
	Clone(ctx context.Context, url, dir string) (string, error)

	// Head returns the last fetched revision of the repository in dir
	// without touching the network.
	Head(dir string) (string, error)

	// Fetch downloads upstream changes into the repository in dir and
	// returns the latest upstream revision.
	Fetch(ctx context.Context, dir string) (string, error)

	// Export writes the full tree at revision from the repository in dir
	// into destDir. destDir must be a fresh directory; Export never
	// modifies previously exported trees.
	Export(dir, revision, destDir string) error
}

// GoGitClient implements Client with the embedded go-git library.
//
// The clone is kept without a checked-out working tree; snapshots are
// materialized from the object store with Export instead.
type GoGitClient struct {
	sshKeyPath string
}

// NewClient constructs a GoGitClient. sshKeyPath may be empty, in which
// case the default key at ~/.ssh/id_rsa is tried for SSH remotes.
func NewClient(sshKeyPath string) *GoGitClient {
	return &GoGitClient{sshKeyPath: sshKeyPath}
}

// Clone clones url into dir without checking out a working tree.
func (c *GoGitClient) Clone(ctx context.Context, url, dir string) (string, error) {
	repo, err := gogit.PlainCloneContext(ctx, dir, false, &gogit.CloneOptions{
		URL:        url,
		NoCheckout: true,
		Auth:       c.authMethod(url),
		Tags:       gogit.NoTags,
	})
	if err != nil {
		return "", errors.Wrap(err, "clone "+url)
	}
	return remoteRevision(repo)
}

// Head returns the revision the mirror was last synchronized to.
func (c *GoGitClient) Head(dir string) (string, error) {
	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		return "", errors.Wrap(err, "open "+dir)
	}
	return remoteRevision(repo)
}

// Fetch updates remote-tracking refs and returns the new upstream revision.
func (c *GoGitClient) Fetch(ctx context.Context, dir string) (string, error) {
	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		return "", errors.Wrap(err, "open "+dir)
	}

	remote, err := repo.Remote(gogit.DefaultRemoteName)
	if err != nil {
		return "", errors.Wrap(err, "remote origin")
	}

	url := ""
	if cfg := remote.Config(); len(cfg.URLs) > 0 {
		url = cfg.URLs[0]
	}

	err = remote.FetchContext(ctx, &gogit.FetchOptions{
		RefSpecs: []gogitconfig.RefSpec{fetchRefSpec},
		Auth:     c.authMethod(url),
		Force:    true,
		Tags:     gogit.NoTags,
	})
	if err != nil && !errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		return "", errors.Wrap(err, "fetch")
	}

	return remoteRevision(repo)
}

// Export materializes the tree of the commit at revision under destDir.
func (c *GoGitClient) Export(dir, revision, destDir string) error {
	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		return errors.Wrap(err, "open "+dir)
	}

	commit, err := repo.CommitObject(plumbing.NewHash(revision))
	if err != nil {
		return errors.Wrap(err, "commit "+revision)
	}
	tree, err := commit.Tree()
	if err != nil {
		return errors.Wrap(err, "tree of "+revision)
	}

	return tree.Files().ForEach(func(f *object.File) error {
		return exportFile(f, destDir)
	})
}

func exportFile(f *object.File, destDir string) error {
	target := filepath.Join(destDir, filepath.FromSlash(f.Name))
	if err := os.MkdirAll(filepath.Dir(target), 0750); err != nil {
		return err
	}

	if f.Mode == filemode.Symlink {
		linkTarget, err := f.Contents()
		if err != nil {
			return errors.Wrap(err, "symlink "+f.Name)
		}
		return os.Symlink(linkTarget, target)
	}

	mode, err := f.Mode.ToOSFileMode()
	if err != nil {
		return errors.Wrap(err, "mode of "+f.Name)
	}

	reader, err := f.Blob.Reader()
	if err != nil {
		return errors.Wrap(err, "blob of "+f.Name)
	}
	defer func() {
		_ = reader.Close()
	}()

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode.Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, reader); err != nil {
		_ = out.Close()
		return errors.Wrap(err, "write "+f.Name)
	}
	return out.Close()
}

// remoteRevision resolves the remote-tracking ref of the default branch.
// Right after a fresh clone the local HEAD and origin agree, so HEAD is
// used as a fallback when no tracking ref exists yet.
func remoteRevision(repo *gogit.Repository) (string, error) {
	head, err := repo.Head()
	if err != nil {
		return "", errors.Wrap(err, "resolve HEAD")
	}

	if head.Name().IsBranch() {
		trackingRef := plumbing.NewRemoteReferenceName(gogit.DefaultRemoteName, head.Name().Short())
		if ref, err := repo.Reference(trackingRef, true); err == nil {
			return ref.Hash().String(), nil
		}
	}

	return head.Hash().String(), nil
}

// authMethod picks credentials for the remote URL: an SSH key for SSH
// remotes, environment-provided basic auth or a GitHub token for HTTPS.
// A nil return means anonymous access.
func (c *GoGitClient) authMethod(url string) transport.AuthMethod {
	if strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://") {
		keyPath := c.sshKeyPath
		if keyPath == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil
			}
			keyPath = filepath.Join(home, ".ssh", "id_rsa")
		}
		if _, err := os.Stat(keyPath); err == nil {
			if auth, err := gitssh.NewPublicKeysFromFile("git", keyPath, ""); err == nil {
				return auth
			}
		}
		return nil
	}

	if strings.HasPrefix(url, "https://") {
		username := os.Getenv("GIT_USERNAME")
		password := os.Getenv("GIT_PASSWORD")
		if username != "" && password != "" {
			return &githttp.BasicAuth{Username: username, Password: password}
		}

		if token := os.Getenv("GITHUB_TOKEN"); token != "" {
			return &githttp.BasicAuth{Username: "token", Password: token}
		}
	}

	return nil
}
