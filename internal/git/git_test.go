package git

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// commitFiles writes the given files into the repository working tree at
// dir and commits them, returning the new revision.
func commitFiles(t *testing.T, dir string, files map[string]string, message string) string {
	t.Helper()

	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		t.Fatal("open source repo:", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatal("worktree:", err)
	}

	for name, content := range files {
		full := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(full), 0750); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
		if _, err := wt.Add(name); err != nil {
			t.Fatal("add:", err)
		}
	}

	hash, err := wt.Commit(message, &gogit.CommitOptions{
		Author: &object.Signature{
			Name:  "index-bot",
			Email: "bot@example.com",
			When:  time.Now(),
		},
	})
	if err != nil {
		t.Fatal("commit:", err)
	}
	return hash.String()
}

func initSourceRepo(t *testing.T, files map[string]string) (string, string) {
	t.Helper()

	dir := t.TempDir()
	if _, err := gogit.PlainInit(dir, false); err != nil {
		t.Fatal("init source repo:", err)
	}
	rev := commitFiles(t, dir, files, "initial import")
	return dir, rev
}

func TestCloneFetchExport(t *testing.T) {
	t.Parallel()

	src, rev1 := initSourceRepo(t, map[string]string{
		"config.json": `{"dl":"https://static.example/crates"}`,
		"se/rd/serde": `{"name":"serde","vers":"1.0.0"}`,
	})

	client := NewClient("")
	cloneDir := filepath.Join(t.TempDir(), "repo")

	got, err := client.Clone(context.Background(), src, cloneDir)
	if err != nil {
		t.Fatal("clone:", err)
	}
	if got != rev1 {
		t.Errorf("Clone revision = %s, want %s", got, rev1)
	}

	// The clone keeps no working tree; files come only from Export.
	if _, err := os.Stat(filepath.Join(cloneDir, "config.json")); !os.IsNotExist(err) {
		t.Error("clone should not have a checked-out working tree")
	}

	out1 := filepath.Join(t.TempDir(), "snap1")
	if err := os.MkdirAll(out1, 0750); err != nil {
		t.Fatal(err)
	}
	if err := client.Export(cloneDir, rev1, out1); err != nil {
		t.Fatal("export:", err)
	}
	data, err := os.ReadFile(filepath.Join(out1, "se", "rd", "serde"))
	if err != nil {
		t.Fatal("read exported file:", err)
	}
	if string(data) != `{"name":"serde","vers":"1.0.0"}` {
		t.Errorf("exported content = %q", data)
	}

	// Advance upstream and fetch.
	rev2 := commitFiles(t, src, map[string]string{
		"se/rd/serde": `{"name":"serde","vers":"1.0.1"}`,
		"to/ki/tokio": `{"name":"tokio","vers":"1.38.0"}`,
	}, "publish updates")

	got, err = client.Fetch(context.Background(), cloneDir)
	if err != nil {
		t.Fatal("fetch:", err)
	}
	if got != rev2 {
		t.Errorf("Fetch revision = %s, want %s", got, rev2)
	}

	if got, err := client.Head(cloneDir); err != nil || got != rev2 {
		t.Errorf("Head = %s, %v, want %s", got, err, rev2)
	}

	out2 := filepath.Join(t.TempDir(), "snap2")
	if err := os.MkdirAll(out2, 0750); err != nil {
		t.Fatal(err)
	}
	if err := client.Export(cloneDir, rev2, out2); err != nil {
		t.Fatal("export rev2:", err)
	}
	data, err = os.ReadFile(filepath.Join(out2, "to", "ki", "tokio"))
	if err != nil {
		t.Fatal("read exported file:", err)
	}
	if string(data) != `{"name":"tokio","vers":"1.38.0"}` {
		t.Errorf("exported content = %q", data)
	}

	// Exporting an older revision must still reproduce the old tree.
	out3 := filepath.Join(t.TempDir(), "snap3")
	if err := os.MkdirAll(out3, 0750); err != nil {
		t.Fatal(err)
	}
	if err := client.Export(cloneDir, rev1, out3); err != nil {
		t.Fatal("export rev1 again:", err)
	}
	if _, err := os.Stat(filepath.Join(out3, "to", "ki", "tokio")); !os.IsNotExist(err) {
		t.Error("old revision export should not contain files from newer commits")
	}
}

func TestFetchNoChange(t *testing.T) {
	t.Parallel()

	src, rev := initSourceRepo(t, map[string]string{"config.json": "{}"})

	client := NewClient("")
	cloneDir := filepath.Join(t.TempDir(), "repo")
	if _, err := client.Clone(context.Background(), src, cloneDir); err != nil {
		t.Fatal("clone:", err)
	}

	// Fetching with nothing new upstream must succeed and report the
	// same revision.
	got, err := client.Fetch(context.Background(), cloneDir)
	if err != nil {
		t.Fatal("fetch:", err)
	}
	if got != rev {
		t.Errorf("Fetch revision = %s, want %s", got, rev)
	}
}

func TestCloneUnreachableRemote(t *testing.T) {
	t.Parallel()

	client := NewClient("")
	dir := filepath.Join(t.TempDir(), "repo")
	if _, err := client.Clone(context.Background(), filepath.Join(t.TempDir(), "missing"), dir); err == nil {
		t.Error("clone of a nonexistent remote should fail")
	}
}
