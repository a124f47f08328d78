package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kart-io/devserver/pkg/errors"
)

func write(t *testing.T, root, rel, content string) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func next(t *testing.T, ch <-chan Changeset) Changeset {
	t.Helper()
	select {
	case cs, ok := <-ch:
		require.True(t, ok, "channel closed")
		return cs
	case <-time.After(5 * time.Second):
		t.Fatal("no changeset")
		return Changeset{}
	}
}

func quiet(t *testing.T, ch <-chan Changeset, d time.Duration) {
	t.Helper()
	select {
	case cs := <-ch:
		t.Fatalf("unexpected changeset %v", cs.Paths())
	case <-time.After(d):
	}
}

func TestClassify(t *testing.T) {
	cases := map[string]Kind{
		"apps/web/controllers/home/index.rb":     KindCode,
		"apps/web/actions/home/index.yaml":       KindCode,
		"apps/web/templates/home/index.html":     KindTemplate,
		"apps/web/views/home/index.yaml":         KindView,
		"apps/web/assets/stylesheets/style.css":  KindAsset,
		"db/migrations/20170127165331_users.sql": KindMigration,
		"lib/bookshelf/repositories/user.yaml":   KindCode,
		"config/devserver.yaml":                  KindCode,
		"internal/handlers/home.go":              KindCode,
		"README.md":                              KindIrrelevant,
		"log/development.log":                    KindIrrelevant,
		"db/bookshelf_development.sqlite":        KindIrrelevant,
		"apps/web/templates/.index.html.swp":     KindIrrelevant,
	}
	for path, want := range cases {
		assert.Equal(t, want, Classify(path), path)
	}
}

func TestClassifierIgnoredDir(t *testing.T) {
	c, err := NewClassifier(DefaultRules, DefaultIgnore)
	require.NoError(t, err)
	assert.True(t, c.IgnoredDir("log"))
	assert.True(t, c.IgnoredDir(".git"))
	assert.True(t, c.IgnoredDir("public/assets"))
	assert.False(t, c.IgnoredDir("apps"))
	assert.False(t, c.IgnoredDir("db"))

	_, err = NewClassifier([]Rule{{"apps/[", KindCode}}, nil)
	assert.Error(t, err)
}

func TestChangesetHelpers(t *testing.T) {
	cs := Changeset{Changes: []Change{
		{Path: "a.html", Kind: KindTemplate},
		{Path: "b.html", Kind: KindTemplate},
		{Path: "c.css", Kind: KindAsset},
	}}
	assert.True(t, cs.Has(KindAsset))
	assert.False(t, cs.Has(KindCode))
	assert.Equal(t, []Kind{KindTemplate, KindAsset}, cs.Kinds())
	assert.Equal(t, []string{"a.html", "b.html", "c.css"}, cs.Paths())
}

func TestNewRejectsMissingRoot(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, errors.ErrWatch)
}

func TestWatchCoalescesBurst(t *testing.T) {
	root := t.TempDir()
	write(t, root, "apps/web/templates/home/index.html", "a")
	write(t, root, "apps/web/views/home/index.yaml", "a: 1")

	w, err := New(root, WithDebounce(150*time.Millisecond))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := w.Watch(ctx)
	require.NoError(t, err)

	write(t, root, "apps/web/templates/home/index.html", "b")
	write(t, root, "apps/web/templates/home/index.html", "c")
	write(t, root, "apps/web/views/home/index.yaml", "a: 2")

	cs := next(t, ch)
	assert.Equal(t, uint64(1), cs.Seq)
	assert.Equal(t, []string{
		"apps/web/templates/home/index.html",
		"apps/web/views/home/index.yaml",
	}, cs.Paths())
	assert.ElementsMatch(t, []Kind{KindTemplate, KindView}, cs.Kinds())

	quiet(t, ch, 400*time.Millisecond)
}

func TestWatchIgnoresAndFollowsNewDirectories(t *testing.T) {
	root := t.TempDir()
	write(t, root, "log/.keep", "")
	write(t, root, "apps/web/.keep", "")

	w, err := New(root, WithDebounce(100*time.Millisecond), WithIgnore("tmp-cache/**"))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := w.Watch(ctx)
	require.NoError(t, err)

	write(t, root, "log/development.log", "GET /")
	write(t, root, "README.md", "docs")
	write(t, root, "tmp-cache/x.go", "package x")
	quiet(t, ch, 400*time.Millisecond)

	write(t, root, "apps/admin/actions/home/index.yaml", "path: /\n")
	cs := next(t, ch)
	require.True(t, cs.Has(KindCode), "changes: %v", cs.Paths())
	assert.Contains(t, cs.Paths(), "apps/admin/actions/home/index.yaml")
}

func TestWatchIsRestartable(t *testing.T) {
	root := t.TempDir()
	write(t, root, "db/migrations/.keep", "")

	w, err := New(root, WithDebounce(50*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := w.Watch(ctx)
	require.NoError(t, err)
	write(t, root, "db/migrations/001_create_books.sql", "create table books (id integer)")
	first := next(t, ch)
	assert.True(t, first.Has(KindMigration))

	cancel()
	for range ch {
	}

	ch, err = w.Watch(context.Background())
	require.NoError(t, err)
	defer w.Close()
	write(t, root, "db/migrations/002_create_users.sql", "create table users (id integer)")
	second := next(t, ch)
	assert.Greater(t, second.Seq, first.Seq)

	w.Close()
	for range ch {
	}
}
