package canvas

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "canvas.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveAndLatest(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	err := s.Save(ctx, Snapshot{
		CanvasID: "board-1", Filename: "sprint.excalidraw",
		Content: `{"elements":[]}`, SubmitterID: "user_1",
	})
	if err != nil {
		t.Fatal(err)
	}

	snap, err := s.Latest(ctx, "board-1")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Filename != "sprint.excalidraw" || snap.SubmitterID != "user_1" {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.UpdatedAt.IsZero() {
		t.Error("updatedAt should be populated")
	}
}

func TestLatestNotFound(t *testing.T) {
	s := newStore(t)
	if _, err := s.Latest(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSaveOverwritesLatestAndAccumulatesVersions(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	for i, content := range []string{`{"v":1}`, `{"v":2}`} {
		err := s.Save(ctx, Snapshot{
			CanvasID: "board-1", Filename: "sprint.excalidraw",
			Content: content, SubmitterID: "user_1",
		})
		if err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}

	snap, err := s.Latest(ctx, "board-1")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Content != `{"v":2}` {
		t.Errorf("latest content = %q, want the second save", snap.Content)
	}

	versions, err := s.Versions(ctx, "sprint.excalidraw")
	if err != nil {
		t.Fatal(err)
	}
	if len(versions) != 2 {
		t.Fatalf("versions = %d, want 2", len(versions))
	}
	if versions[0].Content != `{"v":2}` {
		t.Error("versions should be newest first")
	}
}

func TestVersionsSeparateByFilename(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_ = s.Save(ctx, Snapshot{CanvasID: "a", Filename: "one.excalidraw", Content: "x", SubmitterID: "u"})
	_ = s.Save(ctx, Snapshot{CanvasID: "b", Filename: "two.excalidraw", Content: "y", SubmitterID: "u"})

	versions, err := s.Versions(ctx, "one.excalidraw")
	if err != nil {
		t.Fatal(err)
	}
	if len(versions) != 1 || versions[0].Content != "x" {
		t.Errorf("versions(one) = %+v", versions)
	}
}
