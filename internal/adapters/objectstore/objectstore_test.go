package objectstore

import (
	"testing"
	"time"
)

func newTestStore(t *testing.T) *ObjectStore {
	t.Helper()
	s, err := Init(t.TempDir(), false)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	return s
}

func TestPutGetBlobRoundTrip(t *testing.T) {
	s := newTestStore(t)

	hash, err := s.PutBlob([]byte("hello world"))
	if err != nil {
		t.Fatalf("PutBlob: %v", err)
	}

	got, err := s.GetBlob(hash)
	if err != nil {
		t.Fatalf("GetBlob: %v", err)
	}
	if string(got) != "hello world" {
		t.Errorf("expected %q, got %q", "hello world", got)
	}
}

func TestTreeBuilderAndReadTreeEntry(t *testing.T) {
	s := newTestStore(t)

	b1, _ := s.PutBlob([]byte("col-a-value"))
	b2, _ := s.PutBlob([]byte("col-b-value"))

	tb := NewTreeBuilder(s)
	root, err := tb.WriteRootTree(map[string]Hash{
		"points/features/ab12/ab1234/colA": b1,
		"points/features/ab12/ab1234/colB": b2,
	})
	if err != nil {
		t.Fatalf("WriteRootTree: %v", err)
	}

	entry, err := s.ReadTreeEntry(root, "points/features/ab12/ab1234/colA")
	if err != nil {
		t.Fatalf("ReadTreeEntry: %v", err)
	}
	if entry.Hash != b1 {
		t.Errorf("expected hash %s, got %s", b1, entry.Hash)
	}

	if _, err := s.ReadTreeEntry(root, "points/features/ab12/ab1234/colC"); err == nil {
		t.Error("expected error for missing path")
	}
}

func TestCreateCommitAndResolve(t *testing.T) {
	s := newTestStore(t)

	b, _ := s.PutBlob([]byte("v"))
	tb := NewTreeBuilder(s)
	root, err := tb.WriteRootTree(map[string]Hash{"L/meta/version": b})
	if err != nil {
		t.Fatalf("WriteRootTree: %v", err)
	}

	sig := Signature{Name: "tester", Email: "tester@example.com", When: time.Unix(0, 0).UTC()}
	commitHash, err := s.CreateCommit(root, nil, sig, sig, "initial import")
	if err != nil {
		t.Fatalf("CreateCommit: %v", err)
	}

	got, err := s.GetCommit(commitHash)
	if err != nil {
		t.Fatalf("GetCommit: %v", err)
	}
	if got.TreeHash != root {
		t.Errorf("expected tree %s, got %s", root, got.TreeHash)
	}
	if got.Message != "initial import" {
		t.Errorf("expected message %q, got %q", "initial import", got.Message)
	}
	if len(got.Parents) != 0 {
		t.Errorf("expected no parents, got %d", len(got.Parents))
	}
}

func TestDiffTreesClassifiesAddedModifiedDeleted(t *testing.T) {
	s := newTestStore(t)

	bOld, _ := s.PutBlob([]byte("old"))
	bNew, _ := s.PutBlob([]byte("new"))
	bSame, _ := s.PutBlob([]byte("same"))
	bDeleted, _ := s.PutBlob([]byte("deleted"))

	tb := NewTreeBuilder(s)
	oldRoot, err := tb.WriteRootTree(map[string]Hash{
		"L/features/a/mod":     bOld,
		"L/features/a/unchanged": bSame,
		"L/features/a/gone":    bDeleted,
	})
	if err != nil {
		t.Fatalf("old WriteRootTree: %v", err)
	}

	tb2 := NewTreeBuilder(s)
	newRoot, err := tb2.WriteRootTree(map[string]Hash{
		"L/features/a/mod":       bNew,
		"L/features/a/unchanged": bSame,
		"L/features/a/added":     bOld,
	})
	if err != nil {
		t.Fatalf("new WriteRootTree: %v", err)
	}

	changes, err := s.DiffTrees(oldRoot, newRoot)
	if err != nil {
		t.Fatalf("DiffTrees: %v", err)
	}

	byPath := map[string]Change{}
	for _, c := range changes {
		byPath[c.Path] = c
	}

	if len(changes) != 3 {
		t.Fatalf("expected 3 changes, got %d: %+v", len(changes), changes)
	}
	if byPath["L/features/a/mod"].Kind != Modified {
		t.Errorf("expected mod to be Modified, got %v", byPath["L/features/a/mod"].Kind)
	}
	if byPath["L/features/a/gone"].Kind != Deleted {
		t.Errorf("expected gone to be Deleted, got %v", byPath["L/features/a/gone"].Kind)
	}
	if byPath["L/features/a/added"].Kind != Added {
		t.Errorf("expected added to be Added, got %v", byPath["L/features/a/added"].Kind)
	}
	if _, present := byPath["L/features/a/unchanged"]; present {
		t.Error("did not expect unchanged path to appear in diff")
	}
}
