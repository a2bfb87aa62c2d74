package workingcopy

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rcoup/kart/internal/adapters/objectstore"
	"github.com/rcoup/kart/internal/domain"
	"github.com/rcoup/kart/internal/ports/input"
	"github.com/rcoup/kart/internal/ports/output"
)

func TestCommitFirstCommitInsertsFeatureAndMeta(t *testing.T) {
	s := newTestStore(t)

	wc := &fakeWorkingCopy{
		schema: output.LayerSchema{
			Name: "points",
			Columns: []output.ColumnDef{
				{Name: "id", PK: true},
				{Name: "name"},
			},
		},
		rows: map[any]domain.Row{
			1: {PKColumn: "id", Columns: []string{"id", "name"}, Values: map[string]any{"id": 1, "name": "hello"}},
		},
		changes: []output.TrackedChange{
			{PK: 1, FeatureKey: "", State: 1},
		},
		meta: map[string]any{
			"gpkg_contents": domain.OrderedObject{"table_name": "points"},
		},
	}

	d := NewDiffer(wc, s)
	e := NewCommitEngine(wc, s, d)

	commitID, err := e.Commit(context.Background(), "points", input.CommitRequest{
		Message: "add point", AuthorName: "alice", AuthorEmail: "alice@example.com",
	})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if !wc.resetDone {
		t.Error("expected ResetTrackedChanges to run")
	}
	if len(wc.synced) != 1 {
		t.Fatalf("expected exactly one synced feature, got %+v", wc.synced)
	}
	var fk string
	for k := range wc.synced {
		fk = k
	}
	if wc.synced[fk] != 1 {
		t.Errorf("expected synced pk 1, got %v", wc.synced[fk])
	}

	hash, err := objectstore.ParseHash(commitID)
	if err != nil {
		t.Fatalf("ParseHash: %v", err)
	}
	commit, err := s.GetCommit(hash)
	if err != nil {
		t.Fatalf("GetCommit: %v", err)
	}
	if len(commit.Parents) != 0 {
		t.Errorf("expected no parents for the first commit, got %v", commit.Parents)
	}

	entry, err := s.ReadTreeEntry(commit.TreeHash, "points/features/"+fk[:4]+"/"+fk+"/name")
	if err != nil {
		t.Fatalf("ReadTreeEntry: %v", err)
	}
	blob, err := s.GetBlob(entry.Hash)
	if err != nil {
		t.Fatalf("GetBlob: %v", err)
	}
	var name string
	if err := json.Unmarshal(blob, &name); err != nil || name != "hello" {
		t.Errorf("expected name blob %q, got %q (err=%v)", "hello", name, err)
	}

	if _, err := s.ReadTreeEntry(commit.TreeHash, "points/meta/gpkg_contents"); err != nil {
		t.Errorf("expected gpkg_contents meta item written, got %v", err)
	}

	if wc.treeMatch != objectstore.FormatHash(commit.TreeHash) {
		t.Errorf("expected working copy tree match moved to new tree, got %s", wc.treeMatch)
	}
}

func TestCommitAppliesUpdateAgainstExistingHead(t *testing.T) {
	s := newTestStore(t)

	const keptFK = "11110000-0000-0000-0000-000000000000"
	contentsBlob := putJSON(t, s, `{"table_name":"points"}`)
	idBlob := putJSON(t, s, "1")
	oldNameBlob := putJSON(t, s, `"before"`)

	tb := objectstore.NewTreeBuilder(s)
	oldTree, err := tb.WriteRootTree(map[string]objectstore.Hash{
		"points/meta/gpkg_contents":            contentsBlob,
		"points/features/1111/" + keptFK + "/id":   idBlob,
		"points/features/1111/" + keptFK + "/name": oldNameBlob,
	})
	if err != nil {
		t.Fatalf("WriteRootTree: %v", err)
	}

	sig := objectstore.Signature{Name: "bob", Email: "bob@example.com"}
	initialCommit, err := s.CreateCommit(oldTree, nil, sig, sig, "initial")
	if err != nil {
		t.Fatalf("CreateCommit: %v", err)
	}
	branch, err := s.HeadBranch()
	if err != nil {
		t.Fatalf("HeadBranch: %v", err)
	}
	if err := s.UpdateRef(branch, initialCommit); err != nil {
		t.Fatalf("UpdateRef: %v", err)
	}

	wc := &fakeWorkingCopy{
		schema: output.LayerSchema{
			Name: "points",
			Columns: []output.ColumnDef{
				{Name: "id", PK: true},
				{Name: "name"},
			},
		},
		rows: map[any]domain.Row{
			1: {PKColumn: "id", Columns: []string{"id", "name"}, Values: map[string]any{"id": 1, "name": "after"}},
		},
		changes: []output.TrackedChange{
			{PK: 1, FeatureKey: keptFK, State: 1},
		},
		meta: map[string]any{
			"gpkg_contents": domain.OrderedObject{"table_name": "points"},
		},
	}

	d := NewDiffer(wc, s)
	e := NewCommitEngine(wc, s, d)

	commitID, err := e.Commit(context.Background(), "points", input.CommitRequest{Message: "rename"})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if wc.synced[keptFK] != 1 {
		t.Errorf("expected synced pk 1 for %s, got %v", keptFK, wc.synced[keptFK])
	}

	hash, err := objectstore.ParseHash(commitID)
	if err != nil {
		t.Fatalf("ParseHash: %v", err)
	}
	commit, err := s.GetCommit(hash)
	if err != nil {
		t.Fatalf("GetCommit: %v", err)
	}
	if len(commit.Parents) != 1 || commit.Parents[0] != initialCommit {
		t.Errorf("expected single parent %s, got %v", initialCommit, commit.Parents)
	}

	entry, err := s.ReadTreeEntry(commit.TreeHash, "points/features/1111/"+keptFK+"/name")
	if err != nil {
		t.Fatalf("ReadTreeEntry: %v", err)
	}
	blob, err := s.GetBlob(entry.Hash)
	if err != nil {
		t.Fatalf("GetBlob: %v", err)
	}
	var name string
	if err := json.Unmarshal(blob, &name); err != nil || name != "after" {
		t.Errorf("expected name blob %q, got %q (err=%v)", "after", name, err)
	}

	resolved, err := s.ResolveRef(branch)
	if err != nil {
		t.Fatalf("ResolveRef: %v", err)
	}
	if resolved != hash {
		t.Errorf("expected %s advanced to %s, got %s", branch, hash, resolved)
	}
}

func TestCommitReturnsErrNoChangesWhenDiffEmpty(t *testing.T) {
	s := newTestStore(t)
	wc := &fakeWorkingCopy{
		schema: output.LayerSchema{Name: "points", Columns: []output.ColumnDef{{Name: "id", PK: true}}},
	}
	d := NewDiffer(wc, s)
	e := NewCommitEngine(wc, s, d)

	_, err := e.Commit(context.Background(), "points", input.CommitRequest{Message: "noop"})
	if !errors.Is(err, domain.ErrNoChanges) {
		t.Fatalf("expected ErrNoChanges, got %v", err)
	}
}

func TestCommitRejectsMismatchedWorkingCopy(t *testing.T) {
	s := newTestStore(t)
	wc := &fakeWorkingCopy{
		schema: output.LayerSchema{Name: "points", Columns: []output.ColumnDef{{Name: "id", PK: true}}},
		changes: []output.TrackedChange{
			{PK: 1, FeatureKey: "", State: 1},
		},
		rows: map[any]domain.Row{
			1: {PKColumn: "id", Columns: []string{"id"}, Values: map[string]any{"id": 1}},
		},
		treeMatch: "deadbeefdeadbeefdeadbeefdeadbeefdeadbeef",
	}
	d := NewDiffer(wc, s)
	e := NewCommitEngine(wc, s, d)

	_, err := e.Commit(context.Background(), "points", input.CommitRequest{Message: "oops"})
	var mismatch *domain.WorkingCopyMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected *domain.WorkingCopyMismatchError, got %v", err)
	}
}
