// Package input defines the primary/driving ports of the application.
package input

import (
	"context"

	"github.com/rcoup/kart/internal/domain"
)

// DeltaKind classifies one feature-level change in a diff.
type DeltaKind int

const (
	Insert DeltaKind = iota
	Update
	Delete
)

func (k DeltaKind) String() string {
	switch k {
	case Insert:
		return "insert"
	case Update:
		return "update"
	case Delete:
		return "delete"
	default:
		return "unknown"
	}
}

// FeatureDelta is one row-level change, keyed by feature-key where known.
type FeatureDelta struct {
	Layer      string
	FeatureKey string // "" for a not-yet-committed insert
	Kind       DeltaKind
	OldValues  map[string]any
	NewValues  map[string]any

	// PK is the working copy's primary key value for this row. Populated by
	// Differ.WorkingCopyDiff (it reads directly off the tracking table);
	// left nil by Differ.TreeDiff, which has no working-copy row to speak of.
	PK any
}

// MetaDelta is one meta-item-level change (schema, title, CRS, ...).
type MetaDelta struct {
	Layer string
	Name  string
	Added []domain.OrderedObject
	Removed []domain.OrderedObject
}

// Diff is the full result of comparing a working copy against its base tree,
// or two trees against each other.
type Diff struct {
	Features []FeatureDelta
	Meta     []MetaDelta
}

// IsEmpty reports whether the diff carries no changes at all.
func (d Diff) IsEmpty() bool {
	return len(d.Features) == 0 && len(d.Meta) == 0
}

// CommitRequest describes a request to commit the current working-copy diff.
type CommitRequest struct {
	Message        string
	AuthorName     string
	AuthorEmail    string
	CommitterName  string
	CommitterEmail string

	// ConvertToDatasetFormat requests that a tile-dataset commit convert
	// every staged tile to the dataset's native format before it is written
	// to the object store, via --convert-to-dataset-format. Ignored for
	// ordinary GeoPackage layer commits.
	ConvertToDatasetFormat bool
}

// CheckoutRequest describes a request to materialize a tree into the working
// copy.
type CheckoutRequest struct {
	Refish      string // branch, tag or commit-ish; "" means HEAD
	Branch      string // -b BRANCH: create and switch to a new branch
	Force       bool
	WorkingCopy string // --working-copy PATH, "" uses the configured path
	Layer       string
	Format      string // e.g. "GPKG"
}

// Status summarizes the working copy's relationship to HEAD.
type Status struct {
	Branch     string
	HeadCommit string
	Dirty      bool
	Diff       Diff
}

// MergeRequest describes a merge of another commit into the current branch.
type MergeRequest struct {
	Commit   string
	Strategy MergeStrategy
}

// MergeStrategy selects how a merge is permitted to proceed.
type MergeStrategy int

const (
	MergeAuto MergeStrategy = iota
	MergeFastForward
	MergeNoFastForward
	MergeFastForwardOnly
)

// FsckRequest describes an integrity check, optionally with repair.
type FsckRequest struct {
	Layer      string
	ResetLayer bool
}

// FsckReport lists every inconsistency found for a layer.
type FsckReport struct {
	Layer     string
	Failures  []FsckFailure
	OK        bool
}

// FsckFailure is one detected inconsistency.
type FsckFailure struct {
	Check   string
	Message string
}

// RepositoryService is the primary port for the repository's state-mutating
// and inspecting commands: checkout, commit, diff, status, merge, reset,
// show and fsck, plus working-copy path reconfiguration.
type RepositoryService interface {
	Checkout(ctx context.Context, req CheckoutRequest) error
	Commit(ctx context.Context, layer string, req CommitRequest) (commitHash string, err error)
	Diff(ctx context.Context, layer string) (Diff, error)
	Status(ctx context.Context) (Status, error)
	Merge(ctx context.Context, req MergeRequest) (commitHash string, err error)
	Pull(ctx context.Context, remote string, refspecs []string) error
	Reset(ctx context.Context, layer string) error
	Show(ctx context.Context, refish string) (domain.Row, error)
	Fsck(ctx context.Context, req FsckRequest) (FsckReport, error)
	SetWorkingCopyPath(ctx context.Context, path string) error
	Clone(ctx context.Context, url, dir string) error
}

// InspectionService is the primary port backing the read-only `kart serve`
// endpoint: it never mutates the working copy.
type InspectionService interface {
	// ListLayers returns every layer currently present in the working copy.
	ListLayers(ctx context.Context) ([]string, error)

	// QueryPoint returns the features of layer whose geometry contains
	// coord.
	QueryPoint(ctx context.Context, layer string, coord domain.Coordinate) ([]domain.Row, error)
}
