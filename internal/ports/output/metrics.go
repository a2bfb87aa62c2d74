package output

import "time"

// MetricsCollector defines the secondary port for metrics collection.
type MetricsCollector interface {
	// IncCommits increments the commit counter for a layer.
	IncCommits(layer string, success bool)

	// ObserveCommitDuration records how long a commit took to build and write.
	ObserveCommitDuration(layer string, duration time.Duration)

	// IncCheckouts increments the checkout counter.
	IncCheckouts(layer string, success bool)

	// ObserveCheckoutDuration records how long a working copy checkout took.
	ObserveCheckoutDuration(layer string, duration time.Duration)

	// ObserveDiffDuration records how long a tree-to-working-copy or
	// tree-to-tree diff took.
	ObserveDiffDuration(layer string, duration time.Duration)

	// IncFsckFailures increments the fsck failure counter for a layer/check.
	IncFsckFailures(layer, check string)

	// SetWorkingCopyDirty records whether the working copy currently has
	// uncommitted changes.
	SetWorkingCopyDirty(dirty bool)

	// IncLFSCacheHits increments the local LFS cache hit/miss counters.
	IncLFSCacheHits(hit bool)

	// IncLFSMirrorOperations increments mirror sync operation counters.
	IncLFSMirrorOperations(operation string, success bool)

	// ObserveLFSMirrorDuration records mirror sync operation duration.
	ObserveLFSMirrorDuration(operation string, duration time.Duration)
}

// NoOpMetrics is a no-op implementation of MetricsCollector.
type NoOpMetrics struct{}

func (n *NoOpMetrics) IncCommits(_ string, _ bool)                        {}
func (n *NoOpMetrics) ObserveCommitDuration(_ string, _ time.Duration)    {}
func (n *NoOpMetrics) IncCheckouts(_ string, _ bool)                      {}
func (n *NoOpMetrics) ObserveCheckoutDuration(_ string, _ time.Duration)  {}
func (n *NoOpMetrics) ObserveDiffDuration(_ string, _ time.Duration)      {}
func (n *NoOpMetrics) IncFsckFailures(_, _ string)                        {}
func (n *NoOpMetrics) SetWorkingCopyDirty(_ bool)                         {}
func (n *NoOpMetrics) IncLFSCacheHits(_ bool)                             {}
func (n *NoOpMetrics) IncLFSMirrorOperations(_ string, _ bool)            {}
func (n *NoOpMetrics) ObserveLFSMirrorDuration(_ string, _ time.Duration) {}
