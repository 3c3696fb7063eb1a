package workers

import (
	"context"

	"github.com/marcus-qen/dashquery/internal/annotations"
)

// SnapshotWorker replays the annotation events stored on snapshot
// descriptors. It performs no I/O.
type SnapshotWorker struct{}

// NewSnapshotWorker creates a SnapshotWorker.
func NewSnapshotWorker() *SnapshotWorker { return &SnapshotWorker{} }

func (w *SnapshotWorker) Name() string { return "snapshot" }

func (w *SnapshotWorker) CanWork(opts Options) bool {
	if opts.Dashboard == nil {
		return false
	}
	for _, a := range opts.Dashboard.AnnotationDescriptors() {
		if a.Enable && a.HasSnapshotData() {
			return true
		}
	}
	return false
}

func (w *SnapshotWorker) Work(_ context.Context, opts Options) Result {
	res := Empty()
	if !w.CanWork(opts) {
		return res
	}
	for _, a := range opts.Dashboard.AnnotationDescriptors() {
		if !a.Enable || !a.HasSnapshotData() {
			continue
		}
		res.Annotations = append(res.Annotations, annotations.Translate(a.Source(), a.SnapshotData)...)
	}
	return res
}
