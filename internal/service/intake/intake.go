// Package intake validates submitted references and enqueues them.
package intake

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/fusionn-mood/internal/capability"
	"github.com/fusionn-mood/internal/queue"
	"github.com/fusionn-mood/internal/reference"
	"github.com/fusionn-mood/pkg/logger"
)

// Store is the enqueue side of the job store.
type Store interface {
	EnqueueBatch(ctx context.Context, reqs []queue.NewJob) ([]queue.EnqueueResult, error)
}

// Notifier is poked after new jobs land, typically an in-process worker.
type Notifier interface {
	Notify()
}

// Service accepts batches of references.
type Service struct {
	store    Store
	notifier Notifier
}

// New creates an intake service. notifier may be nil when no worker
// runs in this process; the worker's poll picks the jobs up instead.
func New(store Store, notifier Notifier) *Service {
	return &Service{store: store, notifier: notifier}
}

// Submit validates every reference and enqueues them together. If any is
// malformed nothing is enqueued and a *capability.ValidationError lists
// each problem. Results are in input order.
func (s *Service) Submit(ctx context.Context, refs []string, skipMediaDownload bool) ([]queue.EnqueueResult, error) {
	if len(refs) == 0 {
		return nil, &capability.ValidationError{Problems: []string{"no references given"}}
	}

	reqs := make([]queue.NewJob, 0, len(refs))
	var problems []string
	for i, ref := range refs {
		norm, err := reference.Normalize(ref)
		if err != nil {
			problems = append(problems, fmt.Sprintf("reference %d: %v", i+1, err))
			continue
		}
		reqs = append(reqs, queue.NewJob{SourceReference: norm, SkipMediaDownload: skipMediaDownload})
	}
	if len(problems) > 0 {
		logger.Warnf("⚠️ Rejected submission of %d reference(s): %d invalid", len(refs), len(problems))
		return nil, &capability.ValidationError{Problems: problems}
	}

	results, err := s.store.EnqueueBatch(ctx, reqs)
	if err != nil {
		return nil, errors.Wrap(err, "enqueue")
	}

	for i, r := range results {
		if r.Existing {
			logger.Infof("📥 Already queued: %s (%s)", r.ID, reqs[i].SourceReference)
			continue
		}
		logger.Infof("📥 Job queued: %s (%s)", r.ID, reqs[i].SourceReference)
	}

	if s.notifier != nil {
		s.notifier.Notify()
	}
	return results, nil
}
