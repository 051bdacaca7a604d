// Package capabilitytest provides scripted fetchers and scorers for tests.
package capabilitytest

import (
	"context"
	"sync"

	"github.com/fusionn-mood/internal/capability"
)

// Fetcher returns canned data. Errors queued in the *Errs slices are
// returned one per call before the canned value is served.
type Fetcher struct {
	mu sync.Mutex

	Metadata capability.Metadata
	Captions []capability.Caption
	Media    capability.MediaHandle

	MetadataErrs []error
	CaptionErrs  []error
	MediaErr     error

	// Block, when set, makes FetchCaptions wait until it is closed or ctx ends.
	Block chan struct{}

	MetadataCalls int
	CaptionCalls  int
	MediaCalls    int
}

var _ capability.ContentFetcher = (*Fetcher)(nil)

func (f *Fetcher) FetchMetadata(ctx context.Context, _ string) (capability.Metadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.MetadataCalls++
	if len(f.MetadataErrs) > 0 {
		err := f.MetadataErrs[0]
		f.MetadataErrs = f.MetadataErrs[1:]
		return capability.Metadata{}, err
	}
	return f.Metadata, ctx.Err()
}

func (f *Fetcher) FetchCaptions(ctx context.Context, _ string) ([]capability.Caption, error) {
	f.mu.Lock()
	f.CaptionCalls++
	block := f.Block
	var err error
	if len(f.CaptionErrs) > 0 {
		err = f.CaptionErrs[0]
		f.CaptionErrs = f.CaptionErrs[1:]
	}
	captions := append([]capability.Caption(nil), f.Captions...)
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return captions, nil
}

func (f *Fetcher) FetchMedia(_ context.Context, _ string) (capability.MediaHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.MediaCalls++
	if f.MediaErr != nil {
		return capability.MediaHandle{}, f.MediaErr
	}
	return f.Media, nil
}

// Calls returns a consistent snapshot of the call counters.
func (f *Fetcher) Calls() (metadata, captions, media int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.MetadataCalls, f.CaptionCalls, f.MediaCalls
}

// Scorer answers by text, falling back to Default.
type Scorer struct {
	mu sync.Mutex

	ByText  map[string]capability.Score
	ErrText map[string]error
	Default capability.Score

	Scored []string
}

var _ capability.Scorer = (*Scorer)(nil)

func (s *Scorer) Score(ctx context.Context, text string) (capability.Score, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return capability.Score{}, err
	}
	s.Scored = append(s.Scored, text)
	if err, ok := s.ErrText[text]; ok {
		return capability.Score{}, err
	}
	if score, ok := s.ByText[text]; ok {
		return score, nil
	}
	if s.Default.Label == "" {
		return capability.Score{Label: capability.LabelNeutral, Confidence: 0.5}, nil
	}
	return s.Default, nil
}

// ScoredTexts returns every text passed to Score, in call order.
func (s *Scorer) ScoredTexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.Scored...)
}
