package executor

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/fusionn-mood/internal/capability"
	"github.com/fusionn-mood/internal/config"
	"github.com/fusionn-mood/internal/fileops"
)

// DryRun serves synthetic data without touching the network. References
// prefixed "missing-" are not found and "nocaps-" have no captions, so
// failure paths can be exercised end to end.
type DryRun struct {
	mediaDir string
}

var _ capability.ContentFetcher = (*DryRun)(nil)

func NewDryRun(cfg config.FetcherConfig) *DryRun {
	return &DryRun{mediaDir: cfg.MediaDir}
}

func (d *DryRun) FetchMetadata(ctx context.Context, ref string) (capability.Metadata, error) {
	if err := ctx.Err(); err != nil {
		return capability.Metadata{}, err
	}
	if strings.HasPrefix(ref, "missing-") {
		return capability.Metadata{}, capability.NotFound("fetch metadata", errors.Newf("no such video %s", ref))
	}
	return capability.Metadata{
		Title:           "Dry run: " + ref,
		Channel:         "fusionn-mood",
		DurationSeconds: 12,
	}, nil
}

func (d *DryRun) FetchCaptions(ctx context.Context, ref string) ([]capability.Caption, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.HasPrefix(ref, "nocaps-") {
		return nil, capability.NoCaptions("fetch captions")
	}

	dir, err := os.MkdirTemp("", "fusionn-mood-dryrun-*")
	if err != nil {
		return nil, errors.Wrap(err, "create subtitle dir")
	}
	defer fileops.Remove(dir)

	path := filepath.Join(dir, "captions.srt")
	if err := fileops.WriteDummySubtitle(path); err != nil {
		return nil, errors.Wrap(err, "write dummy subtitle")
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open dummy subtitle")
	}
	defer f.Close()

	return ParseSRT(f)
}

func (d *DryRun) FetchMedia(ctx context.Context, ref string) (capability.MediaHandle, error) {
	if err := ctx.Err(); err != nil {
		return capability.MediaHandle{}, err
	}
	path := filepath.Join(d.mediaDir, safeName(ref)+".dryrun.m4a")
	if err := fileops.WritePlaceholder(path); err != nil {
		return capability.MediaHandle{}, errors.Wrap(err, "write placeholder media")
	}
	return capability.MediaHandle{Path: path}, nil
}

func safeName(ref string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, ref)
}
