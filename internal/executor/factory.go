package executor

import (
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/fusionn-mood/internal/capability"
	"github.com/fusionn-mood/internal/config"
)

// NewFetcher builds the configured content fetcher.
func NewFetcher(cfg config.FetcherConfig, echo bool) (capability.ContentFetcher, error) {
	switch strings.ToLower(cfg.Provider) {
	case "ytdlp", "":
		return NewYtDlp(cfg, echo), nil
	case "dryrun":
		return NewDryRun(cfg), nil
	}
	return nil, errors.Newf("unknown fetcher provider %q", cfg.Provider)
}

// NewScorer builds the configured sentiment scorer.
func NewScorer(cfg config.ScorerConfig) (capability.Scorer, error) {
	switch strings.ToLower(cfg.Provider) {
	case "lexicon", "":
		return NewLexicon(), nil
	case "http":
		return NewHTTPScorer(cfg), nil
	}
	return nil, errors.Newf("unknown scorer provider %q", cfg.Provider)
}
