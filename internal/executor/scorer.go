package executor

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/fusionn-mood/internal/capability"
	"github.com/fusionn-mood/internal/config"
	"github.com/fusionn-mood/pkg/logger"
)

// HTTPScorer calls a remote sentiment service:
//
//	POST {base_url}/score {"text": "..."} -> {"label": "positive", "score": 0.93}
type HTTPScorer struct {
	cfg     config.ScorerConfig
	client  *resty.Client
	limiter *rate.Limiter
}

var _ capability.Scorer = (*HTTPScorer)(nil)

// NewHTTPScorer creates a remote scorer. Retries are left to the caller's
// retry policy, so resty's own retry is disabled.
func NewHTTPScorer(cfg config.ScorerConfig) *HTTPScorer {
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(time.Minute).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json")
	if cfg.APIKey != "" {
		client.SetAuthToken(cfg.APIKey)
	}

	s := &HTTPScorer{cfg: cfg, client: client}

	if cfg.RateLimitRPM > 0 {
		// Convert RPM to rate per second
		rps := float64(cfg.RateLimitRPM) / 60.0
		s.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		logger.Infof("🚦 Scorer rate limit: %d RPM", cfg.RateLimitRPM)
	}

	return s
}

var _ capability.Throttled = (*HTTPScorer)(nil)

// WaitReady blocks until the rate limiter has a token to spare. It does
// not take the token; Score does.
func (s *HTTPScorer) WaitReady(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	for {
		tokens := s.limiter.Tokens()
		if tokens >= 1 {
			return nil
		}
		wait := time.Duration((1 - tokens) / float64(s.limiter.Limit()) * float64(time.Second))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

type scoreRequest struct {
	Text string `json:"text"`
}

type scoreResponse struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

func (s *HTTPScorer) Score(ctx context.Context, text string) (capability.Score, error) {
	const op = "score"

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return capability.Score{}, err
			}
			return capability.Score{}, capability.Transient(op, errors.Wrap(err, "rate limit"))
		}
	}

	var out scoreResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(scoreRequest{Text: text}).
		SetResult(&out).
		Post("/score")
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return capability.Score{}, err
		}
		return capability.Score{}, capability.Transient(op, err)
	}

	switch code := resp.StatusCode(); {
	case code == http.StatusTooManyRequests || code >= 500:
		return capability.Score{}, capability.Transient(op, errors.Newf("scorer returned %d: %s", code, resp.String()))
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return capability.Score{}, capability.Fatal(op, errors.Newf("scorer rejected credentials (%d)", code))
	case code >= 400:
		// a single unscorable span; the caller records a neutral fallback
		return capability.Score{}, errors.Newf("scorer returned %d: %s", code, resp.String())
	}

	label, err := capability.ParseLabel(out.Label)
	if err != nil {
		return capability.Score{}, errors.Wrap(err, "scorer response")
	}
	score := capability.Score{Label: label, Confidence: out.Score}
	if err := score.Validate(); err != nil {
		return capability.Score{}, errors.Wrap(err, "scorer response")
	}
	return score, nil
}
