package executor

import (
	"context"
	"strings"

	"github.com/fusionn-mood/internal/capability"
)

// Lexicon is a keyword scorer: any positive keyword wins, then any
// negative one; everything else is neutral with low confidence.
type Lexicon struct {
	positive []string
	negative []string
}

var _ capability.Scorer = (*Lexicon)(nil)

func NewLexicon() *Lexicon {
	return &Lexicon{
		positive: []string{"happy", "love"},
		negative: []string{"sad", "hate"},
	}
}

func (l *Lexicon) Score(ctx context.Context, text string) (capability.Score, error) {
	if err := ctx.Err(); err != nil {
		return capability.Score{}, err
	}

	lower := strings.ToLower(text)
	for _, w := range l.positive {
		if strings.Contains(lower, w) {
			return capability.Score{Label: capability.LabelPositive, Confidence: 0.9}, nil
		}
	}
	for _, w := range l.negative {
		if strings.Contains(lower, w) {
			return capability.Score{Label: capability.LabelNegative, Confidence: 0.8}, nil
		}
	}
	return capability.Score{Label: capability.LabelNeutral, Confidence: 0.1}, nil
}
