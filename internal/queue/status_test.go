package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHappyPathFollowsNext(t *testing.T) {
	seq := []Status{StatusPending}
	for s := StatusPending; s.Next() != ""; s = s.Next() {
		assert.True(t, CanTransition(s, s.Next()), "%s -> %s", s, s.Next())
		seq = append(seq, s.Next())
	}
	assert.Equal(t, StatusCompleted, seq[len(seq)-1])
	assert.True(t, ValidSequence(seq))
}

func TestFailedReachableFromEveryNonTerminal(t *testing.T) {
	for _, s := range AllStatuses {
		assert.Equal(t, !s.IsTerminal(), CanTransition(s, StatusFailed), s)
	}
}

func TestNoSkipsOrBackwardEdges(t *testing.T) {
	illegal := [][2]Status{
		{StatusPending, StatusFetchingCaptions},
		{StatusPending, StatusAnalyzing},
		{StatusPending, StatusCompleted},
		{StatusFetchingMetadata, StatusAnalyzing},
		{StatusFetchingCaptions, StatusCompleted},
		{StatusAnalyzing, StatusFetchingCaptions},
		{StatusFetchingMetadata, StatusPending},
		{StatusCompleted, StatusFailed},
		{StatusFailed, StatusPending},
		{StatusCompleted, StatusPending},
	}
	for _, e := range illegal {
		assert.False(t, CanTransition(e[0], e[1]), "%s -> %s", e[0], e[1])
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	for _, from := range []Status{StatusCompleted, StatusFailed} {
		for _, to := range AllStatuses {
			assert.False(t, CanTransition(from, to))
		}
		assert.Equal(t, Status(""), from.Next())
	}
}

func TestValidSequence(t *testing.T) {
	assert.True(t, ValidSequence([]Status{StatusPending, StatusPending, StatusFetchingMetadata, StatusFailed}))
	assert.False(t, ValidSequence([]Status{StatusPending, StatusAnalyzing}))
	assert.False(t, ValidSequence([]Status{StatusCompleted, StatusFailed}))
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus("analyzing")
	assert.NoError(t, err)
	assert.Equal(t, StatusAnalyzing, s)
	assert.True(t, s.IsStage())

	_, err = ParseStatus("processing")
	assert.Error(t, err)
}
