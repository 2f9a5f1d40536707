package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextReviewDate(t *testing.T) {
	from := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		frequency string
		want      time.Time
		ok        bool
	}{
		{FreqDaily, from.AddDate(0, 0, 1), true},
		{FreqWeekly, from.AddDate(0, 0, 7), true},
		{FreqMonthly, from.AddDate(0, 1, 0), true},
		{FreqQuarterly, from.AddDate(0, 3, 0), true},
		{FreqAnnual, from.AddDate(1, 0, 0), true},
		{"", time.Time{}, false},
		{"BIWEEKLY", time.Time{}, false},
	}
	for _, tc := range cases {
		got, ok := NextReviewDate(from, tc.frequency)
		assert.Equal(t, tc.ok, ok, tc.frequency)
		assert.Equal(t, tc.want, got, tc.frequency)
	}
}

func TestReviewDecided(t *testing.T) {
	assert.False(t, Review{}.Decided())
	assert.True(t, Review{Decision: DecisionApprove}.Decided())
	assert.True(t, Review{Decision: DecisionReject}.Decided())
}
