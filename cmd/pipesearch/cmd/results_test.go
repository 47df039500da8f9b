package cmd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/deeppavlov/pipesearch/pkg/models"
)

func score(v float64) *float64 { return &v }

func TestRankRecords(t *testing.T) {
	recs := []models.ResultRecord{
		{JobIndex: 0, Dataset: "B", Score: score(0.5)},
		{JobIndex: 1, Dataset: "A", Score: nil},
		{JobIndex: 2, Dataset: "A", Score: score(0.7)},
		{JobIndex: 3, Dataset: "A", Score: score(0.9)},
		{JobIndex: 4, Dataset: "A", Score: score(0.7)},
	}

	ranked := rankRecords(recs, 0)
	var order []int
	for _, r := range ranked {
		order = append(order, r.JobIndex)
	}
	assert.Equal(t, []int{3, 2, 4, 1, 0}, order)

	top := rankRecords(recs, 2)
	order = order[:0]
	for _, r := range top {
		order = append(order, r.JobIndex)
	}
	assert.Equal(t, []int{3, 2, 0}, order)
	assert.Len(t, recs, 5)
}

func TestOutputPlanRejectsUnknownFormat(t *testing.T) {
	err := outputPlan(PlanReport{}, "xml")
	assert.Error(t, err)
}

func TestLogDateDefaultsToToday(t *testing.T) {
	now := time.Date(2026, 10, 16, 23, 59, 0, 0, time.UTC)
	assert.Equal(t, "2026-10-16", logDate("", now))
	assert.Equal(t, "2026-01-02", logDate("2026-01-02", now))
}
