package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Arcay322/Granja-cuyes-sub002/internal/domain"
)

func TestComputePriority_PDFOutranksSpreadsheets(t *testing.T) {
	now := time.Now()

	pdf := computePriority(domain.FormatPDF, now, now)
	excel := computePriority(domain.FormatExcel, now, now)
	csv := computePriority(domain.FormatCSV, now, now)

	assert.Equal(t, 120.0, pdf)
	assert.Equal(t, 110.0, excel)
	assert.Equal(t, 110.0, csv)
}

func TestComputePriority_FreshnessDecaysLinearly(t *testing.T) {
	now := time.Now()

	halfway := computePriority(domain.FormatCSV, now.Add(-5*time.Hour), now)
	assert.InDelta(t, 60.0, halfway, 0.001)

	expired := computePriority(domain.FormatCSV, now.Add(-10*time.Hour), now)
	assert.Equal(t, 10.0, expired)

	// Past the window the bonus clamps at zero instead of going negative.
	ancient := computePriority(domain.FormatCSV, now.Add(-48*time.Hour), now)
	assert.Equal(t, 10.0, ancient)
}

func TestComputePriority_StalePDFCanLoseToFreshCSV(t *testing.T) {
	now := time.Now()

	stalePDF := computePriority(domain.FormatPDF, now.Add(-10*time.Hour), now)
	freshCSV := computePriority(domain.FormatCSV, now, now)

	assert.Greater(t, freshCSV, stalePDF)
}

func TestInsertByPriority_DescendingOrder(t *testing.T) {
	var backlog []*QueuedJob
	backlog = insertByPriority(backlog, &QueuedJob{JobID: "low", Priority: 10})
	backlog = insertByPriority(backlog, &QueuedJob{JobID: "high", Priority: 120})
	backlog = insertByPriority(backlog, &QueuedJob{JobID: "mid", Priority: 60})

	assert.Equal(t, []string{"high", "mid", "low"}, ids(backlog))
}

func TestInsertByPriority_EqualPrioritiesKeepArrivalOrder(t *testing.T) {
	var backlog []*QueuedJob
	backlog = insertByPriority(backlog, &QueuedJob{JobID: "first", Priority: 50})
	backlog = insertByPriority(backlog, &QueuedJob{JobID: "second", Priority: 50})
	backlog = insertByPriority(backlog, &QueuedJob{JobID: "third", Priority: 50})

	assert.Equal(t, []string{"first", "second", "third"}, ids(backlog))
}

func ids(backlog []*QueuedJob) []string {
	out := make([]string, len(backlog))
	for i, qj := range backlog {
		out[i] = qj.JobID
	}
	return out
}
