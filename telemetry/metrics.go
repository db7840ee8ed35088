package telemetry

// Histogram bucket definitions
var (
	// PublishBuckets cover a webhook call up to a chunked video upload
	PublishBuckets = []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120}

	// MediaBuckets cover an image download up to an ffmpeg remux
	MediaBuckets = []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 180, 300}
)

// Pass Metrics
var (
	// PassesTotal counts passes by result (published, excluded, failed, none, busy, error)
	PassesTotal CounterVec = noopCounterVec{}

	// PassDurationSeconds measures a complete pass
	PassDurationSeconds Histogram = NoopStat{}
)

// Selection Metrics
var (
	// CandidatesExaminedTotal counts examined candidates by result (seen, rejected, admitted)
	CandidatesExaminedTotal CounterVec = noopCounterVec{}

	// RejectionsTotal counts policy rejections by reason
	RejectionsTotal CounterVec = noopCounterVec{}
)

// Publish Metrics
var (
	// PublishOutcomesTotal counts destination outcomes by destination and status
	PublishOutcomesTotal CounterVec = noopCounterVec{}

	// PublishDurationSeconds measures a single destination publish
	PublishDurationSeconds HistogramVec = noopHistogramVec{}

	// MediaAcquireSeconds measures media acquisition for a candidate
	MediaAcquireSeconds Histogram = NoopStat{}

	// MediaAcquireFailuresTotal counts failed acquisitions
	MediaAcquireFailuresTotal Counter = NoopStat{}
)

// History Metrics
var (
	// HistoryRecords tracks the number of recorded submissions
	HistoryRecords Gauge = NoopStat{}

	// HistoryCommitsTotal counts history commits by result (committed, withheld, error)
	HistoryCommitsTotal CounterVec = noopCounterVec{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after the registry exists.
func InitMetrics() {
	PassesTotal = NewCounterVec(
		"passes_total",
		"Total passes by result",
		[]string{"result"},
	)
	PassDurationSeconds = NewHistogramWithBuckets(
		"pass_duration_seconds",
		"Pass duration in seconds",
		PublishBuckets,
	)

	CandidatesExaminedTotal = NewCounterVec(
		"candidates_examined_total",
		"Candidates examined by the selector by result",
		[]string{"result"},
	)
	RejectionsTotal = NewCounterVec(
		"rejections_total",
		"Policy rejections by reason",
		[]string{"reason"},
	)

	PublishOutcomesTotal = NewCounterVec(
		"publish_outcomes_total",
		"Destination outcomes by destination and status",
		[]string{"destination", "status"},
	)
	PublishDurationSeconds = NewHistogramVec(
		"publish_duration_seconds",
		"Destination publish duration in seconds",
		[]string{"destination"},
		PublishBuckets,
	)
	MediaAcquireSeconds = NewHistogramWithBuckets(
		"media_acquire_seconds",
		"Media acquisition duration in seconds",
		MediaBuckets,
	)
	MediaAcquireFailuresTotal = NewCounter(
		"media_acquire_failures_total",
		"Failed media acquisitions",
	)

	HistoryRecords = NewGauge(
		"history_records",
		"Number of submissions recorded in history",
	)
	HistoryCommitsTotal = NewCounterVec(
		"history_commits_total",
		"History commit decisions by result",
		[]string{"result"},
	)
}
