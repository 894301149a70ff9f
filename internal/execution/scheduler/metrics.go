package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeCompleted = "completed"
	outcomeSkipped   = "skipped"
	outcomeFailed    = "failed"
)

var (
	stageOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hannibal_stage_outcomes_total",
		Help: "Stage outcomes by stage and result",
	}, []string{"stage", "outcome"})

	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hannibal_stage_duration_seconds",
		Help:    "Wall time of executed stages in seconds",
		Buckets: prometheus.ExponentialBuckets(1, 2, 16), // 1s to ~9h
	}, []string{"stage"})

	stagesRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hannibal_stages_running",
		Help: "Stages currently executing in this process",
	})
)
