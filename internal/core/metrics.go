package core

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skinscan_jobs_processed_total",
			Help: "Total number of prediction jobs processed by the worker",
		},
		[]string{"outcome"}, // completed, failed, expired
	)

	modelReloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "skinscan_model_reloads_total",
			Help: "Total number of model reload attempts",
		},
		[]string{"success"},
	)

	batchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "skinscan_batch_size",
			Help:    "Number of fresh jobs per processed batch",
			Buckets: prometheus.LinearBuckets(1, 4, 8),
		},
	)

	batchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "skinscan_batch_duration_seconds",
			Help:    "Time spent processing one batch",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	loadedModelVersion = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "skinscan_loaded_model_version",
			Help: "Version of the model currently served by the worker",
		},
	)
)
