package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Job metrics
	JobsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hash_jobs_submitted_total",
		Help: "The total number of jobs submitted to a device context",
	}, []string{"device", "algorithm"})

	JobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hash_jobs_completed_total",
		Help: "The total number of jobs that reached the ready state",
	}, []string{"device", "algorithm"})

	JobsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hash_jobs_failed_total",
		Help: "The total number of jobs that ended in the error state",
	}, []string{"device", "reason"})

	HashesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hash_hashes_total",
		Help: "The total number of hashes computed",
	}, []string{"device", "algorithm"})

	JobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hash_job_duration_ms",
		Help:    "Duration from submit to ready in milliseconds",
		Buckets: prometheus.ExponentialBuckets(1, 2, 18), // 1ms to ~2min
	})

	KernelLaunches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hash_kernel_launches_total",
		Help: "The total number of kernel launches by stage",
	}, []string{"kernel"})

	// Resource metrics
	GPUMemoryAllocatedBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gpu_memory_allocated_bytes",
		Help: "Device memory held by open contexts in bytes",
	}, []string{"device"})

	ContextsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hash_contexts_open",
		Help: "Number of open device contexts",
	})

	PlanResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hash_plan_resolutions_total",
		Help: "Kernel plan resolutions by result (hit, miss, unsupported)",
	}, []string{"result"})
)
