package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestJobMetrics(t *testing.T) {
	t.Run("JobsSubmitted", func(t *testing.T) {
		before := testutil.ToFloat64(JobsSubmitted.WithLabelValues("0", "cn/1"))
		JobsSubmitted.WithLabelValues("0", "cn/1").Inc()
		JobsSubmitted.WithLabelValues("0", "cn/1").Inc()
		assert.Equal(t, before+2, testutil.ToFloat64(JobsSubmitted.WithLabelValues("0", "cn/1")))
	})

	t.Run("HashesTotal", func(t *testing.T) {
		before := testutil.ToFloat64(HashesTotal.WithLabelValues("1", "argon2/chukwa"))
		HashesTotal.WithLabelValues("1", "argon2/chukwa").Add(1024)
		assert.Equal(t, before+1024, testutil.ToFloat64(HashesTotal.WithLabelValues("1", "argon2/chukwa")))
	})

	t.Run("JobDuration", func(t *testing.T) {
		assert.NotPanics(t, func() {
			JobDuration.Observe(12.5)
			JobDuration.Observe(1500)
		})
	})
}

func TestResourceMetrics(t *testing.T) {
	t.Run("GPUMemoryAllocatedBytes", func(t *testing.T) {
		GPUMemoryAllocatedBytes.WithLabelValues("0").Set(2 << 30)
		assert.Equal(t, float64(2<<30), testutil.ToFloat64(GPUMemoryAllocatedBytes.WithLabelValues("0")))
	})

	t.Run("ContextsOpen", func(t *testing.T) {
		ContextsOpen.Set(0)
		ContextsOpen.Inc()
		ContextsOpen.Inc()
		ContextsOpen.Dec()
		assert.Equal(t, float64(1), testutil.ToFloat64(ContextsOpen))
		ContextsOpen.Set(0)
	})
}

func TestMetricsRegistration(t *testing.T) {
	collectors := []prometheus.Collector{
		JobsSubmitted,
		JobsCompleted,
		JobsFailed,
		HashesTotal,
		JobDuration,
		KernelLaunches,
		GPUMemoryAllocatedBytes,
		ContextsOpen,
		PlanResolutions,
	}

	for _, c := range collectors {
		// Already registered through promauto.
		err := prometheus.Register(c)
		var already prometheus.AlreadyRegisteredError
		assert.ErrorAs(t, err, &already)
	}
}

func BenchmarkMetricsObservation(b *testing.B) {
	b.Run("IncCounter", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			KernelLaunches.WithLabelValues("cn_shuffle").Inc()
		}
	})

	b.Run("ObserveDuration", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			JobDuration.Observe(float64(i % 1000))
		}
	})
}
