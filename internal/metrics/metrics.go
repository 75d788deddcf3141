package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	schedulerPasses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tiktok_to_tube",
			Name:      "scheduler_passes_total",
			Help:      "Completed scheduler passes.",
		},
	)

	itemsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tiktok_to_tube",
			Name:      "queue_items_total",
			Help:      "Queue item outcomes by result.",
		},
		[]string{"result"}, // published, requeued, failed, skipped
	)

	stuckRecovered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tiktok_to_tube",
			Name:      "stuck_items_recovered_total",
			Help:      "Items recovered from processing/publishing by timeout.",
		},
	)

	uploadErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tiktok_to_tube",
			Name:      "upload_errors_total",
			Help:      "Upload failures by error kind.",
		},
		[]string{"kind"},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tiktok_to_tube",
			Name:      "queue_depth",
			Help:      "Queue items by status.",
		},
		[]string{"status"},
	)

	quotaRemaining = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tiktok_to_tube",
			Name:      "quota_remaining_uploads",
			Help:      "Uploads still possible today per channel.",
		},
		[]string{"channel_id"},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tiktok_to_tube",
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(schedulerPasses, itemsProcessed, stuckRecovered, uploadErrors, queueDepth, quotaRemaining, httpRequests)
	})
}

// IncPass counts one completed scheduler pass.
func IncPass() {
	schedulerPasses.Inc()
}

// IncItem counts a queue item outcome.
func IncItem(result string) {
	itemsProcessed.WithLabelValues(result).Inc()
}

// IncStuckRecovered counts a timeout recovery.
func IncStuckRecovered() {
	stuckRecovered.Inc()
}

// IncUploadError counts an upload failure by taxonomy kind.
func IncUploadError(kind string) {
	uploadErrors.WithLabelValues(kind).Inc()
}

// SetQueueDepth records the current queue size for a status.
func SetQueueDepth(status string, depth int) {
	queueDepth.WithLabelValues(status).Set(float64(depth))
}

// SetQuotaRemaining records how many uploads a channel has left today.
func SetQuotaRemaining(channelID int64, remaining int) {
	quotaRemaining.WithLabelValues(strconv.FormatInt(channelID, 10)).Set(float64(remaining))
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}
