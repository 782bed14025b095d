// Package metrics provides Prometheus metrics for a backup run, exported as a
// node_exporter textfile when the run ends.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RunMetrics holds the metrics of one run. A nil *RunMetrics records nothing.
type RunMetrics struct {
	Registry *prometheus.Registry

	FilesConsidered prometheus.Gauge
	FilesPending    prometheus.Gauge
	FilesUploaded   prometheus.Counter
	FilesFailed     *prometheus.CounterVec // labels: reason
	BytesUploaded   prometheus.Counter
	UploadDuration  prometheus.Histogram
	GatewayRequests *prometheus.CounterVec // labels: op, code

	RunDuration     prometheus.Gauge
	RunSuccess      prometheus.Gauge
	LastSuccessTime prometheus.Gauge
}

// New creates the run metrics on a fresh registry, labelled with the cluster
// and host the run backs up.
func New(cluster, host string) *RunMetrics {
	reg := prometheus.NewRegistry()
	constLabels := prometheus.Labels{"cluster": cluster, "host": host}
	f := promauto.With(reg)

	return &RunMetrics{
		Registry: reg,
		FilesConsidered: f.NewGauge(prometheus.GaugeOpts{
			Name:        "cassnap_files_considered",
			Help:        "Snapshot files found locally in the last run",
			ConstLabels: constLabels,
		}),
		FilesPending: f.NewGauge(prometheus.GaugeOpts{
			Name:        "cassnap_files_pending",
			Help:        "Files selected for upload by the diff in the last run",
			ConstLabels: constLabels,
		}),
		FilesUploaded: f.NewCounter(prometheus.CounterOpts{
			Name:        "cassnap_files_uploaded_total",
			Help:        "Files uploaded successfully",
			ConstLabels: constLabels,
		}),
		FilesFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "cassnap_files_failed_total",
			Help:        "Files that could not be uploaded, by reason",
			ConstLabels: constLabels,
		}, []string{"reason"}),
		BytesUploaded: f.NewCounter(prometheus.CounterOpts{
			Name:        "cassnap_bytes_uploaded_total",
			Help:        "Bytes uploaded successfully",
			ConstLabels: constLabels,
		}),
		UploadDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:        "cassnap_upload_duration_seconds",
			Help:        "Duration of single file uploads including retries",
			ConstLabels: constLabels,
			Buckets:     prometheus.ExponentialBuckets(0.05, 4, 8),
		}),
		GatewayRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "cassnap_gateway_requests_total",
			Help:        "Gateway requests by operation and HTTP status code",
			ConstLabels: constLabels,
		}, []string{"op", "code"}),
		RunDuration: f.NewGauge(prometheus.GaugeOpts{
			Name:        "cassnap_run_duration_seconds",
			Help:        "Wall time of the last run",
			ConstLabels: constLabels,
		}),
		RunSuccess: f.NewGauge(prometheus.GaugeOpts{
			Name:        "cassnap_run_success",
			Help:        "1 if the last run uploaded every file and the manifest",
			ConstLabels: constLabels,
		}),
		LastSuccessTime: f.NewGauge(prometheus.GaugeOpts{
			Name:        "cassnap_last_success_timestamp_seconds",
			Help:        "Unix time of the last fully successful run",
			ConstLabels: constLabels,
		}),
	}
}

// ObserveUpload records the outcome of one file upload.
func (m *RunMetrics) ObserveUpload(ok bool, reason string, bytes int64, d time.Duration) {
	if m == nil {
		return
	}
	m.UploadDuration.Observe(d.Seconds())
	if ok {
		m.FilesUploaded.Inc()
		m.BytesUploaded.Add(float64(bytes))
		return
	}
	m.FilesFailed.WithLabelValues(reason).Inc()
}

// ObserveRequest records one gateway round trip. code is 0 for transport
// errors.
func (m *RunMetrics) ObserveRequest(op string, code int) {
	if m == nil {
		return
	}
	m.GatewayRequests.WithLabelValues(op, statusLabel(code)).Inc()
}

// SetPlan records the scan and diff sizes.
func (m *RunMetrics) SetPlan(considered, pending int) {
	if m == nil {
		return
	}
	m.FilesConsidered.Set(float64(considered))
	m.FilesPending.Set(float64(pending))
}

// Finish records the run's duration and outcome.
func (m *RunMetrics) Finish(success bool, d time.Duration, now time.Time) {
	if m == nil {
		return
	}
	m.RunDuration.Set(d.Seconds())
	if success {
		m.RunSuccess.Set(1)
		m.LastSuccessTime.Set(float64(now.Unix()))
		return
	}
	m.RunSuccess.Set(0)
}

// WriteTextfile writes all metrics in the text exposition format to path,
// atomically, for the node_exporter textfile collector.
func (m *RunMetrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.Registry)
}

func statusLabel(code int) string {
	if code == 0 {
		return "error"
	}
	return strconv.Itoa(code)
}
