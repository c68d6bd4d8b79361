// Package metrics exposes Prometheus instrumentation for the box
// transfer engine and the DICOM pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for slicebox.
type Metrics struct {
	// Transfer metrics
	ImagesSent       *prometheus.CounterVec
	ImagesReceived   *prometheus.CounterVec
	TransferFailures *prometheus.CounterVec
	SendDuration     *prometheus.HistogramVec

	// Box metrics
	BoxesOnline     prometheus.Gauge
	OutgoingPending prometheus.Gauge

	// Pipeline metrics
	DatasetsAnonymized prometheus.Counter
	ParseFailures      prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		ImagesSent: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "slicebox_images_sent_total",
				Help: "Total number of images successfully delivered to remote boxes",
			},
			[]string{"box"},
		),

		ImagesReceived: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "slicebox_images_received_total",
				Help: "Total number of images received from remote boxes",
			},
			[]string{"box"},
		),

		TransferFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "slicebox_transfer_failures_total",
				Help: "Total number of failed transfer attempts",
			},
			[]string{"box", "kind"}, // kind: transient, permanent
		),

		SendDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "slicebox_send_duration_seconds",
				Help:    "Time spent anonymizing and delivering one image",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"box"},
		),

		BoxesOnline: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "slicebox_boxes_online",
				Help: "Number of remote boxes currently considered online",
			},
		),

		OutgoingPending: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "slicebox_outgoing_pending",
				Help: "Number of outgoing transactions waiting or in progress",
			},
		),

		DatasetsAnonymized: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "slicebox_datasets_anonymized_total",
				Help: "Total number of datasets run through the anonymization pipeline",
			},
		),

		ParseFailures: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "slicebox_parse_failures_total",
				Help: "Total number of datasets rejected by the DICOM parser",
			},
		),
	}
}
