package service

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bobg/fstream"
)

type metrics struct {
	prepared      *prometheus.CounterVec
	received      prometheus.Counter
	downloads     *prometheus.CounterVec
	dedupHits     prometheus.Counter
	shredFailures prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		prepared: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fstream",
				Name:      "prepare_total",
				Help:      "Uploads by outcome.",
			},
			[]string{"status"},
		),
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fstream",
			Name:      "received_bytes_total",
			Help:      "Body bytes written to blob files.",
		}),
		downloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fstream",
				Name:      "download_total",
				Help:      "Downloads by served encoding.",
			},
			[]string{"encoding"},
		),
		dedupHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fstream",
			Name:      "dedup_hits_total",
			Help:      "Uploads satisfied by content already in the cache.",
		}),
		shredFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fstream",
			Name:      "shred_failures_total",
			Help:      "File deletions abandoned after exhausting retries.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.prepared, m.received, m.downloads, m.dedupHits, m.shredFailures)
	}
	return m
}

func encodingLabel(enc fstream.Encoding) string {
	if enc.Compressed() {
		return "deflate"
	}
	return "identity"
}
