// Package metrics exposes the Prometheus counters and histograms emitted by
// the core's lifecycle operations. A host application can register these
// with its own registry (or use promhttp.Handler for an ad hoc one) and
// scrape them the same way it would any other library metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PreKeyRotationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "e2eecore_prekey_rotations_total",
			Help: "Total number of signed/Kyber pre-key rotations performed",
		},
		[]string{"kind"}, // signed, kyber
	)

	OneTimePreKeysReplenishedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "e2eecore_onetime_prekeys_replenished_total",
			Help: "Total number of one-time pre-keys regenerated after consumption",
		},
	)

	HandshakesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "e2eecore_handshakes_total",
			Help: "Total number of PQXDH handshakes performed",
		},
		[]string{"role", "result"}, // role: initiator/responder, result: ok/bad_signature/untrusted_identity/bad_bundle/internal
	)

	MessagesEncryptedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "e2eecore_messages_encrypted_total",
			Help: "Total number of messages encrypted",
		},
	)

	MessagesDecryptedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "e2eecore_messages_decrypted_total",
			Help: "Total number of messages decrypted",
		},
		[]string{"result"}, // ok, bad_mac, duplicate, out_of_order_too_far, no_session, invalid_version, bad_bundle, untrusted_identity, invalid_key_id, internal
	)

	RatchetAdvancesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "e2eecore_ratchet_advances_total",
			Help: "Total number of DH ratchet advances across all sessions",
		},
	)

	SkippedMessageKeysGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "e2eecore_skipped_message_keys",
			Help: "Current number of retained skipped message keys across all sessions",
		},
	)

	AtRestWriteLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "e2eecore_atrest_write_latency_seconds",
			Help:    "Latency of AEAD-sealed writes to the at-rest store",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
		},
		[]string{"bucket"},
	)

	AtRestCorruptReadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "e2eecore_atrest_corrupt_reads_total",
			Help: "Total number of at-rest reads that failed AEAD-open and were treated as not-found",
		},
		[]string{"bucket"},
	)
)

// RecordRotation increments the rotation counter for a given pre-key kind.
func RecordRotation(kind string) {
	PreKeyRotationsTotal.WithLabelValues(kind).Inc()
}

// RecordHandshake increments the handshake counter for a role/result pair.
func RecordHandshake(role, result string) {
	HandshakesTotal.WithLabelValues(role, result).Inc()
}

// RecordDecrypt increments the decrypt counter for a result outcome.
func RecordDecrypt(result string) {
	MessagesDecryptedTotal.WithLabelValues(result).Inc()
}

// RecordAtRestWrite observes the latency of a sealed write to a bucket.
func RecordAtRestWrite(bucket string, d time.Duration) {
	AtRestWriteLatency.WithLabelValues(bucket).Observe(d.Seconds())
}

// RecordAtRestCorruption increments the corrupt-read counter for a bucket.
func RecordAtRestCorruption(bucket string) {
	AtRestCorruptReadsTotal.WithLabelValues(bucket).Inc()
}
