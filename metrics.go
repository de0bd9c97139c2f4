package gatekey

import (
	"sync/atomic"
	"time"
)

// MetricID identifies a specific counter or histogram in the in-process
// metrics system.
type MetricID uint16

const (
	// MetricSignInSuccess counts completed password sign-ins.
	MetricSignInSuccess MetricID = iota
	// MetricSignInFailure counts rejected password sign-ins.
	MetricSignInFailure
	// MetricSignUpSuccess counts created accounts.
	MetricSignUpSuccess
	// MetricSignUpDuplicate counts sign-ups rejected for an existing email.
	MetricSignUpDuplicate
	// MetricRefreshSuccess counts successful refresh rotations.
	MetricRefreshSuccess
	// MetricRefreshFailure counts rejected refresh attempts.
	MetricRefreshFailure
	// MetricRefreshReplayDetected counts refreshes with an already-rotated token.
	MetricRefreshReplayDetected
	// MetricTicketIssued counts issued tickets across all types.
	MetricTicketIssued
	// MetricTicketRedeemed counts successful ticket redemptions.
	MetricTicketRedeemed
	// MetricTicketInvalid counts failed ticket redemptions.
	MetricTicketInvalid
	// MetricOTPIssued counts delivered one-time passwords.
	MetricOTPIssued
	// MetricOTPVerified counts successful OTP verifications.
	MetricOTPVerified
	// MetricOTPInvalid counts mismatched or unknown OTP codes.
	MetricOTPInvalid
	// MetricOTPExpired counts OTP verifications past expiry.
	MetricOTPExpired
	// MetricOTPAttemptsExceeded counts OTP records invalidated by the attempt cap.
	MetricOTPAttemptsExceeded
	// MetricOTPProviderFailure counts failed OTP deliveries.
	MetricOTPProviderFailure
	// MetricOTPRollback counts just-in-time users deleted after delivery failure.
	MetricOTPRollback
	// MetricPATIssued counts created personal access tokens.
	MetricPATIssued
	// MetricPATRejectedExpiry counts PAT requests below the minimum lifetime.
	MetricPATRejectedExpiry
	// MetricPATRefresh counts sessions minted from a PAT.
	MetricPATRefresh
	// MetricMFARequired counts sign-ins answered with an MFA challenge.
	MetricMFARequired
	// MetricMFASuccess counts completed MFA verifications.
	MetricMFASuccess
	// MetricMFAFailure counts failed MFA verifications.
	MetricMFAFailure
	// MetricMFAReplayAttempt counts MFA tickets presented twice.
	MetricMFAReplayAttempt
	// MetricTOTPEnrollStarted counts generated TOTP enrollments.
	MetricTOTPEnrollStarted
	// MetricTOTPActivated counts activated TOTP enrollments.
	MetricTOTPActivated
	// MetricElevationSuccess counts sessions upgraded with the elevated claim.
	MetricElevationSuccess
	// MetricElevationRejected counts sensitive operations rejected for missing elevation.
	MetricElevationRejected
	// MetricSecurityKeyAdded counts registered WebAuthn credentials.
	MetricSecurityKeyAdded
	// MetricSecurityKeyRemoved counts removed WebAuthn credentials.
	MetricSecurityKeyRemoved
	// MetricSignOut counts revoked refresh tokens.
	MetricSignOut
	// MetricSignInLatency is the sign-in latency histogram.
	MetricSignInLatency
	metricIDCount
)

const (
	histBucketCount = 8
	cacheLineSize   = 64
)

type metricHistogram struct {
	buckets [histBucketCount]uint64
}

// Counters are padded to a cache line to avoid false sharing on the hot
// path.
type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics holds lock-free counters and optional latency histograms. A nil
// or disabled Metrics is a no-op on every method.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [metricIDCount]paddedCounter
	histograms    [metricIDCount]metricHistogram
}

// MetricsSnapshot is a point-in-time deep copy of all metrics.
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled:       cfg.Enabled,
		enableLatency: cfg.Enabled && cfg.EnableLatencyHistograms,
	}
}

func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

func (m *Metrics) LatencyEnabled() bool {
	return m != nil && m.enableLatency
}

func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if m == nil || !m.enabled || !m.enableLatency || id >= metricIDCount {
		return
	}
	if id != MetricSignInLatency {
		return
	}

	b := bucketIndex(d)
	atomic.AddUint64(&m.histograms[id].buckets[b], 1)
}

func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil || !m.enabled {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}

	s := MetricsSnapshot{
		Counters:   make(map[MetricID]uint64, int(metricIDCount)),
		Histograms: make(map[MetricID][]uint64, 1),
	}

	for id := MetricID(0); id < metricIDCount; id++ {
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}

	if m.enableLatency {
		buckets := make([]uint64, histBucketCount)
		for i := 0; i < histBucketCount; i++ {
			buckets[i] = atomic.LoadUint64(&m.histograms[MetricSignInLatency].buckets[i])
		}
		s.Histograms[MetricSignInLatency] = buckets
	}

	return s
}

func bucketIndex(d time.Duration) int {
	ms := d.Milliseconds()

	switch {
	case ms <= 5:
		return 0
	case ms <= 10:
		return 1
	case ms <= 25:
		return 2
	case ms <= 50:
		return 3
	case ms <= 100:
		return 4
	case ms <= 250:
		return 5
	case ms <= 500:
		return 6
	default:
		return 7
	}
}
