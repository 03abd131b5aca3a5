package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pelican_imap_active_sessions",
		Help: "Number of live IMAP sessions",
	})

	SessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pelican_imap_sessions_total",
		Help: "Total IMAP sessions accepted",
	})

	Commands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pelican_imap_commands_total",
		Help: "Total IMAP commands executed",
	}, []string{"command"})

	// Notification metrics
	JournalEntriesAppended = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pelican_journal_entries_total",
		Help: "Total journal entries appended",
	})

	NotificationsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pelican_notifications_delivered_total",
		Help: "Total untagged responses flushed from the journal to sessions",
	})

	// Authentication metrics
	AuthAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pelican_auth_attempts_total",
		Help: "Total authentication attempts",
	}, []string{"result"})

	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pelican_auth_rate_limited_total",
		Help: "Total login attempts rejected by the rate limiter",
	})

	// Quota metrics
	QuotaExceeded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pelican_quota_exceeded_total",
		Help: "Total appends rejected because the user was over quota",
	})

	// Attachment metrics
	BlobsSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pelican_blobs_swept_total",
		Help: "Total attachment blobs removed after their last reference",
	})

	// Error metrics
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pelican_errors_total",
		Help: "Total errors by component",
	}, []string{"component", "type"})
)

// RecordAuth records an authentication attempt.
func RecordAuth(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	AuthAttempts.WithLabelValues(result).Inc()
}

// RecordError records an error.
func RecordError(component, errorType string) {
	Errors.WithLabelValues(component, errorType).Inc()
}
