package domain

// QualityTier classifies a connection's rolling average round-trip latency.
// Diagnostic only; never gates functional behavior.
type QualityTier string

const (
	QualityExcellent QualityTier = "excellent" // < 50ms
	QualityGood      QualityTier = "good"      // 50-150ms
	QualityFair      QualityTier = "fair"      // 150-300ms
	QualityPoor      QualityTier = "poor"      // > 300ms
)

// ClassifyLatency maps a rolling-average latency in milliseconds to a tier.
func ClassifyLatency(ms float64) QualityTier {
	switch {
	case ms < 50:
		return QualityExcellent
	case ms < 150:
		return QualityGood
	case ms < 300:
		return QualityFair
	default:
		return QualityPoor
	}
}

// ConnectionQuality is the diagnostic view of one user's connection.
type ConnectionQuality struct {
	UserID    string      `json:"user_id"`
	LatencyMS float64     `json:"latency_ms"`
	Quality   QualityTier `json:"quality"`
}
