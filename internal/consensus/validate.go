package consensus

import (
	"context"
	"fmt"
	"math"

	"github.com/signalops/truthengine/internal/observ"
)

// Approval is the explicit sizing-gate result for a candidate execution
// price. A failed consensus yields a rejection, never a default approval.
type Approval struct {
	Approved   bool    `json:"approved"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`
	Deviation  float64 `json:"deviation"` // fraction of consensus mid
}

// ValidateSignalPrice compares a candidate execution price against the
// consensus median. Approval requires confidence at or above the minimum,
// deviation within the allowed fraction, and outliers at or below the
// ceiling.
func (e *Engine) ValidateSignalPrice(ctx context.Context, symbol string, price float64) Approval {
	if price <= 0 || math.IsNaN(price) {
		return Approval{Approved: false, Reason: "candidate price not positive"}
	}

	q, err := e.GetConsensus(ctx, symbol)
	if err != nil {
		observ.IncCounter("price_validation_rejected_total", map[string]string{"reason": "no_consensus"})
		return Approval{Approved: false, Reason: fmt.Sprintf("no consensus: %v", err)}
	}

	mid := q.Mid()
	deviation := math.Abs(price-mid) / mid

	switch {
	case q.Confidence < e.cfg.MinApprovalConfidence:
		observ.IncCounter("price_validation_rejected_total", map[string]string{"reason": "low_confidence"})
		return Approval{
			Approved: false, Confidence: q.Confidence, Deviation: deviation,
			Reason: fmt.Sprintf("confidence %.0f below minimum %.0f", q.Confidence, e.cfg.MinApprovalConfidence),
		}
	case deviation > e.cfg.MaxPriceDeviation:
		observ.IncCounter("price_validation_rejected_total", map[string]string{"reason": "deviation"})
		return Approval{
			Approved: false, Confidence: q.Confidence, Deviation: deviation,
			Reason: fmt.Sprintf("deviation %.5f exceeds %.5f", deviation, e.cfg.MaxPriceDeviation),
		}
	case q.OutlierCount > e.cfg.MaxApprovalOutliers:
		observ.IncCounter("price_validation_rejected_total", map[string]string{"reason": "outliers"})
		return Approval{
			Approved: false, Confidence: q.Confidence, Deviation: deviation,
			Reason: fmt.Sprintf("%d outlier sources exceeds ceiling %d", q.OutlierCount, e.cfg.MaxApprovalOutliers),
		}
	}

	observ.IncCounter("price_validation_approved_total", map[string]string{"symbol": symbol})
	return Approval{Approved: true, Reason: "within consensus", Confidence: q.Confidence, Deviation: deviation}
}
