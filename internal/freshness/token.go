package freshness

import (
	"time"

	"github.com/sells-group/muse-gate/internal/model"
)

// DefaultTokenTTL bounds how long a freshness check may be consumed.
const DefaultTokenTTL = 30 * time.Minute

// GateToken is the gate signal handed to the coordinator. It is only honored
// before ExpiresAt.
type GateToken struct {
	RunID     string            `json:"run_id"`
	GatingKey string            `json:"gating_key"`
	Open      bool              `json:"open"`
	Status    model.GateStatus  `json:"status"`
	Reason    model.BlockReason `json:"reason"`
	IssuedAt  time.Time         `json:"issued_at"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// Valid reports whether the token lets work proceed at now.
func (t *GateToken) Valid(now time.Time) bool {
	return t != nil && t.Open && now.Before(t.ExpiresAt)
}

// TTL returns the remaining lifetime at now, never negative.
func (t *GateToken) TTL(now time.Time) time.Duration {
	if t == nil || !now.Before(t.ExpiresAt) {
		return 0
	}
	return t.ExpiresAt.Sub(now)
}

// Admit returns the status a consumer must act on at now. An absent token
// or one past its expiry is blocked regardless of what it carried.
func Admit(t *GateToken, now time.Time) (model.GateStatus, model.BlockReason) {
	switch {
	case t == nil:
		return model.GateBlocked, model.ReasonTokenAbsent
	case !now.Before(t.ExpiresAt):
		return model.GateBlocked, model.ReasonTokenExpired
	case !t.Open:
		return model.GateBlocked, t.Reason
	default:
		return t.Status, t.Reason
	}
}

// TokenFromResult rebuilds the gate signal from a persisted check.
func TokenFromResult(res *model.FreshnessCheckResult, ttl time.Duration) *GateToken {
	if res == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &GateToken{
		RunID:     res.RunID,
		GatingKey: res.GatingKey,
		Open:      res.Status.Open(),
		Status:    res.Status,
		Reason:    res.Reason,
		IssuedAt:  res.ComputedAt,
		ExpiresAt: res.ComputedAt.Add(ttl),
	}
}
