package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// EpisodeStatus is the lifecycle state of an Episode.
type EpisodeStatus int

const (
	EpisodeDraft EpisodeStatus = iota + 1
	EpisodeReady
	EpisodePublished
	EpisodeFailed
)

var episodeStatusNames = map[EpisodeStatus]string{
	EpisodeDraft:     "draft",
	EpisodeReady:     "ready",
	EpisodePublished: "published",
	EpisodeFailed:    "failed",
}

func (s EpisodeStatus) String() string {
	if name, ok := episodeStatusNames[s]; ok {
		return name
	}
	return "unknown"
}

// ParseEpisodeStatus converts a stored name back to an EpisodeStatus.
func ParseEpisodeStatus(name string) (EpisodeStatus, error) {
	for s, n := range episodeStatusNames {
		if n == name {
			return s, nil
		}
	}
	return 0, eris.Errorf("model: unknown episode status %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (s EpisodeStatus) MarshalText() ([]byte, error) {
	if _, ok := episodeStatusNames[s]; !ok {
		return nil, eris.Errorf("model: invalid episode status %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *EpisodeStatus) UnmarshalText(b []byte) error {
	parsed, err := ParseEpisodeStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ErrInvalidTransition is returned when an episode status change is not allowed.
var ErrInvalidTransition = eris.New("model: invalid episode transition")

// CanTransition reports whether an episode may move from one status to another.
// Promoting a draft to ready additionally requires a recorded override, which
// Episode.Transition enforces.
func CanTransition(from, to EpisodeStatus) bool {
	switch from {
	case EpisodeDraft:
		return to == EpisodeReady || to == EpisodeFailed
	case EpisodeReady:
		return to == EpisodePublished || to == EpisodeFailed
	default:
		return false
	}
}

// Series groups episodes for numbering and presentation.
type Series string

const (
	SeriesChimera     Series = "chimera"
	SeriesBanterpacks Series = "banterpacks"
)

// ConfidenceScore combines the data-quality dimensions of a run. Final is
// always the minimum of the other three.
type ConfidenceScore struct {
	Completeness        float64 `json:"completeness"`
	CorrelationStrength float64 `json:"correlation_strength"`
	RecencyFactor       float64 `json:"recency_factor"`
	Final               float64 `json:"final"`
}

// Override records an operator decision to publish below the threshold.
type Override struct {
	Actor      string    `json:"actor"`
	Reason     string    `json:"reason"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Episode is one gated content run. Episodes are never deleted.
type Episode struct {
	RunID               string          `json:"run_id"`
	GatingKey           string          `json:"gating_key"`
	Series              Series          `json:"series"`
	Number              int             `json:"episode_number"`
	Title               string          `json:"title"`
	WindowStart         time.Time       `json:"window_start"`
	WindowEnd           time.Time       `json:"window_end"`
	Score               ConfidenceScore `json:"score"`
	Confidence          float64         `json:"confidence"`
	CorrelationStrength float64         `json:"correlation_strength"`
	Threshold           float64         `json:"publish_threshold"`
	Status              EpisodeStatus   `json:"status"`
	GateStatus          GateStatus      `json:"gate_status"`
	Caveat              string          `json:"caveat,omitempty"`
	Override            *Override       `json:"override,omitempty"`
	DeploymentHandle    string          `json:"deployment_handle,omitempty"`
	Version             int64           `json:"version"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// Transition moves the episode to a new status, enforcing the lifecycle rules:
// published only from ready, and a ready episode scoring below its threshold
// only when an override is recorded. Status is left unchanged on error.
func (e *Episode) Transition(to EpisodeStatus, override *Override) error {
	if !CanTransition(e.Status, to) {
		return eris.Wrapf(ErrInvalidTransition, "%s -> %s", e.Status, to)
	}
	belowThreshold := e.Confidence < e.Threshold
	if to == EpisodeReady && override == nil {
		return eris.Wrap(ErrInvalidTransition, "draft -> ready requires an override")
	}
	if to == EpisodePublished && belowThreshold && e.Override == nil {
		return eris.Wrapf(ErrInvalidTransition,
			"publish below threshold (%.2f < %.2f) without override", e.Confidence, e.Threshold)
	}
	if override != nil {
		e.Override = override
	}
	e.Status = to
	return nil
}
