package model

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateStatus_Open(t *testing.T) {
	tests := []struct {
		status GateStatus
		open   bool
	}{
		{GateInit, false},
		{GateValid, true},
		{GateDegraded, true},
		{GateBlocked, false},
	}
	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			assert.Equal(t, tt.open, tt.status.Open())
		})
	}
}

func TestGateStatus_TextRoundTrip(t *testing.T) {
	b, err := json.Marshal(map[string]GateStatus{"s": GateDegraded})
	require.NoError(t, err)
	assert.JSONEq(t, `{"s":"degraded"}`, string(b))

	var out map[string]GateStatus
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, GateDegraded, out["s"])

	_, err = GateStatus(42).MarshalText()
	assert.Error(t, err)
	assert.Equal(t, "unknown", GateStatus(42).String())

	_, err = ParseGateStatus("open")
	assert.Error(t, err)
}

func TestEpisodeStatus_TextRoundTrip(t *testing.T) {
	for _, s := range []EpisodeStatus{EpisodeDraft, EpisodeReady, EpisodePublished, EpisodeFailed} {
		b, err := s.MarshalText()
		require.NoError(t, err)
		var back EpisodeStatus
		require.NoError(t, back.UnmarshalText(b))
		assert.Equal(t, s, back)
	}

	_, err := EpisodeStatus(0).MarshalText()
	assert.Error(t, err)

	var s EpisodeStatus
	assert.Error(t, s.UnmarshalText([]byte("archived")))
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to EpisodeStatus
		want     bool
	}{
		{EpisodeDraft, EpisodeReady, true},
		{EpisodeDraft, EpisodeFailed, true},
		{EpisodeDraft, EpisodePublished, false},
		{EpisodeReady, EpisodePublished, true},
		{EpisodeReady, EpisodeFailed, true},
		{EpisodeReady, EpisodeDraft, false},
		{EpisodePublished, EpisodeFailed, false},
		{EpisodeFailed, EpisodeReady, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestEpisode_TransitionRequiresOverrideForPromotion(t *testing.T) {
	ep := &Episode{Status: EpisodeDraft, Confidence: 0.4, Threshold: 0.6}

	err := ep.Transition(EpisodeReady, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Equal(t, EpisodeDraft, ep.Status)

	o := &Override{Actor: "ops", Reason: "reviewed by hand", RecordedAt: time.Date(2026, 3, 8, 12, 0, 0, 0, time.UTC)}
	require.NoError(t, ep.Transition(EpisodeReady, o))
	assert.Equal(t, EpisodeReady, ep.Status)
	assert.Equal(t, o, ep.Override)

	require.NoError(t, ep.Transition(EpisodePublished, nil))
	assert.Equal(t, EpisodePublished, ep.Status)
}

func TestEpisode_PublishBelowThresholdWithoutOverride(t *testing.T) {
	ep := &Episode{Status: EpisodeReady, Confidence: 0.59, Threshold: 0.6}

	err := ep.Transition(EpisodePublished, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Equal(t, EpisodeReady, ep.Status)

	ep.Confidence = 0.61
	require.NoError(t, ep.Transition(EpisodePublished, nil))
}

func TestEpisode_FailFromReady(t *testing.T) {
	ep := &Episode{Status: EpisodeReady, Confidence: 0.9, Threshold: 0.6}
	require.NoError(t, ep.Transition(EpisodeFailed, nil))
	assert.Error(t, ep.Transition(EpisodePublished, nil))
	assert.Equal(t, EpisodeFailed, ep.Status)
}

func TestSourceFreshness_HasBaseline(t *testing.T) {
	at := time.Date(2026, 3, 8, 12, 0, 0, 0, time.UTC)
	assert.True(t, SourceFreshness{RowsFound: 1, LatestAt: &at}.HasBaseline())
	assert.False(t, SourceFreshness{RowsFound: 0, LatestAt: &at}.HasBaseline())
	assert.False(t, SourceFreshness{RowsFound: 5}.HasBaseline())
}

func TestTrailingWindow(t *testing.T) {
	end := time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC)
	w := TrailingWindow(end, 7*24*time.Hour)
	assert.Equal(t, end.Add(-7*24*time.Hour), w.Start)
	assert.Equal(t, end, w.End)
	assert.Equal(t, 7, w.Days())
}
