package store

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/muse-gate/internal/db"
	"github.com/sells-group/muse-gate/internal/model"
)

var (
	recordsTable = db.VersionedConfig{
		Table:        "source_records",
		Columns:      []string{"natural_key", "source_id", "version", "payload", "written_at"},
		ConflictKeys: []string{"natural_key"},
		VersionCol:   "version",
	}
	freshnessTable = db.VersionedConfig{
		Table:        "freshness_results",
		Columns:      []string{"run_id", "gating_key", "status", "reason", "version", "body", "computed_at"},
		ConflictKeys: []string{"run_id"},
		VersionCol:   "version",
		// A run's freshness result is immutable once written.
		InsertOnly: true,
	}
	episodesTable = db.VersionedConfig{
		Table:        "episodes",
		Columns:      []string{"run_id", "gating_key", "series", "episode_number", "status", "confidence", "version", "body", "created_at", "updated_at"},
		ConflictKeys: []string{"run_id"},
		VersionCol:   "version",
		// created_at is kept from the first write.
		UpdateCols: []string{"gating_key", "series", "episode_number", "status", "confidence", "version", "body", "updated_at"},
	}
)

const auditSource = "audit"

// AuditKey is the natural key under which a run's audit trail is stored.
func AuditKey(runID string) string {
	return auditSource + ":" + runID
}

// PutAudit writes a run's full audit trail through the versioned record path.
// A later version of the trail replaces an earlier one.
func PutAudit(ctx context.Context, s Store, runID string, version int64, entries []model.AuditEntry) (model.WriteOutcome, error) {
	payload, err := json.Marshal(entries)
	if err != nil {
		return "", eris.Wrap(err, "store: marshal audit")
	}
	return s.WriteRecord(ctx, model.SourceRecord{
		SourceID:   auditSource,
		NaturalKey: AuditKey(runID),
		Version:    version,
		Payload:    payload,
	})
}

// GetAudit reads a run's audit trail.
func GetAudit(ctx context.Context, s Store, runID string) ([]model.AuditEntry, error) {
	rec, err := s.ReadRecord(ctx, AuditKey(runID))
	if err != nil {
		return nil, err
	}
	var entries []model.AuditEntry
	if err := json.Unmarshal(rec.Payload, &entries); err != nil {
		return nil, eris.Wrapf(err, "store: unmarshal audit %s", runID)
	}
	return entries, nil
}

func freshnessVersion(res *model.FreshnessCheckResult) int64 {
	return res.ComputedAt.UnixNano()
}

func nonEmptyJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	return raw
}

func validateRecord(rec model.SourceRecord) error {
	if strings.TrimSpace(rec.NaturalKey) == "" {
		return eris.New("store: record natural key is required")
	}
	if rec.Version <= 0 {
		return eris.Errorf("store: record %s: version must be positive", rec.NaturalKey)
	}
	return nil
}

func validateEpisode(ep *model.Episode) error {
	if ep == nil || ep.RunID == "" {
		return eris.New("store: episode run id is required")
	}
	if ep.Version <= 0 {
		return eris.Errorf("store: episode %s: version must be positive", ep.RunID)
	}
	return nil
}
