package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written to the log. Webhook filters match on these.
const (
	ProjectCreated    = "project.created"
	ProjectUpdated    = "project.updated"
	ProjectDeleted    = "project.deleted"
	ConfigImported    = "project.config.imported"
	CriterionSet      = "tracking.criterion.set"
	MetricCreated     = "metric.created"
	MetricUpdated     = "metric.updated"
	MetricStatus      = "metric.status.changed"
	MetricRekeyed     = "metric.rekeyed"
	MetricDeleted     = "metric.deleted"
	PivotCreated      = "pivot.created"
	PivotDeleted      = "pivot.deleted"
	TriggerLinked     = "pivot.trigger.linked"
	TriggerUnlinked   = "pivot.trigger.unlinked"
	HypothesisCreated = "hypothesis.created"
	HypothesisUpdated = "hypothesis.updated"
	ExperimentCreated = "experiment.created"
	ExperimentUpdated = "experiment.updated"
	FeatureCreated    = "feature.created"
	FeatureUpdated    = "feature.updated"
	RoleGranted       = "rbac.role.granted"
	RoleRevoked       = "rbac.role.revoked"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one event inside tx so it commits or rolls back with the change it
// describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = EventPayload{}
	}
	if actorID == "" {
		actorID = "system"
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(projectID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
