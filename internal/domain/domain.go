package domain

type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Status      string `json:"status" enum:"active,paused,archived"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// StageTracking is the raw tracking row for one stage of a project. FlagsJSON is stored
// as written by whichever client saved it.
type StageTracking struct {
	ProjectID string `json:"project_id"`
	StageID   string `json:"stage_id"`
	FlagsJSON string `json:"flags_json"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// Metric values are formatted strings: a signed decimal with an optional '%' suffix.
// Empty CurrentValue, WarningThreshold or ErrorThreshold means unset.
type Metric struct {
	ID               string `json:"id"`
	LegacyID         string `json:"legacy_id,omitempty"`
	ProjectID        string `json:"project_id"`
	Category         string `json:"category"`
	Name             string `json:"name"`
	CurrentValue     string `json:"current_value,omitempty"`
	TargetValue      string `json:"target_value"`
	WarningThreshold string `json:"warning_threshold,omitempty"`
	ErrorThreshold   string `json:"error_threshold,omitempty"`
	Direction        string `json:"direction" enum:"higher-is-better,lower-is-better"`
	Status           string `json:"status" enum:"not-started,success,warning,error"`
	CreatedAt        string `json:"created_at" format:"date-time"`
	UpdatedAt        string `json:"updated_at" format:"date-time"`
}

type PivotOption struct {
	ID                 string `json:"id"`
	LegacyID           string `json:"legacy_id,omitempty"`
	ProjectID          string `json:"project_id"`
	Type               string `json:"type"`
	Description        string `json:"description"`
	TriggerDescription string `json:"trigger_description,omitempty"`
	Likelihood         string `json:"likelihood" enum:"high,medium,low"`
	CreatedAt          string `json:"created_at" format:"date-time"`
}

// PivotMetricTrigger links a metric to a pivot option. Either id may be a legacy id.
type PivotMetricTrigger struct {
	ProjectID     string `json:"project_id"`
	PivotOptionID string `json:"pivot_option_id"`
	MetricID      string `json:"metric_id"`
	ThresholdType string `json:"threshold_type" enum:"warning,error"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}

type Hypothesis struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	StageID   string `json:"stage_id"`
	Statement string `json:"statement"`
	Status    string `json:"status" enum:"untested,testing,validated,invalidated"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type Experiment struct {
	ID           string `json:"id"`
	ProjectID    string `json:"project_id"`
	HypothesisID string `json:"hypothesis_id,omitempty"`
	Name         string `json:"name"`
	Method       string `json:"method,omitempty"`
	Status       string `json:"status" enum:"planned,running,completed"`
	Result       string `json:"result,omitempty"`
	CreatedAt    string `json:"created_at" format:"date-time"`
	UpdatedAt    string `json:"updated_at" format:"date-time"`
}

// Feature is an MVP feature.
type Feature struct {
	ID          string `json:"id"`
	ProjectID   string `json:"project_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Priority    string `json:"priority" enum:"must,should,could,wont"`
	Status      string `json:"status" enum:"planned,building,shipped,dropped"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIKey is a hashed credential. ProjectID, when set, confines the key to that project.
type APIKey struct {
	ID         string `json:"id"`
	ActorID    string `json:"actor_id"`
	ProjectID  string `json:"project_id,omitempty"`
	Name       string `json:"name,omitempty"`
	KeyHash    string `json:"key_hash"`
	CreatedAt  string `json:"created_at" format:"date-time"`
	LastUsedAt string `json:"last_used_at,omitempty"`
}

type ActorRole struct {
	ProjectID string `json:"project_id"`
	ActorID   string `json:"actor_id"`
	RoleID    string `json:"role_id"`
}
