package server

import (
	"encoding/json"
	"strconv"

	"leanline/internal/domain"
	"leanline/internal/tracking"
)

// Request payloads

type CreateProjectRequest struct {
	ID          string  `json:"id"`
	Name        string  `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

type UpdateProjectRequest struct {
	Name        *string `json:"name,omitempty"`
	Status      *string `json:"status,omitempty" enum:"active,paused,archived"`
	Description *string `json:"description,omitempty"`
}

type SetCriterionRequest struct {
	Completed bool `json:"completed"`
}

type CreateMetricRequest struct {
	ID               string `json:"id,omitempty"`
	Category         string `json:"category,omitempty"`
	Name             string `json:"name"`
	CurrentValue     string `json:"current_value,omitempty" example:"18%"`
	TargetValue      string `json:"target_value" example:"20%"`
	WarningThreshold string `json:"warning_threshold,omitempty" example:"15%"`
	ErrorThreshold   string `json:"error_threshold,omitempty" example:"10%"`
	Direction        string `json:"direction,omitempty" enum:"higher-is-better,lower-is-better"`
}

type UpdateMetricRequest struct {
	Category         *string `json:"category,omitempty"`
	Name             *string `json:"name,omitempty"`
	CurrentValue     *string `json:"current_value,omitempty"`
	TargetValue      *string `json:"target_value,omitempty"`
	WarningThreshold *string `json:"warning_threshold,omitempty"`
	ErrorThreshold   *string `json:"error_threshold,omitempty"`
	Direction        *string `json:"direction,omitempty" enum:"higher-is-better,lower-is-better"`
}

type RekeyMetricRequest struct {
	NewID string `json:"new_id,omitempty"`
}

type CreatePivotOptionRequest struct {
	ID                 string `json:"id,omitempty"`
	Type               string `json:"type"`
	Description        string `json:"description"`
	TriggerDescription string `json:"trigger_description,omitempty"`
	Likelihood         string `json:"likelihood,omitempty" enum:"high,medium,low"`
}

type LinkTriggerRequest struct {
	PivotOptionID string `json:"pivot_option_id"`
	MetricID      string `json:"metric_id"`
	ThresholdType string `json:"threshold_type,omitempty" enum:"warning,error"`
}

type CreateHypothesisRequest struct {
	ID        string `json:"id,omitempty"`
	StageID   string `json:"stage_id"`
	Statement string `json:"statement"`
	Status    string `json:"status,omitempty" enum:"untested,testing,validated,invalidated"`
}

type UpdateHypothesisRequest struct {
	Statement *string `json:"statement,omitempty"`
	Status    *string `json:"status,omitempty" enum:"untested,testing,validated,invalidated"`
}

type CreateExperimentRequest struct {
	ID           string `json:"id,omitempty"`
	HypothesisID string `json:"hypothesis_id,omitempty"`
	Name         string `json:"name"`
	Method       string `json:"method,omitempty"`
	Status       string `json:"status,omitempty" enum:"planned,running,completed"`
}

type UpdateExperimentRequest struct {
	Name   *string `json:"name,omitempty"`
	Method *string `json:"method,omitempty"`
	Status *string `json:"status,omitempty" enum:"planned,running,completed"`
	Result *string `json:"result,omitempty"`
}

type CreateFeatureRequest struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Priority    string `json:"priority,omitempty" enum:"must,should,could,wont"`
	Status      string `json:"status,omitempty" enum:"planned,building,shipped,dropped"`
}

type UpdateFeatureRequest struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Priority    *string `json:"priority,omitempty" enum:"must,should,could,wont"`
	Status      *string `json:"status,omitempty" enum:"planned,building,shipped,dropped"`
}

type RoleChangeRequest struct {
	ActorID string `json:"actor_id"`
	RoleID  string `json:"role_id"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
	// ProjectID confines the key to one project. Empty keeps the actor's full reach.
	ProjectID string `json:"project_id,omitempty"`
}

// ProjectConfigDocument carries a project config as YAML text.
type ProjectConfigDocument struct {
	YAML string `json:"yaml"`
}

type DevLoginRequest struct {
	ActorID     string   `json:"actor_id"`
	Permissions []string `json:"permissions,omitempty"`
}

// Response payloads

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	ActorID      string   `json:"actor_id"`
	ProjectScope string   `json:"project_scope,omitempty"`
	Roles        []string `json:"roles"`
	Permissions  []string `json:"permissions"`
}

type APIKeyResponse struct {
	ID         string `json:"id"`
	ActorID    string `json:"actor_id"`
	ProjectID  string `json:"project_id,omitempty"`
	Name       string `json:"name,omitempty"`
	Key        string `json:"key,omitempty"`
	CreatedAt  string `json:"created_at" format:"date-time"`
	LastUsedAt string `json:"last_used_at,omitempty"`
}

type ReclassifyResponse struct {
	Changed int `json:"changed"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// StageTrackingResponse is a stored tracking row with its flags normalized.
type StageTrackingResponse struct {
	StageID   string          `json:"stage_id"`
	Raw       string          `json:"raw"`
	Flags     map[string]bool `json:"flags"`
	UpdatedAt string          `json:"updated_at" format:"date-time"`
}

// Conversion helpers

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func apiKeyResponse(k domain.APIKey, plaintext string) APIKeyResponse {
	return APIKeyResponse{
		ID:         k.ID,
		ActorID:    k.ActorID,
		ProjectID:  k.ProjectID,
		Name:       k.Name,
		Key:        plaintext,
		CreatedAt:  k.CreatedAt,
		LastUsedAt: k.LastUsedAt,
	}
}

func stageTrackingResponse(row domain.StageTracking) StageTrackingResponse {
	flags := tracking.DecodeFlags(row.FlagsJSON)
	out := make(map[string]bool, len(flags))
	for idx, done := range flags {
		out[strconv.Itoa(idx)] = done
	}
	return StageTrackingResponse{
		StageID:   row.StageID,
		Raw:       row.FlagsJSON,
		Flags:     out,
		UpdatedAt: row.UpdatedAt,
	}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil || obj == nil {
		return map[string]any{"raw": raw}
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
