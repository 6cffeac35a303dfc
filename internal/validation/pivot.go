package validation

import "leanline/internal/domain"

// ActiveTrigger is a pivot option surfaced by a degraded metric.
type ActiveTrigger struct {
	Trigger     domain.PivotMetricTrigger `json:"trigger"`
	PivotOption domain.PivotOption        `json:"pivot_option"`
	Metric      domain.Metric             `json:"metric"`
}

// Resolve looks id up by current identifier first, then by legacy identifier.
func Resolve[T any](id string, byID, byLegacyID map[string]T) (T, bool) {
	if v, ok := byID[id]; ok {
		return v, true
	}
	v, ok := byLegacyID[id]
	return v, ok
}

// AtRiskMetrics keeps metrics in warning or error, in input order.
func AtRiskMetrics(metrics []domain.Metric) []domain.Metric {
	out := make([]domain.Metric, 0, len(metrics))
	for _, m := range metrics {
		if Status(m.Status).AtRisk() {
			out = append(out, m)
		}
	}
	return out
}

// ActiveTriggers joins triggers to their metric and pivot option and keeps those whose
// metric is at risk. Triggers that do not resolve on either side are dropped. Output
// follows trigger order.
func ActiveTriggers(metrics []domain.Metric, options []domain.PivotOption, triggers []domain.PivotMetricTrigger) []ActiveTrigger {
	metricByID, metricByLegacy := indexMetrics(metrics)
	optionByID, optionByLegacy := indexOptions(options)
	out := make([]ActiveTrigger, 0)
	for _, t := range triggers {
		m, ok := Resolve(t.MetricID, metricByID, metricByLegacy)
		if !ok || !Status(m.Status).AtRisk() {
			continue
		}
		p, ok := Resolve(t.PivotOptionID, optionByID, optionByLegacy)
		if !ok {
			continue
		}
		out = append(out, ActiveTrigger{Trigger: t, PivotOption: p, Metric: m})
	}
	return out
}

func indexMetrics(metrics []domain.Metric) (map[string]domain.Metric, map[string]domain.Metric) {
	byID := make(map[string]domain.Metric, len(metrics))
	byLegacy := make(map[string]domain.Metric)
	for _, m := range metrics {
		byID[m.ID] = m
		if m.LegacyID != "" {
			byLegacy[m.LegacyID] = m
		}
	}
	return byID, byLegacy
}

func indexOptions(options []domain.PivotOption) (map[string]domain.PivotOption, map[string]domain.PivotOption) {
	byID := make(map[string]domain.PivotOption, len(options))
	byLegacy := make(map[string]domain.PivotOption)
	for _, p := range options {
		byID[p.ID] = p
		if p.LegacyID != "" {
			byLegacy[p.LegacyID] = p
		}
	}
	return byID, byLegacy
}
