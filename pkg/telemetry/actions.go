package telemetry

import (
	"context"
	"encoding/json"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Action categories attached to action spans.
const (
	CategoryStatic      = "static_analysis"
	CategoryDynamic     = "dynamic_analysis"
	CategoryFuzzing     = "fuzzing"
	CategoryBuilding    = "building"
	CategoryTriage      = "triage"
	CategoryPatchGen    = "patch_generation"
	CategoryScoring     = "scoring_submission"
)

// StartAction opens a span describing one pipeline action and stamps the
// task metadata blob from the coordination store onto it.
func StartAction(ctx context.Context, category, name string, taskMetadata string) (context.Context, trace.Span) {
	ctx, span := Tracer().Start(ctx, name)
	span.SetAttributes(
		attribute.String("crs.action.category", category),
		attribute.String("crs.action.name", name),
	)
	if taskMetadata != "" {
		var meta map[string]interface{}
		if err := json.Unmarshal([]byte(taskMetadata), &meta); err == nil {
			for k, v := range meta {
				if s, ok := v.(string); ok {
					span.SetAttributes(attribute.String("crs.task."+k, s))
				}
			}
		}
	}
	return ctx, span
}
