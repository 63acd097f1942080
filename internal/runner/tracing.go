// Tracing instrumentation for the runner.
package runner

import (
	"context"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polzovatel/browser-autopilot/internal/router"
)

var tracer = otel.Tracer("github.com/polzovatel/browser-autopilot/runner")

func startRunSpan(ctx context.Context, runID, task, url string) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, "task.run")
	span.SetAttributes(
		attribute.String("run.id", runID),
		attribute.String("task.text", truncate(task, 500)),
		attribute.String("task.url", url),
	)
	return ctx, span
}

func endRunSpan(span trace.Span, res Result, err error) {
	span.SetAttributes(
		attribute.String("route.path", string(res.Path)),
		attribute.Float64("route.confidence", res.Confidence),
		attribute.Bool("task.success", res.Success),
		attribute.Int("task.steps", res.StepCount),
		attribute.Int("task.recoveries", len(res.Recoveries)),
	)
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case !res.Success:
		span.SetStatus(codes.Error, res.Error)
	}
	span.End()
}

func startPathSpan(ctx context.Context, path router.Path, id string, confidence float64) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, "path."+string(path))
	span.SetAttributes(
		attribute.String("path.id", id),
		attribute.Float64("path.confidence", confidence),
	)
	return ctx, span
}

func endPathSpan(span trace.Span, ok bool, err error) {
	span.SetAttributes(attribute.Bool("path.success", ok))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
