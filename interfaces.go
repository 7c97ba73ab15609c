package hyoka

import (
	"context"
)

// Generator writes an evaluation configuration for an issue, typically by
// prompting an LLM with the issue's annotated spans.
// Required; set with WithGenerator.
type Generator interface {
	Generate(ctx context.Context, req GenerationRequest) (GeneratedEvaluation, error)
}

// Runner runs an evaluation against one span and reports whether the span
// passed. Calls may be retried; a Runner should be safe to call more than
// once for the same request.
// Required; set with WithRunner.
type Runner interface {
	Run(ctx context.Context, req RunRequest) (bool, error)
}
