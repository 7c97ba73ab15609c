package workflow

import (
	"context"

	"github.com/ashita-ai/hyoka/internal/jobs"
	"github.com/ashita-ai/hyoka/internal/model"
)

// Registrar accepts job handlers. *jobs.Worker satisfies it.
type Registrar interface {
	Register(name string, h jobs.Handler)
}

// RegisterGeneration registers the handlers of the generation queue.
func (o *Orchestrator) RegisterGeneration(r Registrar) {
	r.Register(JobGenerate, o.generateJob)
}

// RegisterEvaluations registers the handlers of the evaluations queue.
func (o *Orchestrator) RegisterEvaluations(r Registrar) {
	r.Register(JobValidate, o.validateJob)
	r.Register(JobQualityMetric, o.qualityMetricJob)
	r.Register(JobRecalculate, o.recalculateJob)
	r.Register(JobRunExample, o.runExampleJob)
}

func (o *Orchestrator) generateJob(ctx context.Context, job jobs.Job) (any, error) {
	p, err := model.DecodePayload[model.GenerationPayload](job.Payload)
	if err != nil {
		return nil, jobs.Permanent(err)
	}
	res, err := o.Generate(ctx, job, p)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (o *Orchestrator) validateJob(ctx context.Context, job jobs.Job) (any, error) {
	return o.scoreJob(ctx, job, MetricSpec{Kind: MetricAlignment, Threshold: o.cfg.AlignmentThreshold})
}

func (o *Orchestrator) qualityMetricJob(ctx context.Context, job jobs.Job) (any, error) {
	return o.scoreJob(ctx, job, MetricSpec{Kind: MetricQuality, Threshold: o.cfg.QualityThreshold})
}

func (o *Orchestrator) scoreJob(ctx context.Context, job jobs.Job, spec MetricSpec) (any, error) {
	p, err := model.DecodePayload[model.WorkflowPayload](job.Payload)
	if err != nil {
		return nil, jobs.Permanent(err)
	}
	d, err := o.Run(ctx, spec, Input{JobID: job.ID, Attempt: job.Attempt(), Payload: p})
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (o *Orchestrator) recalculateJob(ctx context.Context, job jobs.Job) (any, error) {
	p, err := model.DecodePayload[model.RecalculationPayload](job.Payload)
	if err != nil {
		return nil, jobs.Permanent(err)
	}
	d, err := o.Run(ctx, MetricSpec{Kind: MetricAlignment, Incremental: true}, Input{
		JobID:   job.ID,
		Attempt: job.Attempt(),
		Payload: model.WorkflowPayload{
			WorkspaceID:    p.WorkspaceID,
			CommitID:       p.CommitID,
			EvaluationUUID: p.EvaluationUUID,
			DocumentUUID:   p.DocumentUUID,
			ShouldPass:     p.ShouldPass,
			ShouldFail:     p.ShouldFail,
		},
		AlignmentHash: p.AlignmentHash,
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (o *Orchestrator) runExampleJob(ctx context.Context, job jobs.Job) (any, error) {
	p, err := model.DecodePayload[model.RunExamplePayload](job.Payload)
	if err != nil {
		return nil, jobs.Permanent(err)
	}
	res, err := o.RunExample(ctx, p)
	if err != nil {
		return nil, err
	}
	return res, nil
}
