// Package recording implements the recording oracle: it validates the
// annotations of finished tasks and reports the outcome to its peers.
package recording

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_oracle/internal/apperr"
	"github.com/austindbirch/harbor_oracle/internal/escrow"
	"github.com/austindbirch/harbor_oracle/internal/events"
	"github.com/austindbirch/harbor_oracle/internal/logging"
	"github.com/austindbirch/harbor_oracle/internal/storage"
	"github.com/austindbirch/harbor_oracle/internal/store"
	"github.com/austindbirch/harbor_oracle/internal/tracing"
	"github.com/austindbirch/harbor_oracle/internal/validation"
	"github.com/austindbirch/harbor_oracle/internal/webhook"
)

// File names shared with the exchange oracle
const (
	AnnotationMetaFile       = "annotators.json"
	ResultingAnnotationsFile = "resulting_annotations.zip"
	ValidationMetaFile       = "validation_meta.json"
)

// AnnotationMeta is written by the exchange oracle next to the job annotations
type AnnotationMeta struct {
	Jobs []JobAnnotation `json:"jobs"`
}

type JobAnnotation struct {
	JobID              int64  `json:"job_id"`
	AnnotationFilename string `json:"annotation_filename"`
	AnnotatorAddress   string `json:"annotator_wallet_address"`
	AssignmentID       string `json:"assignment_id"`
}

// ValidationMeta is published with accepted results
type ValidationMeta struct {
	Jobs    []JobMeta    `json:"jobs"`
	Results []ResultMeta `json:"results"`
}

type JobMeta struct {
	JobID         int64  `json:"job_id"`
	FinalResultID string `json:"final_result_id"`
}

type ResultMeta struct {
	ID                string  `json:"id"`
	JobID             int64   `json:"job_id"`
	AnnotatorAddress  string  `json:"annotator_wallet_address"`
	AnnotationQuality float64 `json:"annotation_quality"`
}

type Config struct {
	DataBucket    string // exchange oracle bucket holding annotations
	ResultsBucket string
	ResultsURL    string // public base URL of ResultsBucket
}

// Oracle handles webhooks received from the exchange oracle
type Oracle struct {
	cfg       Config
	escrow    escrow.Client
	storage   storage.Client
	validator *validation.Validator
	outbox    *webhook.Queue
}

func New(cfg Config, esc escrow.Client, st storage.Client, v *validation.Validator, outbox *webhook.Queue) *Oracle {
	return &Oracle{cfg: cfg, escrow: esc, storage: st, validator: v, outbox: outbox}
}

// Handle processes one incoming webhook inside uow
func (o *Oracle) Handle(ctx context.Context, uow store.UnitOfWork, w webhook.Webhook, ev events.Event) error {
	if w.Role != events.ExchangeOracle {
		return apperr.FatalConfigf("recording.handle", "no handler for webhooks from %s", w.Role)
	}

	switch e := ev.(type) {
	case events.TaskFinished:
		return o.taskFinished(ctx, uow, w.TaskKey)
	case events.TaskCreationFailed:
		logging.WithContext(ctx).WithWebhook(w.ID).WithTask(w.TaskKey).
			WithField("reason", e.Reason).Warn("exchange oracle failed to create task")
		return nil
	default:
		return apperr.FatalConfigf("recording.handle", "unhandled exchange oracle event %s", ev.EventType())
	}
}

func (o *Oracle) taskFinished(ctx context.Context, uow store.UnitOfWork, key events.TaskKey) error {
	ctx, span := tracing.StartSpan(ctx, "recording.task_finished",
		tracing.AttrEscrowAddress.String(key.EscrowAddress),
		tracing.AttrChainID.Int64(key.ChainID),
	)
	defer span.End()

	if err := o.escrow.Validate(ctx, key); err != nil {
		return apperr.Processing("recording.validate_escrow", err)
	}
	manifest, err := o.escrow.Manifest(ctx, key)
	if err != nil {
		return apperr.Processing("recording.manifest", err)
	}
	labels := manifest.LabelNames()

	meta, err := o.annotationMeta(ctx, key)
	if err != nil {
		return err
	}
	gt, err := o.groundTruth(ctx, manifest, labels)
	if err != nil {
		return err
	}

	task := validation.Task{MinQuality: manifest.Validation.MinQuality, GroundTruth: gt}
	for _, j := range meta.Jobs {
		task.Jobs = append(task.Jobs, validation.Job{
			JobID:            j.JobID,
			AssignmentID:     j.AssignmentID,
			AnnotatorAddress: j.AnnotatorAddress,
			Load:             o.jobLoader(key, j.AnnotationFilename, labels),
		})
	}

	outcome, err := o.validator.ValidateTask(ctx, uow.Results(), task)
	if err != nil {
		return err
	}
	tracing.AddSpanEvent(ctx, "task.validated",
		attribute.Bool("accepted", outcome.Accepted),
		attribute.Int("computed", outcome.Computed),
	)
	for _, r := range outcome.Results {
		entry := logging.WithContext(ctx).WithTask(key).WithJob(r.JobID).WithFields(map[string]any{
			"assignment_id": r.AssignmentID,
			"quality":       r.QualityScore,
		})
		if r.NeedsReview {
			entry.Warn("job annotations overlap no ground truth sample")
			continue
		}
		entry.Debug("job scored")
	}

	log := logging.WithContext(ctx).WithTask(key).WithFields(map[string]any{
		"accepted":         outcome.Accepted,
		"rejected_job_ids": outcome.RejectedJobIDs,
		"review_job_ids":   outcome.ReviewJobIDs,
	})

	repo := uow.Webhooks()
	if !outcome.Accepted {
		log.Info("task rejected")
		_, err := o.outbox.EnqueueEvent(ctx, repo, key, events.ExchangeOracle,
			events.TaskRejected{RejectedJobIDs: outcome.RejectedJobIDs})
		return err
	}

	if err := o.publishResults(ctx, key, meta, outcome); err != nil {
		return err
	}
	log.Info("task accepted")

	for _, recipient := range []events.Role{events.ReputationOracle, events.ExchangeOracle} {
		if _, err := o.outbox.EnqueueEvent(ctx, repo, key, recipient, events.TaskCompleted{}); err != nil {
			return err
		}
	}
	return nil
}

func (o *Oracle) annotationMeta(ctx context.Context, key events.TaskKey) (*AnnotationMeta, error) {
	data, err := o.storage.Get(ctx, o.cfg.DataBucket, storage.ComposeKey(key, AnnotationMetaFile))
	if err != nil {
		return nil, apperr.Processing("recording.annotation_meta", err)
	}
	var meta AnnotationMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, apperr.Processing("recording.annotation_meta", fmt.Errorf("decode %s: %w", AnnotationMetaFile, err))
	}
	if len(meta.Jobs) == 0 {
		return nil, apperr.Processing("recording.annotation_meta", errors.New("annotation meta lists no jobs"))
	}
	for _, j := range meta.Jobs {
		if j.AssignmentID == "" {
			return nil, apperr.Processing("recording.annotation_meta", fmt.Errorf("job %d has no assignment id", j.JobID))
		}
	}
	return &meta, nil
}

func (o *Oracle) groundTruth(ctx context.Context, m *escrow.Manifest, labels []string) (*validation.Dataset, error) {
	loc, err := storage.ParseBucketURL(m.Validation.GTURL)
	if err != nil {
		return nil, apperr.Processing("recording.ground_truth", err)
	}
	data, err := o.storage.Get(ctx, loc.Bucket, loc.Path)
	if err != nil {
		return nil, apperr.Processing("recording.ground_truth", err)
	}
	gt, err := validation.ParseCOCO(data, labels)
	if err != nil {
		return nil, apperr.Processing("recording.ground_truth", err)
	}
	return gt, nil
}

func (o *Oracle) jobLoader(key events.TaskKey, file string, labels []string) func(context.Context) (*validation.Dataset, error) {
	return func(ctx context.Context) (*validation.Dataset, error) {
		data, err := o.storage.Get(ctx, o.cfg.DataBucket, storage.ComposeKey(key, file))
		if err != nil {
			return nil, err
		}
		return validation.ParseCOCO(data, labels)
	}
}

func (o *Oracle) publishResults(ctx context.Context, key events.TaskKey, meta *AnnotationMeta, outcome validation.Outcome) error {
	merged, err := o.storage.Get(ctx, o.cfg.DataBucket, storage.ComposeKey(key, ResultingAnnotationsFile))
	if err != nil {
		return apperr.Processing("recording.publish_results", err)
	}

	resultsKey := storage.ComposeKey(key, ResultingAnnotationsFile)
	if err := o.storage.Put(ctx, o.cfg.ResultsBucket, resultsKey, merged, "application/zip"); err != nil {
		return apperr.Processing("recording.publish_results", err)
	}

	vm, err := json.Marshal(buildValidationMeta(meta, outcome))
	if err != nil {
		return apperr.Processing("recording.publish_results", err)
	}
	if err := o.storage.Put(ctx, o.cfg.ResultsBucket, storage.ComposeKey(key, ValidationMetaFile), vm, "application/json"); err != nil {
		return apperr.Processing("recording.publish_results", err)
	}

	sum := sha256.Sum256(merged)
	url := storage.ObjectURL(o.cfg.ResultsURL, resultsKey)
	if err := o.escrow.StoreResults(ctx, key, url, hex.EncodeToString(sum[:])); err != nil {
		return apperr.Processing("recording.store_results", err)
	}
	return nil
}

func buildValidationMeta(meta *AnnotationMeta, outcome validation.Outcome) ValidationMeta {
	byAssignment := make(map[string]validation.Result, len(outcome.Results))
	vm := ValidationMeta{}
	for _, r := range outcome.Results {
		byAssignment[r.AssignmentID] = r
		vm.Results = append(vm.Results, ResultMeta{
			ID:                r.ID,
			JobID:             r.JobID,
			AnnotatorAddress:  r.AnnotatorAddress,
			AnnotationQuality: r.QualityScore,
		})
	}
	for _, j := range meta.Jobs {
		vm.Jobs = append(vm.Jobs, JobMeta{JobID: j.JobID, FinalResultID: byAssignment[j.AssignmentID].ID})
	}
	return vm
}
