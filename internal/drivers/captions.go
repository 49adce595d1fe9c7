package drivers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"resty.dev/v3"

	"content-pipeline/internal/config"
	"content-pipeline/internal/models"
)

// CaptionsDriver burns captions into the generated video for step 2.
type CaptionsDriver struct {
	client      *resty.Client
	template    string
	callbackURL string
}

func NewCaptionsDriver(cfg config.Config) *CaptionsDriver {
	return &CaptionsDriver{
		client:      newClient(cfg.Vendor.Captions),
		template:    cfg.Vendor.Template,
		callbackURL: cfg.CallbackURL("captions"),
	}
}

func (d *CaptionsDriver) Vendor() string    { return "captions" }
func (d *CaptionsDriver) Step() models.Step { return models.StepCaptioning }

type captionJob struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	OutputURL string `json:"output_url"`
	Error     string `json:"error"`
}

func (d *CaptionsDriver) Start(ctx context.Context, item models.WorkItem) (StartResult, error) {
	if item.Payload.MediaURL == "" {
		return StartResult{}, Rejected(d.Vendor(), "start", "work item has no generated video")
	}
	var out captionJob
	resp, err := d.client.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"video_url":    item.Payload.MediaURL,
			"template":     d.template,
			"language":     "en",
			"callback_url": d.callbackURL,
			"reference_id": item.ID,
		}).
		SetResult(&out).
		Post("/v1/jobs")
	if err := classify(d.Vendor(), "start", resp, err); err != nil {
		return StartResult{}, err
	}
	if out.ID == "" {
		return StartResult{}, Unavailable(d.Vendor(), "start", "response carried no job id", nil)
	}
	return StartResult{Handle: out.ID}, nil
}

func (d *CaptionsDriver) Interpret(raw []byte) (Interpretation, error) {
	var job captionJob
	if err := json.Unmarshal(raw, &job); err != nil {
		return Interpretation{}, fmt.Errorf("captions callback: %w", err)
	}
	if job.ID == "" {
		return Interpretation{}, fmt.Errorf("captions callback: missing id")
	}
	return captionOutcome(job), nil
}

func (d *CaptionsDriver) Status(ctx context.Context, handle string) (Interpretation, error) {
	var out captionJob
	resp, err := d.client.R().
		SetContext(ctx).
		SetPathParam("id", handle).
		SetResult(&out).
		Get("/v1/jobs/{id}")
	if err := classify(d.Vendor(), "status", resp, err); err != nil {
		return Interpretation{}, err
	}
	out.ID = handle
	return captionOutcome(out), nil
}

func captionOutcome(job captionJob) Interpretation {
	in := Interpretation{Handle: job.ID, Outcome: OutcomeStillProcessing}
	switch strings.ToLower(job.Status) {
	case "done", "completed", "succeeded":
		if job.OutputURL == "" {
			in.Outcome = OutcomeFailure
			in.Reason = "finished without an output url"
			return in
		}
		url := job.OutputURL
		in.Outcome = OutcomeSuccess
		in.Patch.CaptionedURL = &url
	case "failed", "error", "cancelled":
		in.Outcome = OutcomeFailure
		in.Reason = job.Error
		if in.Reason == "" {
			in.Reason = "captioning " + strings.ToLower(job.Status)
		}
	}
	return in
}
