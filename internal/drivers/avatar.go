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

// AvatarDriver renders the talking-head video for step 1.
type AvatarDriver struct {
	client      *resty.Client
	scripts     ScriptWriter
	avatarID    string
	voiceID     string
	callbackURL string
}

func NewAvatarDriver(cfg config.Config, scripts ScriptWriter) *AvatarDriver {
	return &AvatarDriver{
		client:      newClient(cfg.Vendor.Avatar),
		scripts:     scripts,
		avatarID:    cfg.Vendor.AvatarID,
		voiceID:     cfg.Vendor.VoiceID,
		callbackURL: cfg.CallbackURL("avatar"),
	}
}

func (d *AvatarDriver) Vendor() string    { return "avatar" }
func (d *AvatarDriver) Step() models.Step { return models.StepGeneration }

type avatarGenerateRequest struct {
	AvatarID    string            `json:"avatar_id"`
	VoiceID     string            `json:"voice_id,omitempty"`
	Script      string            `json:"script"`
	CallbackURL string            `json:"callback_url"`
	Dimension   map[string]int    `json:"dimension"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type avatarGenerateResponse struct {
	Data struct {
		VideoID string `json:"video_id"`
	} `json:"data"`
}

// Start writes the script when the payload has none yet, then submits the
// render job. The script is returned in the patch so it is stored with the handle.
func (d *AvatarDriver) Start(ctx context.Context, item models.WorkItem) (StartResult, error) {
	var patch models.PayloadPatch
	script := item.Payload.Script
	if strings.TrimSpace(script) == "" {
		if d.scripts == nil {
			return StartResult{}, Rejected(d.Vendor(), "start", "no script and no script writer configured")
		}
		written, err := d.scripts.WriteScript(ctx, item.Payload.Source)
		if err != nil {
			return StartResult{}, err
		}
		script = written
		patch.Script = &written
	}

	var out avatarGenerateResponse
	resp, err := d.client.R().
		SetContext(ctx).
		SetBody(avatarGenerateRequest{
			AvatarID:    d.avatarID,
			VoiceID:     d.voiceID,
			Script:      script,
			CallbackURL: d.callbackURL,
			Dimension:   map[string]int{"width": 1080, "height": 1920},
			Metadata:    map[string]string{"work_item_id": item.ID},
		}).
		SetResult(&out).
		Post("/v2/video/generate")
	if err := classify(d.Vendor(), "start", resp, err); err != nil {
		return StartResult{}, err
	}
	if out.Data.VideoID == "" {
		return StartResult{}, Unavailable(d.Vendor(), "start", "response carried no video id", nil)
	}
	return StartResult{Handle: out.Data.VideoID, Patch: patch}, nil
}

type avatarCallback struct {
	EventType string `json:"event_type"`
	EventData struct {
		VideoID string `json:"video_id"`
		URL     string `json:"url"`
		Msg     string `json:"msg"`
	} `json:"event_data"`
}

func (d *AvatarDriver) Interpret(raw []byte) (Interpretation, error) {
	var cb avatarCallback
	if err := json.Unmarshal(raw, &cb); err != nil {
		return Interpretation{}, fmt.Errorf("avatar callback: %w", err)
	}
	if cb.EventData.VideoID == "" {
		return Interpretation{}, fmt.Errorf("avatar callback: missing video_id")
	}
	return avatarOutcome(cb.EventData.VideoID, cb.EventType, cb.EventData.URL, cb.EventData.Msg), nil
}

type avatarStatusResponse struct {
	Data struct {
		Status   string `json:"status"`
		VideoURL string `json:"video_url"`
		Error    *struct {
			Message string `json:"message"`
		} `json:"error"`
	} `json:"data"`
}

func (d *AvatarDriver) Status(ctx context.Context, handle string) (Interpretation, error) {
	var out avatarStatusResponse
	resp, err := d.client.R().
		SetContext(ctx).
		SetQueryParam("video_id", handle).
		SetResult(&out).
		Get("/v1/video_status.get")
	if err := classify(d.Vendor(), "status", resp, err); err != nil {
		return Interpretation{}, err
	}
	reason := ""
	if out.Data.Error != nil {
		reason = out.Data.Error.Message
	}
	return avatarOutcome(handle, out.Data.Status, out.Data.VideoURL, reason), nil
}

// avatarOutcome maps both callback event types and status values.
func avatarOutcome(handle, status, url, reason string) Interpretation {
	in := Interpretation{Handle: handle, Outcome: OutcomeStillProcessing}
	switch strings.ToLower(status) {
	case "avatar_video.success", "completed":
		if url == "" {
			in.Outcome = OutcomeFailure
			in.Reason = "completed without a video url"
			return in
		}
		in.Outcome = OutcomeSuccess
		in.Patch.MediaURL = &url
	case "avatar_video.fail", "failed":
		in.Outcome = OutcomeFailure
		in.Reason = reason
		if in.Reason == "" {
			in.Reason = "video generation failed"
		}
	}
	return in
}
