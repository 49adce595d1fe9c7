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

// CoverRenderer produces the cover image URL for a post.
type CoverRenderer interface {
	RenderCover(ctx context.Context, workItemID, sourceURL string) (string, error)
}

// SocialDriver publishes the captioned video to the configured platforms for step 3.
type SocialDriver struct {
	client      *resty.Client
	covers      CoverRenderer
	platforms   []string
	callbackURL string
}

func NewSocialDriver(cfg config.Config, covers CoverRenderer) *SocialDriver {
	return &SocialDriver{
		client:      newClient(cfg.Vendor.Social),
		covers:      covers,
		platforms:   cfg.Vendor.Platforms,
		callbackURL: cfg.CallbackURL("social"),
	}
}

func (d *SocialDriver) Vendor() string    { return "social" }
func (d *SocialDriver) Step() models.Step { return models.StepPublishing }

type socialPostRequest struct {
	ExternalID  string   `json:"external_id"`
	MediaURL    string   `json:"media_url"`
	CoverURL    string   `json:"cover_url,omitempty"`
	Caption     string   `json:"caption"`
	Platforms   []string `json:"platforms"`
	CallbackURL string   `json:"callback_url"`
}

type socialPost struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error"`
	Posts  []struct {
		Platform string `json:"platform"`
		PostID   string `json:"post_id"`
		URL      string `json:"url"`
		Status   string `json:"status"`
	} `json:"posts"`
}

// Start renders the cover when the candidate has an image and creates the
// post. The item id is sent as external_id so the vendor can refuse a second
// post for the same item.
func (d *SocialDriver) Start(ctx context.Context, item models.WorkItem) (StartResult, error) {
	if item.Payload.CaptionedURL == "" {
		return StartResult{}, Rejected(d.Vendor(), "start", "work item has no captioned video")
	}
	if len(d.platforms) == 0 {
		return StartResult{}, Rejected(d.Vendor(), "start", "no platforms configured")
	}

	var patch models.PayloadPatch
	cover := item.Payload.CoverURL
	if cover == "" && item.Payload.Source.ImageURL != "" && d.covers != nil {
		rendered, err := d.covers.RenderCover(ctx, item.ID, item.Payload.Source.ImageURL)
		if err != nil {
			return StartResult{}, Unavailable(d.Vendor(), "cover", "", err)
		}
		cover = rendered
		patch.CoverURL = &rendered
	}

	var out socialPost
	resp, err := d.client.R().
		SetContext(ctx).
		SetBody(socialPostRequest{
			ExternalID:  item.ID,
			MediaURL:    item.Payload.CaptionedURL,
			CoverURL:    cover,
			Caption:     caption(item.Payload),
			Platforms:   d.platforms,
			CallbackURL: d.callbackURL,
		}).
		SetResult(&out).
		Post("/v1/posts")
	if err := classify(d.Vendor(), "start", resp, err); err != nil {
		return StartResult{}, err
	}
	if out.ID == "" {
		return StartResult{}, Unavailable(d.Vendor(), "start", "response carried no post id", nil)
	}
	return StartResult{Handle: out.ID, Patch: patch}, nil
}

func caption(p models.Payload) string {
	text := strings.TrimSpace(p.Source.Title)
	if p.Source.SourceURL != "" {
		text += "\n\n" + p.Source.SourceURL
	}
	return text
}

func (d *SocialDriver) Interpret(raw []byte) (Interpretation, error) {
	var post socialPost
	if err := json.Unmarshal(raw, &post); err != nil {
		return Interpretation{}, fmt.Errorf("social callback: %w", err)
	}
	if post.ID == "" {
		return Interpretation{}, fmt.Errorf("social callback: missing id")
	}
	return postOutcome(post), nil
}

func (d *SocialDriver) Status(ctx context.Context, handle string) (Interpretation, error) {
	var out socialPost
	resp, err := d.client.R().
		SetContext(ctx).
		SetPathParam("id", handle).
		SetResult(&out).
		Get("/v1/posts/{id}")
	if err := classify(d.Vendor(), "status", resp, err); err != nil {
		return Interpretation{}, err
	}
	out.ID = handle
	return postOutcome(out), nil
}

// postOutcome treats a partial publish as success: the posts that went out must
// not be repeated by a retry, and per-platform status is kept in the payload.
func postOutcome(post socialPost) Interpretation {
	in := Interpretation{Handle: post.ID, Outcome: OutcomeStillProcessing}
	switch strings.ToLower(post.Status) {
	case "published", "partial":
		in.Outcome = OutcomeSuccess
		posts := make([]models.PublishedPost, 0, len(post.Posts))
		for _, p := range post.Posts {
			posts = append(posts, models.PublishedPost{Platform: p.Platform, PostID: p.PostID, URL: p.URL, Status: p.Status})
		}
		in.Patch.Posts = posts
	case "failed", "error":
		in.Outcome = OutcomeFailure
		in.Reason = post.Error
		if in.Reason == "" {
			in.Reason = "publishing failed"
		}
	}
	return in
}
