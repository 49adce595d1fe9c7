package models

import (
	"time"
)

// CandidateRef identifies a piece of source content that can be promoted into a work item.
type CandidateRef struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Title     string `json:"title"`
	Summary   string `json:"summary,omitempty"`
	ImageURL  string `json:"image_url,omitempty"`
	SourceURL string `json:"source_url,omitempty"`
}

// PublishedPost is the per-platform confirmation returned by the publishing step.
type PublishedPost struct {
	Platform string `json:"platform"`
	PostID   string `json:"post_id,omitempty"`
	URL      string `json:"url,omitempty"`
	Status   string `json:"status,omitempty"`
}

// Payload accumulates stage outputs as the item moves through the pipeline.
type Payload struct {
	Source       CandidateRef      `json:"source"`
	Script       string            `json:"script,omitempty"`
	MediaURL     string            `json:"media_url,omitempty"`
	CaptionedURL string            `json:"captioned_url,omitempty"`
	CoverURL     string            `json:"cover_url,omitempty"`
	Posts        []PublishedPost   `json:"posts,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"`
}

// PayloadPatch carries the fields a stage wants to set. Nil pointers leave the
// current value untouched.
type PayloadPatch struct {
	Script       *string
	MediaURL     *string
	CaptionedURL *string
	CoverURL     *string
	Posts        []PublishedPost
	Extra        map[string]string
}

// IsZero reports whether applying the patch would change nothing.
func (p PayloadPatch) IsZero() bool {
	return p.Script == nil && p.MediaURL == nil && p.CaptionedURL == nil && p.CoverURL == nil &&
		len(p.Posts) == 0 && len(p.Extra) == 0
}

// Apply returns a copy of the payload with the patch merged in.
func (p Payload) Apply(patch PayloadPatch) Payload {
	out := p
	if patch.Script != nil {
		out.Script = *patch.Script
	}
	if patch.MediaURL != nil {
		out.MediaURL = *patch.MediaURL
	}
	if patch.CaptionedURL != nil {
		out.CaptionedURL = *patch.CaptionedURL
	}
	if patch.CoverURL != nil {
		out.CoverURL = *patch.CoverURL
	}
	if len(patch.Posts) > 0 {
		out.Posts = append([]PublishedPost(nil), patch.Posts...)
	}
	if len(patch.Extra) > 0 {
		extra := make(map[string]string, len(p.Extra)+len(patch.Extra))
		for k, v := range p.Extra {
			extra[k] = v
		}
		for k, v := range patch.Extra {
			extra[k] = v
		}
		out.Extra = extra
	}
	return out
}

// WorkItem is one content unit moving through the pipeline.
type WorkItem struct {
	ID                 string            `json:"id"`
	CandidateID        string            `json:"candidate_id"`
	Stage              Stage             `json:"stage"`
	Payload            Payload           `json:"payload"`
	ExternalJobHandles map[string]string `json:"external_job_handles"`
	RetryCount         int               `json:"retry_count"`
	MaxRetries         int               `json:"max_retries"`
	LastError          *string           `json:"last_error,omitempty"`
	StartClaimedAt     *time.Time        `json:"start_claimed_at,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// Handle returns the vendor job handle recorded for step, if any.
func (w WorkItem) Handle(step Step) (string, bool) {
	h, ok := w.ExternalJobHandles[step.String()]
	return h, ok && h != ""
}

// Status is the coarse view exposed to end users of the surrounding app.
func (w WorkItem) Status() string {
	switch w.Stage {
	case StageCompleted:
		return "completed"
	case StageFailed:
		return "failed"
	}
	return "processing"
}

// JobHandle is one row of the reverse index from vendor job id to work item.
type JobHandle struct {
	Vendor     string    `json:"vendor"`
	Handle     string    `json:"handle"`
	WorkItemID string    `json:"work_item_id"`
	Step       Step      `json:"step"`
	Attempt    int       `json:"attempt"`
	CreatedAt  time.Time `json:"created_at"`
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	WorkItemID string    `json:"work_item_id"`
	Event      string    `json:"event"`
	Detail     string    `json:"detail"`
	Recorded   time.Time `json:"recorded_at"`
}
