package drivers

import (
	"context"
	"fmt"
	"time"

	"resty.dev/v3"

	"content-pipeline/internal/config"
	"content-pipeline/internal/models"
)

// Outcome is the pipeline-neutral result of a vendor job.
type Outcome string

const (
	OutcomeSuccess         Outcome = "success"
	OutcomeFailure         Outcome = "failure"
	OutcomeStillProcessing Outcome = "still_processing"
)

// Interpretation is what a driver reads out of a callback or status query.
type Interpretation struct {
	Handle  string
	Outcome Outcome
	Patch   models.PayloadPatch
	Reason  string
}

// StartResult carries the vendor job handle and any payload produced while
// starting (a generated script, a rendered cover).
type StartResult struct {
	Handle string
	Patch  models.PayloadPatch
}

// Driver starts one external step and translates its notifications.
type Driver interface {
	Vendor() string
	Step() models.Step
	// Start returns once the vendor accepted the job. Errors are *VendorError.
	Start(ctx context.Context, item models.WorkItem) (StartResult, error)
	// Interpret must not fail on unknown or missing optional fields.
	Interpret(raw []byte) (Interpretation, error)
	// Status asks the vendor about a job, for reconciliation.
	Status(ctx context.Context, handle string) (Interpretation, error)
}

// Registry is the lookup table from step and vendor name to driver.
type Registry struct {
	byStep   map[models.Step]Driver
	byVendor map[string]Driver
}

// NewRegistry requires exactly one driver per step.
func NewRegistry(ds ...Driver) (*Registry, error) {
	r := &Registry{byStep: map[models.Step]Driver{}, byVendor: map[string]Driver{}}
	for _, d := range ds {
		if _, dup := r.byStep[d.Step()]; dup {
			return nil, fmt.Errorf("drivers: duplicate driver for step %s", d.Step())
		}
		if _, dup := r.byVendor[d.Vendor()]; dup {
			return nil, fmt.Errorf("drivers: duplicate vendor %s", d.Vendor())
		}
		r.byStep[d.Step()] = d
		r.byVendor[d.Vendor()] = d
	}
	for _, s := range models.AllSteps() {
		if _, ok := r.byStep[s]; !ok {
			return nil, fmt.Errorf("drivers: no driver for step %s", s)
		}
	}
	return r, nil
}

// ForStep returns the driver running step.
func (r *Registry) ForStep(step models.Step) (Driver, bool) {
	d, ok := r.byStep[step]
	return d, ok
}

// ForVendor returns the driver whose callbacks arrive under vendor.
func (r *Registry) ForVendor(vendor string) (Driver, bool) {
	d, ok := r.byVendor[vendor]
	return d, ok
}

func newClient(ep config.Endpoint) *resty.Client {
	client := resty.New()
	client.SetBaseURL(ep.BaseURL)
	timeout := ep.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	client.SetTimeout(timeout)
	client.SetHeader("Accept", "application/json")
	if ep.APIKey != "" {
		client.SetAuthToken(ep.APIKey)
	}
	return client
}
