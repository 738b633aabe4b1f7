package replay

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tracebench/tracebench/internal/config"
	"github.com/tracebench/tracebench/internal/trace"
	"github.com/tracebench/tracebench/pkg/models"
)

// Job is one request to fire at a scheduled offset
type Job struct {
	RequestID         string
	Row               int // Index into the scheduled trace rows
	Role              models.Role
	Endpoint          string // Endpoint name, e.g. "prefill"
	URL               string
	Offset            time.Duration
	PromptTokens      models.TokenCount // Prompt is synthesized when the job fires
	InputLen          int               // Recorded as the request's input length
	MaxTokens         int
	ExpectedOutputLen int
}

// PlanOptions maps trace rows to jobs
type PlanOptions struct {
	Mode               string
	Endpoints          map[string]string
	FallbackTokens     int
	DecodePromptTokens int
}

// BuildJobs creates the jobs for a scheduled trace. Baseline mode yields one
// combined job per row; disaggregated mode yields a prefill job and a decode
// job per row, both at the row's offset.
func BuildJobs(rows []trace.Row, opts PlanOptions) ([]Job, error) {
	endpoint := func(name string) (string, error) {
		url := opts.Endpoints[name]
		if url == "" {
			return "", fmt.Errorf("no URL for endpoint %q", name)
		}
		return url, nil
	}

	switch opts.Mode {
	case config.ModeBaseline, "":
		url, err := endpoint(config.EndpointDefault)
		if err != nil {
			return nil, err
		}

		jobs := make([]Job, 0, len(rows))
		for i, row := range rows {
			output := row.Output.Or(opts.FallbackTokens)
			jobs = append(jobs, Job{
				RequestID:         uuid.New().String(),
				Row:               i,
				Role:              models.RoleCombined,
				Endpoint:          config.EndpointDefault,
				URL:               url,
				Offset:            row.Offset,
				PromptTokens:      row.Input,
				InputLen:          row.Input.Or(opts.FallbackTokens),
				MaxTokens:         output,
				ExpectedOutputLen: output,
			})
		}
		return jobs, nil

	case config.ModeDisaggregated:
		prefillURL, err := endpoint(config.EndpointPrefill)
		if err != nil {
			return nil, err
		}
		decodeURL, err := endpoint(config.EndpointDecode)
		if err != nil {
			return nil, err
		}

		jobs := make([]Job, 0, 2*len(rows))
		for i, row := range rows {
			output := row.Output.Or(opts.FallbackTokens)
			jobs = append(jobs,
				Job{
					RequestID:         uuid.New().String(),
					Row:               i,
					Role:              models.RolePrefill,
					Endpoint:          config.EndpointPrefill,
					URL:               prefillURL,
					Offset:            row.Offset,
					PromptTokens:      row.Input,
					InputLen:          row.Input.Or(opts.FallbackTokens),
					MaxTokens:         1,
					ExpectedOutputLen: 1,
				},
				Job{
					RequestID:         uuid.New().String(),
					Row:               i,
					Role:              models.RoleDecode,
					Endpoint:          config.EndpointDecode,
					URL:               decodeURL,
					Offset:            row.Offset,
					PromptTokens:      models.Count(opts.DecodePromptTokens),
					InputLen:          opts.DecodePromptTokens,
					MaxTokens:         output,
					ExpectedOutputLen: output,
				},
			)
		}
		return jobs, nil

	default:
		return nil, fmt.Errorf("unknown replay mode %q", opts.Mode)
	}
}
