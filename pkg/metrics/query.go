package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// RunMetrics aggregates token and cost usage for one run.
type RunMetrics struct {
	RunID            string  `json:"run_id"`
	Iterations       int64   `json:"iterations"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	TotalCostUSD     float64 `json:"total_cost_usd"`
}

// QueryService queries aggregated run metrics from a Prometheus server
// scraping the recorder's registry.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a query service against the given Prometheus URL.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}
	return &QueryService{
		client:   client,
		queryAPI: v1.NewAPI(client),
	}, nil
}

// GetRunMetrics retrieves aggregated iteration count, tokens, and cost for
// one run.
func (q *QueryService) GetRunMetrics(ctx context.Context, runID string) (*RunMetrics, error) {
	out := &RunMetrics{RunID: runID}

	iterations, err := q.scalar(ctx, fmt.Sprintf(`sum(autopilot_iterations_total{run_id=%q})`, runID))
	if err != nil {
		return nil, fmt.Errorf("failed to query iterations: %w", err)
	}
	out.Iterations = int64(iterations)

	cost, err := q.scalar(ctx, fmt.Sprintf(`sum(autopilot_run_cost_usd_total{run_id=%q})`, runID))
	if err != nil {
		return nil, fmt.Errorf("failed to query run cost: %w", err)
	}
	out.TotalCostUSD = cost

	prompt, err := q.scalar(ctx, fmt.Sprintf(`sum(autopilot_model_tokens_total{run_id=%q,type="prompt"})`, runID))
	if err != nil {
		return nil, fmt.Errorf("failed to query prompt tokens: %w", err)
	}
	completion, err := q.scalar(ctx, fmt.Sprintf(`sum(autopilot_model_tokens_total{run_id=%q,type="completion"})`, runID))
	if err != nil {
		return nil, fmt.Errorf("failed to query completion tokens: %w", err)
	}
	out.PromptTokens = int64(prompt)
	out.CompletionTokens = int64(completion)
	out.TotalTokens = out.PromptTokens + out.CompletionTokens

	return out, nil
}

// GetModelUsage returns token totals broken down by model.
func (q *QueryService) GetModelUsage(ctx context.Context) (map[string]int64, error) {
	result, _, err := q.queryAPI.Query(ctx, `sum by (model) (autopilot_model_tokens_total)`, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query model usage: %w", err)
	}

	usage := make(map[string]int64)
	if vector, ok := result.(model.Vector); ok {
		for _, sample := range vector {
			if name, ok := sample.Metric["model"]; ok {
				usage[string(name)] = int64(sample.Value)
			}
		}
	}
	return usage, nil
}

func (q *QueryService) scalar(ctx context.Context, query string) (float64, error) {
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return 0, err
	}
	if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
		return float64(vector[0].Value), nil
	}
	return 0, nil
}
