package evaluator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"arena-validator/utils"
)

const ScorePath = "/api/v1/score"

// ScoreRequest asks the scoring service to grade one submission against
// one task. The raw task body rides along so the service can re-run
// whatever harness the task kind requires.
type ScoreRequest struct {
	TaskId      string            `json:"task_id"`
	Kind        string            `json:"kind"`
	Statement   string            `json:"statement"`
	Body        json.RawMessage   `json:"body,omitempty"`
	AgentName   string            `json:"agent_name"`
	Version     string            `json:"version"`
	Content     string            `json:"content"`
	Attachments map[string]string `json:"attachments,omitempty"`
}

// ScoreResponse carries the grade plus a feature vector describing the
// submission. Feature vectors feed duplicate detection; services that do
// not compute them return an empty slice.
type ScoreResponse struct {
	Score    float64   `json:"score"`
	Features []float64 `json:"features,omitempty"`
	Notes    string    `json:"notes,omitempty"`
}

// Evaluator grades submissions. Implementations must be safe for
// concurrent use; dispatch fans scoring out across workers.
type Evaluator interface {
	Score(ctx context.Context, request ScoreRequest) (*ScoreResponse, error)
}

type Client struct {
	baseUrl string
	client  http.Client
}

func NewClient(baseUrl string, timeout time.Duration) *Client {
	return &Client{
		baseUrl: baseUrl,
		client:  http.Client{Timeout: timeout},
	}
}

func (api *Client) Score(ctx context.Context, request ScoreRequest) (*ScoreResponse, error) {
	requestUrl, err := url.JoinPath(api.baseUrl, ScorePath)
	if err != nil {
		return nil, err
	}

	response, err := utils.SendPostJsonRequest(ctx, &api.client, requestUrl, request)
	if err != nil {
		return nil, err
	}

	var score ScoreResponse
	if err := utils.DecodeJsonResponse(response, &score); err != nil {
		return nil, err
	}
	return &score, nil
}

var _ Evaluator = (*Client)(nil)
