package workerclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"arena-validator/utils"
)

const (
	HandshakePath = "/api/v1/handshake"
	TaskPath      = "/api/v1/tasks/run"
	FeedbackPath  = "/api/v1/feedback"
	HealthPath    = "/health"
)

// HandshakeDto announces a new round to a worker before any tasks flow.
type HandshakeDto struct {
	Round       int64  `json:"round"`
	Season      int64  `json:"season"`
	ValidatorId string `json:"validator_id"`
	Deadline    int64  `json:"deadline_unix"`
}

// HandshakeResponse is what a live worker answers with. Workers that fail
// to answer are recorded by the caller with Responded=false rather than by
// probing fields on a half-filled struct.
type HandshakeResponse struct {
	AgentName string `json:"agent_name"`
	Version   string `json:"version"`
}

type TaskDto struct {
	TaskId           string          `json:"task_id"`
	Round            int64           `json:"round"`
	Season           int64           `json:"season"`
	Kind             string          `json:"kind"`
	Statement        string          `json:"statement"`
	Body             json.RawMessage `json:"body,omitempty"`
	TimeLimitSeconds float64         `json:"time_limit_seconds"`
}

type TaskResponse struct {
	TaskId         string            `json:"task_id"`
	AgentName      string            `json:"agent_name"`
	Version        string            `json:"version"`
	Content        string            `json:"content"`
	Attachments    map[string]string `json:"attachments,omitempty"`
	ElapsedSeconds float64           `json:"elapsed_seconds"`
}

// FeedbackDto carries the worker's settled outcome for a finished round.
type FeedbackDto struct {
	Round     int64   `json:"round"`
	TaskCount int     `json:"task_count"`
	Score     float64 `json:"score"`
	Reward    float64 `json:"reward"`
	Winner    bool    `json:"winner"`
}

type Client struct {
	workerId string
	baseUrl  string
	client   http.Client
}

func NewWorkerClient(workerId string, baseUrl string, timeout time.Duration) *Client {
	return &Client{
		workerId: workerId,
		baseUrl:  baseUrl,
		client:   http.Client{Timeout: timeout},
	}
}

func (api *Client) WorkerId() string {
	return api.workerId
}

func (api *Client) Handshake(ctx context.Context, dto HandshakeDto) (*HandshakeResponse, error) {
	requestUrl, err := url.JoinPath(api.baseUrl, HandshakePath)
	if err != nil {
		return nil, err
	}

	response, err := utils.SendPostJsonRequest(ctx, &api.client, requestUrl, dto)
	if err != nil {
		return nil, err
	}

	var handshake HandshakeResponse
	if err := utils.DecodeJsonResponse(response, &handshake); err != nil {
		return nil, err
	}
	return &handshake, nil
}

func (api *Client) RunTask(ctx context.Context, dto TaskDto) (*TaskResponse, error) {
	requestUrl, err := url.JoinPath(api.baseUrl, TaskPath)
	if err != nil {
		return nil, err
	}

	response, err := utils.SendPostJsonRequest(ctx, &api.client, requestUrl, dto)
	if err != nil {
		return nil, err
	}

	var task TaskResponse
	if err := utils.DecodeJsonResponse(response, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (api *Client) SendFeedback(ctx context.Context, dto FeedbackDto) error {
	requestUrl, err := url.JoinPath(api.baseUrl, FeedbackPath)
	if err != nil {
		return err
	}

	response, err := utils.SendPostJsonRequest(ctx, &api.client, requestUrl, dto)
	if err != nil {
		return err
	}

	return utils.DecodeJsonResponse(response, nil)
}

func (api *Client) Health(ctx context.Context) (bool, error) {
	requestUrl, err := url.JoinPath(api.baseUrl, HealthPath)
	if err != nil {
		return false, err
	}

	response, err := utils.SendGetRequest(ctx, &api.client, requestUrl)
	if err != nil {
		return false, err
	}
	defer response.Body.Close()

	return response.StatusCode == http.StatusOK, nil
}
