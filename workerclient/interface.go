package workerclient

import "context"

// WorkerClient defines the interface for interacting with worker agents
type WorkerClient interface {
	// Round lifecycle operations
	Handshake(ctx context.Context, dto HandshakeDto) (*HandshakeResponse, error)
	RunTask(ctx context.Context, dto TaskDto) (*TaskResponse, error)

	// Post-settlement operations
	SendFeedback(ctx context.Context, dto FeedbackDto) error

	// Health operations
	Health(ctx context.Context) (bool, error)
}

// Ensure Client implements WorkerClient
var _ WorkerClient = (*Client)(nil)
