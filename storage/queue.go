package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"

	"taskboard/domain"
)

// queueClient is the subset of *azqueue.QueueClient used by QueueFeed.
type queueClient interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// FeedMessage is the body of an action feed message.
type FeedMessage struct {
	Board string                `json:"board"`
	Entry domain.ActionLogEntry `json:"entry"`
}

// QueueFeed is an ActionLog that also publishes every appended entry to an
// Azure Storage queue. Reads go to the wrapped log.
type QueueFeed struct {
	ActionLog
	queue queueClient
	board string
}

// NewQueueFeed wraps base so appends are mirrored to q.
func NewQueueFeed(base ActionLog, q queueClient, boardID string) *QueueFeed {
	if base == nil {
		panic("storage.NewQueueFeed: base log is nil")
	}
	return &QueueFeed{ActionLog: base, queue: q, board: boardID}
}

// OpenQueueFeed connects to the named queue and wraps base with it.
func OpenQueueFeed(connStr, queueName, boardID string, base ActionLog) (*QueueFeed, error) {
	opts := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: time.Minute,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, queueName, &opts)
	if err != nil {
		return nil, err
	}
	return NewQueueFeed(base, q, boardID), nil
}

// Append stores the entry and then enqueues it. The stored entry is not rolled
// back when the enqueue fails.
func (f *QueueFeed) Append(ctx context.Context, e domain.ActionLogEntry) error {
	if err := f.ActionLog.Append(ctx, e); err != nil {
		return err
	}
	data, err := sonic.Marshal(FeedMessage{Board: f.board, Entry: e})
	if err != nil {
		return err
	}
	if _, err := f.queue.EnqueueMessage(ctx, string(data), nil); err != nil {
		return fmt.Errorf("publish action %s: %w", e.ID, err)
	}
	return nil
}
