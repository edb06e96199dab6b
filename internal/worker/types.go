package worker

import (
	"context"
	"errors"

	"github.com/ChuLiYu/bulkwrite/pkg/types"
)

var (
	// ErrBatchTooLarge is returned when a batch has more tasks than workers
	ErrBatchTooLarge = errors.New("batch larger than pool")
)

// WriteFunc creates content under parentID and returns the created nodes.
// It is the only call that reaches the remote API.
type WriteFunc func(ctx context.Context, parentID, content, position string) ([]types.CreatedNode, error)

// Task is one subtree to write
type Task struct {
	Subtree  types.Subtree // content and id of the unit
	ParentID string        // where the subtree is inserted
	Position string        // "top" or "bottom", passed through to WriteFunc
}

// ResultFunc observes every finished attempt
type ResultFunc func(workerID int, result types.SubtreeResult)
