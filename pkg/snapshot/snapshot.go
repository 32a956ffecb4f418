// Package snapshot defines the task persistence boundary. The core never
// decides when to snapshot; hosts call Save/Load around whatever
// durability policy they run.
package snapshot

import (
	"context"
	"errors"

	"github.com/adriannoes/asap-protocol-sub002/pkg/task"
)

var ErrNotFound = errors.New("snapshot: not found")

// Storage persists point-in-time task records keyed by task id.
type Storage interface {
	Save(ctx context.Context, taskID string, t task.Task) error
	Load(ctx context.Context, taskID string) (task.Task, error)
	Delete(ctx context.Context, taskID string) error
}
