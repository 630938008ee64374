package history

import (
	"context"
	"errors"

	"github.com/zhouzirui/arc-relay/backend/internal/model/run"
)

var (
	ErrRunNotFound = errors.New("run not found")
	ErrRunInvalid  = errors.New("run id is required")
)

// Store persists finished run records.
type Store interface {
	Save(ctx context.Context, rec run.Record) error
	Get(ctx context.Context, id string) (run.Record, error)
	List(ctx context.Context, filter run.Filter) ([]run.Record, error)
	Close() error
}
