package invocations

import (
	"context"

	"github.com/osvaldoandrade/fnbay/internal/api"
)

// Store holds append-only invocation records.
type Store interface {
	Close() error
	Ping(ctx context.Context) error

	SaveInvocation(ctx context.Context, inv api.Invocation) error
	GetInvocation(ctx context.Context, id string) (api.Invocation, error)
	ListInvocations(ctx context.Context, functionOid int64, limit int) ([]api.Invocation, error)
	PurgeInvocations(ctx context.Context, cutoffMS int64, batch int) (int, error)
}
