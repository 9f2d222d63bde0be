package livestream

import "context"

// Store is the persistence the job lifecycle consumes. Stream definitions
// are owned by the stream CRUD service; this package only reads them and
// performs the bookkeeping writes below.
type Store interface {
	// StreamDefinition returns ErrStreamNotFound when id is unknown.
	StreamDefinition(ctx context.Context, id int64) (StreamDefinition, error)
	StreamOwner(ctx context.Context, id int64) (string, error)
	SetActualStart(ctx context.Context, id int64, startedAt int64) error
	ClearSchedule(ctx context.Context, id int64) error
	InsertHistory(ctx context.Context, record HistoryRecord) error
}
