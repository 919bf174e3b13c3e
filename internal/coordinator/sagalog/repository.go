package sagalog

import "context"

// Repository persists audit entries. Save appends; it never updates.
type Repository interface {
	Save(ctx context.Context, entry *SagaLog) error
}

// Reader is implemented by repositories that can replay a saga's trail.
type Reader interface {
	List(ctx context.Context, sagaID string) ([]*SagaLog, error)
	GetLatest(ctx context.Context, sagaID string) (*SagaLog, error)
}
