package dlq

import (
	"context"
	"errors"
	"time"
)

// ErrItemNotFound is returned by Store lookups for unknown item ids.
var ErrItemNotFound = errors.New("dlq item not found")

// Query filters a pending-item fetch. Results are always ordered by
// priority descending, then creation time ascending.
type Query struct {
	Statuses       []Status
	Priorities     []Priority
	OperationTypes []string
	UserID         string
	CreatedAfter   time.Time
	CreatedBefore  time.Time
	Limit          int
}

// Matches reports whether an item satisfies the query filters. Store
// implementations that cannot push filters down use it post-fetch.
func (q Query) Matches(it *Item) bool {
	if len(q.Statuses) > 0 && !containsStatus(q.Statuses, it.Status) {
		return false
	}
	if len(q.Priorities) > 0 && !containsPriority(q.Priorities, it.Priority) {
		return false
	}
	if len(q.OperationTypes) > 0 && !containsString(q.OperationTypes, it.OperationType) {
		return false
	}
	if q.UserID != "" && it.UserID != q.UserID {
		return false
	}
	if !q.CreatedAfter.IsZero() && it.CreatedAt.Before(q.CreatedAfter) {
		return false
	}
	if !q.CreatedBefore.IsZero() && it.CreatedAt.After(q.CreatedBefore) {
		return false
	}
	return true
}

// Store is the durable keyed store collaborator for DLQ items. The priority
// pointer is a lightweight index the background loop scans instead of the
// full item table.
type Store interface {
	CreateItem(ctx context.Context, item *Item) error
	GetItem(ctx context.Context, id string) (*Item, error)
	UpdateItem(ctx context.Context, item *Item) error
	DeleteItem(ctx context.Context, id string) error

	// QueryItems returns items matching the query ordered by
	// (priority desc, createdAt asc).
	QueryItems(ctx context.Context, q Query) ([]*Item, error)

	// ListItems returns every item, for stats aggregation.
	ListItems(ctx context.Context) ([]*Item, error)

	// PurgeOlderThan bulk-deletes items in the given statuses created
	// before the cutoff and returns the number removed.
	PurgeOlderThan(ctx context.Context, statuses []Status, cutoff time.Time) (int, error)

	// Priority-indexed pointer structure.
	InsertPointer(ctx context.Context, itemID string, p Priority) error
	RemovePointer(ctx context.Context, itemID string) error
}

func containsStatus(ss []Status, s Status) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func containsPriority(ps []Priority, p Priority) bool {
	for _, v := range ps {
		if v == p {
			return true
		}
	}
	return false
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
