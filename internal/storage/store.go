// Package storage persists tickets and service history.
package storage

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/dennisdiepolder/docqueue/backend/internal/types"
)

var (
	// ErrNotFound is returned when a ticket does not exist
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict is returned when an update raced with another writer
	ErrVersionConflict = errors.New("version conflict")
)

// TicketStore persists tickets with optimistic locking. Update and
// UpdateBatch only apply when the stored version equals the ticket's
// Version, and increment Version on success.
type TicketStore interface {
	Create(ctx context.Context, t *types.Ticket) error
	Get(ctx context.Context, id int64) (*types.Ticket, error)
	Update(ctx context.Context, t *types.Ticket) error
	UpdateBatch(ctx context.Context, tickets []*types.Ticket) error
	List(ctx context.Context, statuses ...types.TicketStatus) ([]types.Ticket, error)
	ListActiveByAgent(ctx context.Context, agentID string) ([]types.Ticket, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// HistoryStore persists terminal service outcomes
type HistoryStore interface {
	SaveServiceLog(ctx context.Context, log types.ServiceLog) error
	ListServiceLogs(ctx context.Context, agentID string, since time.Time) ([]types.ServiceLog, error)
}

// sortKeyLayout is fixed width so keys order lexically by time
const sortKeyLayout = "2006-01-02T15:04:05.000000000Z07:00"

// ServiceLogSortKey builds the range key for a service log
func ServiceLogSortKey(completedAt time.Time, ticketID int64) string {
	return completedAt.UTC().Format(sortKeyLayout) + "#" + strconv.FormatInt(ticketID, 10)
}
