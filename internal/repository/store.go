// Package repository holds the call log and the event journal.
package repository

import (
	"context"

	"github.com/xiaot623/sentinel/internal/domain"
)

// Store defines the interface for call log and event journal persistence.
type Store interface {
	// Call log operations
	AppendCall(ctx context.Context, call *domain.CallRecord) error
	GetCall(ctx context.Context, callID string) (*domain.CallRecord, error)
	ListCalls(ctx context.Context, filter domain.CallFilter) ([]*domain.CallRecord, error)
	CountCalls(ctx context.Context) (int, error)
	ClearCalls(ctx context.Context) (int, error)

	// Event journal operations
	AppendEvent(ctx context.Context, event *domain.Event) error
	ListEvents(ctx context.Context, incidentID string, afterSeq int64, limit int) ([]domain.Event, error)
	ClearEvents(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Limits bound the number of rows each table keeps.
type Limits struct {
	MaxCalls  int
	MaxEvents int
}

// DefaultLimits are used for zero fields of Limits.
var DefaultLimits = Limits{MaxCalls: 500, MaxEvents: 5000}
