package service

import (
	"context"

	"github.com/xiaot623/sentinel/internal/domain"
	"github.com/xiaot623/sentinel/internal/pkg/ctxlog"
)

// Publish journals an event and hands it to the hub. Both are best effort:
// failures are logged and never reach the orchestration path. Serialized so
// journal order and broadcast order agree.
func (s *Service) Publish(ctx context.Context, evt domain.Event) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	if s.store != nil {
		if err := s.store.AppendEvent(context.WithoutCancel(ctx), &evt); err != nil {
			ctxlog.FromContext(ctx).Warn("failed to journal event", "event_type", evt.EventType, "error", err)
		}
	}
	if s.hub != nil {
		if err := s.hub.Publish(evt); err != nil {
			ctxlog.FromContext(ctx).Warn("failed to broadcast event", "event_type", evt.EventType, "error", err)
		}
	}
}

// recordEvent builds and publishes an event.
func (s *Service) recordEvent(ctx context.Context, eventType domain.EventType, agent, incidentID string, data any) {
	evt, err := domain.NewEvent(eventType, agent, incidentID, data, s.now())
	if err != nil {
		ctxlog.FromContext(ctx).Warn("failed to encode event", "event_type", eventType, "error", err)
		return
	}
	s.Publish(ctx, evt)
}

// Events returns journaled events for an incident after seq.
func (s *Service) Events(ctx context.Context, incidentID string, afterSeq int64, limit int) ([]domain.Event, error) {
	if _, err := s.lookup(incidentID); err != nil {
		return nil, err
	}
	return s.store.ListEvents(ctx, incidentID, afterSeq, limit)
}
