// Package visits drives the geofence arrival transition and announces it on
// the visit event stream.
package visits

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"fleettrack/internal/model"
	"fleettrack/internal/store"
	"fleettrack/internal/stream"
)

// Transitioner performs the guarded pending/en_route -> arrived update.
type Transitioner interface {
	MarkVisitArrived(ctx context.Context, visitID string, at time.Time) (model.PlannedVisit, string, error)
}

type Service struct {
	store Transitioner
	pub   stream.Publisher
	topic string
	log   *zap.Logger
}

func NewService(st Transitioner, pub stream.Publisher, topic string, log *zap.Logger) *Service {
	return &Service{store: st, pub: pub, topic: topic, log: log}
}

// MarkArrived moves the visit to arrived. It reports false without error when
// the visit had already left pending/en_route, so repeated fixes inside the
// same geofence transition it once.
func (s *Service) MarkArrived(ctx context.Context, visitID string, at time.Time) (bool, error) {
	v, prev, err := s.store.MarkVisitArrived(ctx, visitID, at)
	if errors.Is(err, store.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s.log.Info("visit arrived",
		zap.String("visit_id", v.ID),
		zap.String("route_id", v.RouteID),
		zap.String("previous_status", prev))
	ev := model.VisitEvent{
		VisitID:        v.ID,
		RouteID:        v.RouteID,
		DriverID:       v.DriverID,
		CustomerID:     v.CustomerID,
		TenantID:       v.TenantID,
		PreviousStatus: prev,
		CurrentStatus:  v.Status,
		VisitType:      v.VisitType,
		ArrivedAt:      v.ArrivedAt,
		CompletedAt:    v.CompletedAt,
		Timestamp:      at.UTC(),
	}
	if err := stream.PublishJSON(ctx, s.pub, s.topic, v.ID, ev); err != nil {
		// the transition stands; only the announcement is lost
		s.log.Error("visit event publish failed", zap.String("visit_id", v.ID), zap.Error(err))
	}
	return true, nil
}
