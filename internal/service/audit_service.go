package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/spec-kit/inspect-session/internal/events"
)

// AuditService writes session events to the log.
type AuditService struct {
	dispatcher events.Dispatcher
	logger     *zap.Logger
}

// NewAuditService creates the service.
func NewAuditService(dispatcher events.Dispatcher, logger *zap.Logger) *AuditService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuditService{
		dispatcher: dispatcher,
		logger:     logger.Named("audit"),
	}
}

// RegisterHandlers subscribes to events.
func (a *AuditService) RegisterHandlers() {
	if a.dispatcher == nil {
		return
	}
	a.dispatcher.Subscribe(events.EventLoggedIn, a.handleLoggedIn)
	a.dispatcher.Subscribe(events.EventLoggedOut, a.handleLoggedOut)
	a.dispatcher.Subscribe(events.EventSessionSynced, a.handleSessionSynced)
	a.dispatcher.Subscribe(events.EventUserLoaded, a.handleUserLoaded)
	a.dispatcher.Subscribe(events.EventTokenRefreshed, a.handleDebug)
	a.dispatcher.Subscribe(events.EventStatusChanged, a.handleDebug)
}

func (a *AuditService) handleLoggedIn(_ context.Context, event events.Event) error {
	a.logger.Info("LoggedIn", a.fields(event)...)
	return nil
}

func (a *AuditService) handleLoggedOut(_ context.Context, event events.Event) error {
	a.logger.Info("LoggedOut", a.fields(event)...)
	return nil
}

func (a *AuditService) handleSessionSynced(_ context.Context, event events.Event) error {
	a.logger.Info("SessionSynced", a.fields(event)...)
	return nil
}

func (a *AuditService) handleUserLoaded(_ context.Context, event events.Event) error {
	a.logger.Info("UserLoaded", a.fields(event)...)
	return nil
}

func (a *AuditService) handleDebug(_ context.Context, event events.Event) error {
	a.logger.Debug(string(event.Type), a.fields(event)...)
	return nil
}

func (a *AuditService) fields(event events.Event) []zap.Field {
	return []zap.Field{
		zap.String("event_id", event.ID),
		zap.String("instance", event.Instance),
		zap.Time("timestamp", event.Timestamp),
		zap.Any("payload", event.Payload),
	}
}
