package gateway

import (
	"context"
	"time"

	"github.com/example/minimart/pkg/repository"
	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"
)

const auditTimeout = 5 * time.Second

// Auditor keeps a record of every user-visible outcome.
type Auditor interface {
	Record(ctx context.Context, entry *repository.AuditLog)
	Recent(ctx context.Context, entityID string, limit int64) ([]*repository.AuditLog, error)
}

type MongoAuditor struct {
	repo   *repository.MongoRepository
	logger *zap.Logger
}

func NewMongoAuditor(repo *repository.MongoRepository, logger *zap.Logger) *MongoAuditor {
	return &MongoAuditor{repo: repo, logger: logger}
}

// Record never fails the caller; a lost audit entry is only logged.
func (a *MongoAuditor) Record(ctx context.Context, entry *repository.AuditLog) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()
	if err := a.repo.CreateAuditLog(ctx, entry); err != nil {
		a.logger.Warn("Failed to write audit log",
			zap.String("action", entry.Action),
			zap.String("entity_id", entry.EntityID),
			zap.Error(err))
	}
}

func (a *MongoAuditor) Recent(ctx context.Context, entityID string, limit int64) ([]*repository.AuditLog, error) {
	return a.repo.GetAuditLogs(ctx, entityID, limit)
}

// NopAuditor is used when MongoDB is not configured.
type NopAuditor struct{}

func (NopAuditor) Record(context.Context, *repository.AuditLog) {}

func (NopAuditor) Recent(context.Context, string, int64) ([]*repository.AuditLog, error) {
	return nil, nil
}

func auditEntry(action, entityID, userID string, n Notification, data bson.M) *repository.AuditLog {
	return &repository.AuditLog{
		Service:  "gateway",
		Action:   action,
		EntityID: entityID,
		UserID:   userID,
		Outcome:  n.Status,
		Message:  n.Message,
		Data:     data,
	}
}
