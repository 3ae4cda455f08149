package utils

import (
	"context"

	"github.com/mmdatafocus/costing_backend/appctx"
)

// Alias the shared context key type so existing code keeps working.
type contextKey = appctx.ContextKey

var (
	ContextKeyUserId        = appctx.ContextKeyUserId
	ContextKeyUserName      = appctx.ContextKeyUserName
	ContextKeyCorrelationId = appctx.ContextKeyCorrelationId
	ContextKeyTrigger       = appctx.ContextKeyTrigger
	ContextKeyWorkerId      = appctx.ContextKeyWorkerId
)

const (
	TriggerLedger = "ledger"
	TriggerManual = "manual"
)

func GetUserIdFromContext(ctx context.Context) (int, bool) {
	return appctx.GetInt(ctx, ContextKeyUserId)
}

func GetUserNameFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyUserName)
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func GetTriggerFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyTrigger)
}

func GetWorkerIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyWorkerId)
}

func SetUserIdInContext(ctx context.Context, userId int) context.Context {
	return appctx.Set(ctx, ContextKeyUserId, userId)
}

func SetUserNameInContext(ctx context.Context, userName string) context.Context {
	return appctx.Set(ctx, ContextKeyUserName, userName)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}

func SetTriggerInContext(ctx context.Context, trigger string) context.Context {
	return appctx.Set(ctx, ContextKeyTrigger, trigger)
}

func SetWorkerIdInContext(ctx context.Context, workerId string) context.Context {
	return appctx.Set(ctx, ContextKeyWorkerId, workerId)
}

// SystemContext marks ctx as acting on behalf of the cascade engine itself.
func SystemContext(ctx context.Context, trigger string, correlationId string) context.Context {
	ctx = SetUserIdInContext(ctx, 0)
	ctx = SetUserNameInContext(ctx, "System")
	ctx = SetTriggerInContext(ctx, trigger)
	if correlationId != "" {
		ctx = SetCorrelationIdInContext(ctx, correlationId)
	}
	return ctx
}
