package worker

import (
	"go.uber.org/zap"

	"github.com/spec-kit/identity-service/internal/service"
)

// StartNotificationWorker subscribes the notification handlers to account
// events. Handlers run synchronously on the publishing goroutine, after the
// originating transaction has committed.
func StartNotificationWorker(notificationService *service.NotificationService, logger *zap.Logger) {
	if notificationService == nil {
		return
	}
	notificationService.RegisterHandlers()
	if logger != nil {
		logger.Info("notification handlers registered")
	}
}
