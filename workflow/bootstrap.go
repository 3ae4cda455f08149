package workflow

import (
	"github.com/mmdatafocus/costing_backend/config"
	"github.com/mmdatafocus/costing_backend/currencyrate"
	"github.com/mmdatafocus/costing_backend/notification"
	"github.com/mmdatafocus/costing_backend/store"
	"github.com/sirupsen/logrus"
)

// NewDefaultEngine wires the engine onto the connected database and Redis. Call it after
// config.ConnectDatabaseWithRetry; Redis is optional.
func NewDefaultEngine(settings config.Settings, logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = config.GetLogger()
	}
	st := store.NewGorm(config.GetDB())

	var rates currencyrate.Provider
	httpRates, err := currencyrate.NewHTTPProvider(settings.BaseCurrency, settings.RateFallbackDays, logger)
	if err != nil {
		// only foreign-currency purchase orders need a rate; those stages fail and retry
		logger.WithFields(logrus.Fields{"field": "currencyrate"}).Warn("currency rate provider disabled: " + err.Error())
	} else {
		rates = currencyrate.NewCachedProvider(httpRates, currencyrate.RedisCache(), settings.RateCacheTTL, logger)
	}

	e := NewEngine(st, rates, settings, logger)
	notifiers := []notification.Notifier{notification.Log{Logger: logger}}
	if settings.NotificationTopic != "" {
		notifiers = append(notifiers, notification.NewPubSub(settings.NotificationTopic))
	}
	e.Notifier = notification.Multi{Notifiers: notifiers, Logger: logger}
	e.Locker = NewRedisLocker(config.GetRedisLock())
	return e
}
