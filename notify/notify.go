package notify

import (
	"ledger-project/logger"

	"go.uber.org/zap"
)

// Notifier delivers a message outside the node. Implementations must not
// block the caller on delivery.
type Notifier interface {
	Notify(subject, body string)
}

// LogNotifier writes notifications to the application log.
type LogNotifier struct{}

func (LogNotifier) Notify(subject, body string) {
	logger.Logger.Info("Notification", zap.String("subject", subject), zap.String("body", body))
}

// Multi fans a notification out to several sinks.
type Multi []Notifier

func (m Multi) Notify(subject, body string) {
	for _, n := range m {
		n.Notify(subject, body)
	}
}
