package notify

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// LogSender writes booking events to the application log. Used in
// development and whenever no broker is configured.
type LogSender struct {
	logger *logrus.Logger
}

// NewLogSender creates a new LogSender
func NewLogSender(logger *logrus.Logger) *LogSender {
	return &LogSender{logger: logger}
}

// SendBookingEvent logs the event at info level
func (s *LogSender) SendBookingEvent(ctx context.Context, recipientEmail string, kind EventKind, data map[string]interface{}) error {
	if recipientEmail == "" {
		return fmt.Errorf("recipient email is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.logger.WithFields(logrus.Fields{
		"recipient": recipientEmail,
		"kind":      kind,
		"data":      data,
	}).Info("Booking notification")
	return nil
}
