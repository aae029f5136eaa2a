package reminder

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	"carelink-realtime/pkg/models"
)

// LogNotifier writes each batch as one log line and dismisses it at once.
type LogNotifier struct {
	Logger *logrus.Logger
}

func (n LogNotifier) Show(_ context.Context, batch []models.DueReminder, dismiss func(bool)) {
	names := make([]string, 0, len(batch))
	for _, r := range batch {
		names = append(names, r.Medication)
	}

	n.Logger.WithFields(logrus.Fields{
		"time":        batch[0].Time,
		"medications": strings.Join(names, ", "),
	}).Warn("Time to take your medication")
	dismiss(true)
}
