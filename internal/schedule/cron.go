package schedule

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// StartCron registers the generator and reminder sweeps and starts the cron
// runner. The returned cron should be stopped on shutdown.
func StartCron(generator *Generator, reminder *Reminder, generatorSpec, reminderSpec string, logger zerolog.Logger) (*cron.Cron, error) {
	c := cron.New()

	if _, err := c.AddFunc(generatorSpec, func() {
		if err := generator.Run(context.Background()); err != nil {
			logger.Error().Err(err).Msg("review generator sweep failed")
		}
	}); err != nil {
		return nil, fmt.Errorf("schedule generator %q: %w", generatorSpec, err)
	}

	if _, err := c.AddFunc(reminderSpec, func() {
		if err := reminder.Run(context.Background()); err != nil {
			logger.Error().Err(err).Msg("review reminder sweep failed")
		}
	}); err != nil {
		return nil, fmt.Errorf("schedule reminder %q: %w", reminderSpec, err)
	}

	c.Start()
	return c, nil
}
