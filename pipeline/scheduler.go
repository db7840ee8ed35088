package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tootbot/tootbot/cfg"
	"github.com/tootbot/tootbot/common"
)

// Runner runs one pass
type Runner interface {
	RunOnce(ctx context.Context) (Report, error)
}

// Scheduler repeats passes in one of three modes: a single pass, a loop
// sleeping a fixed delay after each settled pass, or a cron schedule.
type Scheduler struct {
	runner   Runner
	loop     bool
	interval time.Duration
	schedule cron.Schedule
	spec     string
}

// NewScheduler creates a scheduler from the behavior configuration
func NewScheduler(runner Runner, c *cfg.Configuration) (*Scheduler, error) {
	s := &Scheduler{
		runner:   runner,
		loop:     c.Behavior.Loop,
		interval: c.Interval(),
		spec:     c.Behavior.Schedule,
	}

	if s.loop && s.spec != "" {
		schedule, err := cron.ParseStandard(s.spec)
		if err != nil {
			return nil, &common.ConfigError{Field: "behavior.schedule", Reason: err.Error()}
		}
		s.schedule = schedule
	}
	if s.loop && s.schedule == nil && s.interval <= 0 {
		return nil, &common.ConfigError{Field: "behavior.time_between_posts", Reason: "must be >= 1 minute in loop mode"}
	}

	return s, nil
}

// Run blocks until the scheduler is done. In single-shot mode it returns the
// pass error. In loop modes only fatal errors are returned; ctx cancellation
// ends the loop with nil.
func (s *Scheduler) Run(ctx context.Context) error {
	switch {
	case !s.loop:
		_, err := s.runner.RunOnce(ctx)
		s.classify(err)
		return err
	case s.schedule != nil:
		return s.runCron(ctx)
	default:
		return s.runLoop(ctx)
	}
}

func (s *Scheduler) runLoop(ctx context.Context) error {
	log.Info().Dur("interval", s.interval).Msg("Running in loop mode")

	for {
		_, err := s.runner.RunOnce(ctx)
		if s.classify(err) {
			return err
		}

		log.Info().Time("next", time.Now().Add(s.interval)).Msg("Sleeping until next pass")
		timer := time.NewTimer(s.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (s *Scheduler) runCron(ctx context.Context) error {
	logger := cronLogger{}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.SkipIfStillRunning(logger)),
	)

	fatal := make(chan error, 1)
	c.Schedule(s.schedule, cron.FuncJob(func() {
		_, err := s.runner.RunOnce(ctx)
		if s.classify(err) {
			select {
			case fatal <- err:
			default:
			}
		}
	}))

	c.Start()
	log.Info().Str("schedule", s.spec).Time("next", s.schedule.Next(time.Now())).Msg("Running on cron schedule")

	var err error
	select {
	case <-ctx.Done():
	case err = <-fatal:
	}

	<-c.Stop().Done()
	return err
}

// classify logs err at the severity of its class and reports whether it is fatal
func (s *Scheduler) classify(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrPassInProgress):
		log.Warn().Msg("Previous pass still running, skipping this one")
		return false
	case common.IsFatal(err):
		log.WithLevel(zerolog.FatalLevel).Err(err).Msg("Unrecoverable error, stopping")
		return true
	case errors.Is(err, context.Canceled):
		log.Info().Msg("Pass cancelled")
		return false
	default:
		log.Error().Err(err).Msg("Pass failed, will retry on the next run")
		return false
	}
}

// cronLogger routes cron's logs through zerolog
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
