package loader

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"fx_platform/internal/alert"
	"fx_platform/internal/core"
	apperrors "fx_platform/pkg/errors"
	"fx_platform/pkg/telemetry"
)

// startSchedules registers the EOD trigger sweep and the deadline watch.
// Both are cron driven so an instance that missed the fabric trigger still
// runs its accounts.
func (s *Service) startSchedules(ctx context.Context) error {
	s.sched = cron.New()

	if spec := s.cfg.EOD.TriggerCron; spec != "" {
		if _, err := s.sched.AddFunc(spec, func() { s.runScheduledEOD(ctx) }); err != nil {
			return apperrors.Wrap(apperrors.CodeValidationFailed, err).With("trigger_cron", spec)
		}
	}
	if s.cfg.EOD.Deadline != "" {
		spec, err := deadlineSpec(s.cfg.EOD.Deadline)
		if err != nil {
			return err
		}
		if _, err := s.sched.AddFunc(spec, func() { s.checkDeadline(ctx) }); err != nil {
			return apperrors.Wrap(apperrors.CodeValidationFailed, err).With("deadline", s.cfg.EOD.Deadline)
		}
	}

	s.sched.Start()
	return nil
}

func (s *Service) stopSchedules() {
	if s.sched != nil {
		<-s.sched.Stop().Done()
	}
}

// deadlineSpec converts a HH:MM time of day into a daily cron spec.
func deadlineSpec(hhmm string) (string, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeValidationFailed, err).With("deadline", hhmm)
	}
	return fmt.Sprintf("%d %d * * *", t.Minute(), t.Hour()), nil
}

func (s *Service) runScheduledEOD(ctx context.Context) {
	date := core.NewBusinessDate(time.Now())
	s.logger.Info("Scheduled EOD sweep starting", "business_date", string(date))
	if _, err := s.RunEODAll(ctx, date); err != nil {
		s.logger.Error("Scheduled EOD sweep had failures", "business_date", string(date), "error", err)
	}
}

// checkDeadline flags every owned account still not COMPLETED for today.
// Processing continues; the breach only degrades health, raises an alert and
// sets the deadline-missed gauge until a later tick observes completion.
func (s *Service) checkDeadline(ctx context.Context) {
	date := core.NewBusinessDate(time.Now())

	accounts, err := s.refdata.ListAccounts(ctx)
	if err != nil {
		s.logger.Error("Deadline watch account listing failed", "error", err)
		return
	}
	owned := make([]int64, 0, len(accounts))
	for _, acct := range accounts {
		if core.OwnsAccount(acct.ID, s.cfg.Sharding.ShardIndex, s.cfg.Sharding.TotalShards) {
			owned = append(owned, acct.ID)
		}
	}

	missed, err := s.store.IncompleteAccounts(ctx, date, owned)
	if err != nil {
		s.logger.Error("Deadline watch status query failed", "business_date", string(date), "error", err)
		return
	}

	s.mu.Lock()
	s.missedAccounts = missed
	s.missedDate = date
	s.mu.Unlock()
	telemetry.GetGlobalMetrics().SetDeadlineMissed(string(date), int64(len(missed)))

	if len(missed) == 0 {
		s.logger.Info("EOD deadline met for all owned accounts", "business_date", string(date), "accounts", len(owned))
		return
	}

	s.logger.Error("EOD deadline missed",
		"business_date", string(date), "deadline", s.cfg.EOD.Deadline,
		"missed", len(missed), "accounts", missed)
	if s.alerts != nil {
		s.alerts.Alert(ctx, "EOD deadline missed",
			fmt.Sprintf("%d of %d accounts not completed for %s by %s", len(missed), len(owned), date, s.cfg.EOD.Deadline),
			alert.Critical, map[string]string{
				"business_date": string(date),
				"missed_count":  fmt.Sprintf("%d", len(missed)),
			})
	}
}
