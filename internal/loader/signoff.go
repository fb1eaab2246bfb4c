package loader

import (
	"context"
	"fmt"
	"time"

	"fx_platform/internal/alert"
	"fx_platform/internal/config"
	"fx_platform/internal/core"
	"fx_platform/internal/fabric"
	"fx_platform/pkg/telemetry"
)

// maybeSignoff publishes the client reporting sign-off once every account of
// the client is COMPLETED for the business date. The idempotency claim on
// signoff:<client>:<date> keeps the event single-shot even when several
// accounts finish concurrently.
func (s *Service) maybeSignoff(ctx context.Context, accountID int64, date core.BusinessDate) {
	clientID, err := s.refdata.ClientOfAccount(ctx, accountID)
	if err != nil {
		s.logger.Warn("Sign-off client lookup failed", "account_id", accountID, "error", err)
		return
	}
	accounts, err := s.refdata.AccountsByClient(ctx, clientID)
	if err != nil {
		s.logger.Warn("Sign-off account listing failed", "client_id", clientID, "error", err)
		return
	}
	if len(accounts) == 0 {
		return
	}

	done, err := s.store.AllCompleted(ctx, date, accounts)
	if err != nil {
		s.logger.Warn("Sign-off completion check failed", "client_id", clientID, "error", err)
		return
	}
	if !done {
		return
	}

	key := fmt.Sprintf("signoff:%d:%s", clientID, date)
	if !s.idem.CheckAndMark(ctx, key) {
		return
	}

	event := core.SignoffEvent{
		ClientID:     clientID,
		BusinessDate: date,
		AccountCount: len(accounts),
		Timestamp:    time.Now().UTC(),
	}
	err = s.guards.Get(config.DepMessaging).Do(ctx, func(ctx context.Context) error {
		return s.producer.PublishJSON(ctx, fabric.TopicClientSignoff, fmt.Sprintf("%d", clientID), event)
	})
	if err != nil {
		// The claim stands, so the event will not re-fire on its own. Alert
		// so operations can replay the sign-off.
		s.logger.Error("Sign-off publish failed", "client_id", clientID, "business_date", string(date), "error", err)
		if s.alerts != nil {
			s.alerts.Alert(ctx, "Client sign-off publish failed",
				fmt.Sprintf("client %d business date %s: %v", clientID, date, err),
				alert.Error, map[string]string{"client_id": fmt.Sprintf("%d", clientID)})
		}
		return
	}

	if auditErr := s.store.AppendAudit(ctx, "system", "CLIENT_SIGNOFF",
		fmt.Sprintf("client:%d", clientID),
		fmt.Sprintf("business date %s, %d accounts completed", date, len(accounts))); auditErr != nil {
		s.logger.Warn("Sign-off audit append failed", "client_id", clientID, "error", auditErr)
	}
	if m := telemetry.GetGlobalMetrics().SignoffsTotal; m != nil {
		m.Add(ctx, 1)
	}
	s.logger.Info("Client sign-off published",
		"client_id", clientID, "business_date", string(date), "accounts", len(accounts))
}
