// Package mspm implements the client for the upstream portfolio feed that
// serves authoritative end-of-day account snapshots.
package mspm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"fx_platform/internal/config"
	"fx_platform/internal/core"
	apperrors "fx_platform/pkg/errors"
)

// Client fetches account snapshots over the feed's REST surface. Retry and
// circuit breaking live in the caller's dependency guard; the client owns
// transport, auth and payload validation only.
type Client struct {
	http   *resty.Client
	logger core.ILogger
}

func NewClient(cfg config.MSPMConfig, logger core.ILogger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(time.Duration(cfg.TimeoutSeconds) * time.Second).
		SetHeader("Content-Type", "application/json")
	if cfg.APIKey != "" {
		httpClient.SetHeader("X-API-Key", string(cfg.APIKey))
	}
	return &Client{
		http:   httpClient,
		logger: logger.WithField("component", "mspm_client"),
	}
}

// FetchSnapshot retrieves the positions of one account for a business date.
func (c *Client) FetchSnapshot(ctx context.Context, accountID int64, businessDate core.BusinessDate) (*core.AccountSnapshot, error) {
	var snap core.AccountSnapshot
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("accountId", strconv.FormatInt(accountID, 10)).
		SetQueryParam("businessDate", string(businessDate)).
		SetResult(&snap).
		Get("/api/v1/accounts/{accountId}/positions")
	if err != nil {
		return nil, c.transportError(err, accountID)
	}

	switch {
	case resp.StatusCode() == http.StatusOK:
		// fallthrough to payload validation
	case resp.StatusCode() >= http.StatusInternalServerError:
		return nil, apperrors.Newf(apperrors.CodeMSPMUnavailable, "feed returned %d", resp.StatusCode()).
			With("account_id", accountID)
	default:
		return nil, apperrors.Newf(apperrors.CodeSnapshotMalformed, "feed rejected request with %d: %s",
			resp.StatusCode(), resp.String()).With("account_id", accountID)
	}

	if err := validateEnvelope(&snap, accountID, businessDate); err != nil {
		return nil, err
	}
	c.logger.Debug("Fetched account snapshot",
		"account_id", accountID, "business_date", string(businessDate), "rows", len(snap.Positions))
	return &snap, nil
}

// CheckHealth probes the feed's health endpoint.
func (c *Client) CheckHealth(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).Get("/api/v1/health")
	if err != nil {
		return c.transportError(err, 0)
	}
	if resp.StatusCode() != http.StatusOK {
		return apperrors.Newf(apperrors.CodeMSPMUnavailable, "feed health returned %d", resp.StatusCode())
	}
	return nil
}

func (c *Client) transportError(err error, accountID int64) error {
	coded := apperrors.CodeMSPMUnavailable
	if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
		coded = apperrors.CodeFeedTimeout
	}
	e := apperrors.Wrap(coded, err)
	if accountID != 0 {
		e = e.With("account_id", accountID)
	}
	return e
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

// validateEnvelope guards the snapshot contract before any row-level
// validation runs: the envelope must identify the requested account and
// carry a parseable business date.
func validateEnvelope(snap *core.AccountSnapshot, accountID int64, businessDate core.BusinessDate) error {
	if snap.AccountID != accountID {
		return apperrors.Newf(apperrors.CodeSnapshotMalformed, "snapshot is for account %d, requested %d",
			snap.AccountID, accountID)
	}
	if !snap.BusinessDate.Valid() {
		return apperrors.New(apperrors.CodeSnapshotMalformed,
			fmt.Sprintf("snapshot business date %q is not a date", snap.BusinessDate)).
			With("account_id", accountID)
	}
	if businessDate != "" && snap.BusinessDate != businessDate {
		return apperrors.Newf(apperrors.CodeSnapshotMalformed, "snapshot dated %s, requested %s",
			snap.BusinessDate, businessDate).With("account_id", accountID)
	}
	return nil
}
