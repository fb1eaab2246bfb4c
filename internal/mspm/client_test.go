package mspm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fx_platform/internal/config"
	"fx_platform/internal/core"
	apperrors "fx_platform/pkg/errors"
)

type mockLogger struct{}

func (m *mockLogger) Debug(msg string, fields ...interface{})               {}
func (m *mockLogger) Info(msg string, fields ...interface{})                {}
func (m *mockLogger) Warn(msg string, fields ...interface{})                {}
func (m *mockLogger) Error(msg string, fields ...interface{})               {}
func (m *mockLogger) Fatal(msg string, fields ...interface{})               {}
func (m *mockLogger) WithField(key string, value interface{}) core.ILogger  { return m }
func (m *mockLogger) WithFields(fields map[string]interface{}) core.ILogger { return m }

func newTestClient(url string, timeoutSec int) *Client {
	return NewClient(config.MSPMConfig{BaseURL: url, APIKey: "test-key", TimeoutSeconds: timeoutSec}, &mockLogger{})
}

func snapshotJSON(accountID int64, date string) []byte {
	snap := core.AccountSnapshot{
		AccountID:    accountID,
		ClientID:     1,
		ClientName:   "Alpha Capital",
		FundID:       11,
		FundName:     "Alpha Global",
		BaseCurrency: "USD",
		BusinessDate: core.BusinessDate(date),
		Positions: []core.SnapshotRow{
			{ProductID: 7, Ticker: "AAPL", AssetClass: core.AssetEquity, IssueCurrency: "USD", Quantity: dec("500"), Price: dec("212.5"), ExternalRefID: "EXT-1"},
		},
	}
	raw, _ := json.Marshal(snap)
	return raw
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestFetchSnapshot_OK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/accounts/100/positions", r.URL.Path)
		assert.Equal(t, "2025-03-14", r.URL.Query().Get("businessDate"))
		assert.Equal(t, "test-key", r.Header.Get("X-API-Key"))
		w.Header().Set("Content-Type", "application/json")
		w.Write(snapshotJSON(100, "2025-03-14"))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 5)
	snap, err := c.FetchSnapshot(context.Background(), 100, "2025-03-14")
	require.NoError(t, err)
	assert.Equal(t, int64(100), snap.AccountID)
	require.Len(t, snap.Positions, 1)
	assert.Equal(t, "AAPL", snap.Positions[0].Ticker)
}

func TestFetchSnapshot_ServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 5)
	_, err := c.FetchSnapshot(context.Background(), 100, "2025-03-14")
	require.Error(t, err)
	code, ok := apperrors.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeMSPMUnavailable, code)
	assert.True(t, apperrors.IsRetryable(err))
}

func TestFetchSnapshot_ClientErrorIsNotRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown account", http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 5)
	_, err := c.FetchSnapshot(context.Background(), 100, "2025-03-14")
	require.Error(t, err)
	code, ok := apperrors.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeSnapshotMalformed, code)
	assert.False(t, apperrors.IsRetryable(err))
}

func TestFetchSnapshot_WrongAccountRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(snapshotJSON(999, "2025-03-14"))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 5)
	_, err := c.FetchSnapshot(context.Background(), 100, "2025-03-14")
	require.Error(t, err)
	code, _ := apperrors.CodeOf(err)
	assert.Equal(t, apperrors.CodeSnapshotMalformed, code)
}

func TestFetchSnapshot_TimeoutMapsToFeedTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.Write(snapshotJSON(100, "2025-03-14"))
	}))
	defer srv.Close()

	c := NewClient(config.MSPMConfig{BaseURL: srv.URL, TimeoutSeconds: 1}, &mockLogger{})
	c.http.SetTimeout(50 * time.Millisecond)

	_, err := c.FetchSnapshot(context.Background(), 100, "2025-03-14")
	require.Error(t, err)
	code, ok := apperrors.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeFeedTimeout, code)
}

func TestCheckHealth(t *testing.T) {
	healthy := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/health" && healthy {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, 5)
	require.NoError(t, c.CheckHealth(context.Background()))

	healthy = false
	assert.Error(t, c.CheckHealth(context.Background()))
}
