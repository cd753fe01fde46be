package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aristath/cryptosentinel/internal/domain"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func silentLog() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

type fakeFunds struct{ available float64 }

func (f fakeFunds) GetAvailable() float64 { return f.available }

type fakeDecisions struct {
	rows []domain.DecisionRecord
	err  error
}

func (f fakeDecisions) Recent(limit int) ([]domain.DecisionRecord, error) { return f.rows, f.err }

func newTestServer(funds FundSnapshot, decisions DecisionHistory, startedAt time.Time) *Server {
	return New(Config{Port: 0, Log: silentLog(), Funds: funds, Decisions: decisions, StartedAt: startedAt})
}

func TestHandleHealth_ReportsOKAndUptime(t *testing.T) {
	s := newTestServer(fakeFunds{available: 1000}, fakeDecisions{}, time.Now().Add(-5*time.Second))
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.GreaterOrEqual(t, body.UptimeSecs, 5.0)
}

func TestHandleStatus_ReportsAvailableFundsAndUptime(t *testing.T) {
	s := newTestServer(fakeFunds{available: 4242.5}, fakeDecisions{}, time.Now())
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body statusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 4242.5, body.AvailableFunds)
}

func TestHandleDecisions_ReturnsRecentList(t *testing.T) {
	rows := []domain.DecisionRecord{{ID: "d1", Title: "BTC decision"}}
	s := newTestServer(fakeFunds{}, fakeDecisions{rows: rows}, time.Now())
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/decisions")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body []domain.DecisionRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body, 1)
	assert.Equal(t, "d1", body[0].ID)
}

func TestHandleDecisions_Returns500WhenStoreErrors(t *testing.T) {
	s := newTestServer(fakeFunds{}, fakeDecisions{err: errors.New("db unavailable")}, time.Now())
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/decisions")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestCORS_AllowsGetFromAnyOrigin(t *testing.T) {
	s := newTestServer(fakeFunds{}, fakeDecisions{}, time.Now())
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://dashboard.example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
