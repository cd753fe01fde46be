package archive

import (
	"context"
	"errors"
	"io"
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

type fakeReflectionSource struct {
	rows []domain.TradeReflection
	err  error
}

func (f *fakeReflectionSource) ClosedSince(since time.Time) ([]domain.TradeReflection, error) {
	return f.rows, f.err
}

func newTestUploader(t *testing.T, source ReflectionSource, handler http.HandlerFunc) *Uploader {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	u, err := New(context.Background(), Config{
		Bucket:    "reflections-test",
		Prefix:    "reflections/",
		Endpoint:  server.URL,
		Region:    "auto",
		AccessKey: "test-key",
		SecretKey: "test-secret",
	}, source, silentLog())
	require.NoError(t, err)
	return u
}

func TestRunOnce_UploadsNDJSONBodyOfClosedReflections(t *testing.T) {
	var gotMethod string
	var gotBody []byte
	source := &fakeReflectionSource{rows: []domain.TradeReflection{
		{DecisionID: "d1", Symbol: "BTC-USDT-SWAP", Outcome: domain.OutcomeProfit, PnlAmount: 42.5},
		{DecisionID: "d2", Symbol: "ETH-USDT-SWAP", Outcome: domain.OutcomeLoss, PnlAmount: -10},
	}}
	u := newTestUploader(t, source, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	})

	err := u.RunOnce(context.Background(), time.Now().Add(-24*time.Hour))

	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Contains(t, string(gotBody), "\"d1\"")
	assert.Contains(t, string(gotBody), "\"d2\"")
}

func TestRunOnce_NoRowsIsANoopAndNeverCallsS3(t *testing.T) {
	called := false
	u := newTestUploader(t, &fakeReflectionSource{}, func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	err := u.RunOnce(context.Background(), time.Now())

	require.NoError(t, err)
	assert.False(t, called)
}

func TestRunOnce_PropagatesReflectionSourceError(t *testing.T) {
	u := newTestUploader(t, &fakeReflectionSource{err: errors.New("reflection source unavailable")}, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("should not reach S3 when the reflection source failed")
	})

	err := u.RunOnce(context.Background(), time.Now())

	assert.Error(t, err)
}

func TestRunOnce_ErrorsWhenUploadFails(t *testing.T) {
	source := &fakeReflectionSource{rows: []domain.TradeReflection{{DecisionID: "d1"}}}
	u := newTestUploader(t, source, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	err := u.RunOnce(context.Background(), time.Now())

	assert.Error(t, err)
}

func TestStart_RejectsAnInvalidCronSchedule(t *testing.T) {
	u := newTestUploader(t, &fakeReflectionSource{}, func(w http.ResponseWriter, r *http.Request) {})

	err := u.Start("not a valid cron expression")

	assert.Error(t, err)
}

func TestStart_DefaultsToDailyAndStopDrainsCleanly(t *testing.T) {
	u := newTestUploader(t, &fakeReflectionSource{}, func(w http.ResponseWriter, r *http.Request) {})

	err := u.Start("")
	require.NoError(t, err)
	u.Stop()
}
