package app

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdflake/internal/config"
	internaldb "cdflake/internal/db"
	"cdflake/internal/db/repository"
	"cdflake/internal/deltalog"
	"cdflake/internal/domain"
)

func testConfig(t *testing.T, logBackend string) *config.Config {
	t.Helper()
	return &config.Config{
		MetaDBPath:         filepath.Join(t.TempDir(), "meta.sqlite"),
		DataDir:            t.TempDir(),
		LogBackend:         logBackend,
		StorageBackend:     config.StorageLocal,
		Commit:             config.CommitConfig{MaxRetries: 3},
		Retention:          config.RetentionConfig{RetainVersions: 10},
		CORSAllowedOrigins: []string{"*"},
	}
}

func post(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestNew_LogBackends(t *testing.T) {
	for _, backend := range []string{config.LogBackendSQLite, config.LogBackendFiles} {
		t.Run(backend, func(t *testing.T) {
			ctx := context.Background()
			cfg := testConfig(t, backend)
			a, err := New(ctx, Deps{
				Cfg:    cfg,
				Pools:  internaldb.OpenTestPools(t),
				Logger: slog.New(slog.DiscardHandler),
			})
			require.NoError(t, err)
			assert.Nil(t, a.Scheduler)

			switch backend {
			case config.LogBackendFiles:
				assert.IsType(t, &deltalog.Store{}, a.Log)
			default:
				assert.IsType(t, &repository.CommitLogRepo{}, a.Log)
			}

			rec := post(t, a.Router, "/v1/tables", domain.CreateTableRequest{
				Name: "events",
				Schema: domain.Schema{
					Columns:    []domain.Column{{Name: "id", Type: domain.TypeInt}, {Name: "kind", Type: domain.TypeString}},
					PrimaryKey: []string{"id"},
				},
				ChangeDataFeed: true,
			})
			require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

			rec = post(t, a.Router, "/v1/tables/events/insert", map[string]any{
				"rows": []map[string]any{{"id": 1, "kind": "click"}},
			})
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

			sum, err := a.Services.Tables.GetTable(ctx, "events")
			require.NoError(t, err)
			assert.Equal(t, int64(1), sum.HeadVersion)
		})
	}
}

func TestNew_Scheduler(t *testing.T) {
	cfg := testConfig(t, config.LogBackendSQLite)
	cfg.Retention.VacuumSchedule = "@every 1h"
	a, err := New(context.Background(), Deps{Cfg: cfg, Pools: internaldb.OpenTestPools(t)})
	require.NoError(t, err)
	require.NotNil(t, a.Scheduler)
	require.NoError(t, a.Scheduler.Start())
	a.Scheduler.Stop()
}

func TestNew_BadStorage(t *testing.T) {
	cfg := testConfig(t, config.LogBackendSQLite)
	cfg.StorageBackend = "tape"
	_, err := New(context.Background(), Deps{Cfg: cfg, Pools: internaldb.OpenTestPools(t)})
	require.Error(t, err)
}
