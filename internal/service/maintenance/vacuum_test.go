package maintenance

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdflake/internal/blob"
	"cdflake/internal/config"
	"cdflake/internal/datafile"
	internaldb "cdflake/internal/db"
	"cdflake/internal/db/repository"
	"cdflake/internal/domain"
	"cdflake/internal/service/table"
)

type env struct {
	tables *table.Service
	files  *datafile.Store
	refs   *repository.DataFileRepo
	vacuum *Service
}

func newEnv(t *testing.T, retain int64) *env {
	t.Helper()
	pools := internaldb.OpenTestPools(t)
	blobs, err := blob.NewLocal(t.TempDir())
	require.NoError(t, err)
	repo := repository.NewTableRepo(pools.Write)
	log := repository.NewCommitLogRepo(pools.Write, pools.Read)
	refs := repository.NewDataFileRepo(pools.Write)
	logger := slog.New(slog.DiscardHandler)
	files := datafile.NewStore(blobs, refs, logger)
	return &env{
		tables: table.NewService(repo, log, files, config.CommitConfig{MaxRetries: 3}, logger),
		files:  files,
		refs:   refs,
		vacuum: NewService(repo, log, files, files,
			config.RetentionConfig{RetainVersions: retain, FileGCGrace: 0}, logger),
	}
}

var schema = domain.Schema{
	Columns: []domain.Column{
		{Name: "id", Type: domain.TypeInt},
		{Name: "v", Type: domain.TypeString},
	},
	PrimaryKey: []string{"id"},
}

func TestVacuum_PrunesHistoryAndCollectsRemovedFiles(t *testing.T) {
	e := newEnv(t, 0)
	ctx := context.Background()
	sum, err := e.tables.CreateTable(ctx, domain.CreateTableRequest{Name: "t", Schema: schema})
	require.NoError(t, err)

	v1, err := e.tables.Insert(ctx, "t", []domain.Row{{1, "a"}}, domain.MutationOptions{})
	require.NoError(t, err)
	v2, err := e.tables.Update(ctx, "t", "", map[string]string{"v": `"b"`}, domain.MutationOptions{})
	require.NoError(t, err)
	_, err = e.tables.Update(ctx, "t", "", map[string]string{"v": `"c"`}, domain.MutationOptions{})
	require.NoError(t, err)

	res, err := e.vacuum.Vacuum(ctx, "t")
	require.NoError(t, err)
	require.Len(t, res.Tables, 1)
	assert.Equal(t, TableResult{Table: "t", Horizon: 3, CommitsPruned: 3, FilesReleased: 1}, res.Tables[0])
	assert.Equal(t, 1, res.Collected.Files)

	// The file removed by a pruned commit is gone; the one removed by the
	// retained commit is still referenced.
	_, err = e.files.ReadFile(ctx, sum.ID, v1.AddedFiles[0])
	var nf *domain.NotFoundError
	assert.ErrorAs(t, err, &nf)
	_, err = e.files.ReadFile(ctx, sum.ID, v2.AddedFiles[0])
	assert.NoError(t, err)

	hist, err := e.tables.History(ctx, "t")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, int64(3), hist[0].Version)

	snap, err := e.tables.Snapshot(ctx, "t", nil)
	require.NoError(t, err)
	assert.Equal(t, []domain.Row{{int64(1), "c"}}, snap.Rows)

	_, err = e.tables.Snapshot(ctx, "t", func() *int64 { v := int64(1); return &v }())
	var re *domain.RetentionExceededError
	assert.ErrorAs(t, err, &re)

	// Mutations keep working on top of the checkpoint.
	_, err = e.tables.Insert(ctx, "t", []domain.Row{{2, "x"}}, domain.MutationOptions{})
	require.NoError(t, err)
}

func TestVacuum_NothingToPrune(t *testing.T) {
	e := newEnv(t, 100)
	ctx := context.Background()
	_, err := e.tables.CreateTable(ctx, domain.CreateTableRequest{Name: "t", Schema: schema})
	require.NoError(t, err)
	_, err = e.tables.Insert(ctx, "t", []domain.Row{{1, "a"}}, domain.MutationOptions{})
	require.NoError(t, err)

	res, err := e.vacuum.Vacuum(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, res.Tables)
	assert.Zero(t, res.Collected.Files)

	hist, err := e.tables.History(ctx, "t")
	require.NoError(t, err)
	assert.Len(t, hist, 2)
}

func TestVacuum_CollectsOrphansAndDroppedTables(t *testing.T) {
	e := newEnv(t, 100)
	ctx := context.Background()
	sum, err := e.tables.CreateTable(ctx, domain.CreateTableRequest{Name: "t", Schema: schema})
	require.NoError(t, err)
	_, err = e.tables.Insert(ctx, "t", []domain.Row{{1, "a"}}, domain.MutationOptions{})
	require.NoError(t, err)

	// A file written by a mutation that never committed.
	orphan, err := e.files.WriteFile(ctx, sum.ID, []domain.Row{{int64(9), "z"}})
	require.NoError(t, err)

	res, err := e.vacuum.Vacuum(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Collected.Files)
	_, err = e.refs.Get(ctx, sum.ID, orphan.ID)
	var nf *domain.NotFoundError
	assert.ErrorAs(t, err, &nf)

	require.NoError(t, e.tables.DropTable(ctx, "t"))
	res, err = e.vacuum.Vacuum(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Collected.Files)
	files, err := e.refs.ListByTable(ctx, sum.ID)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestVacuum_UnknownTable(t *testing.T) {
	e := newEnv(t, 1)
	_, err := e.vacuum.Vacuum(context.Background(), "missing")
	var nf *domain.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestScheduler(t *testing.T) {
	e := newEnv(t, 1)
	logger := slog.New(slog.DiscardHandler)

	bad := NewScheduler(e.vacuum, "not a schedule", logger)
	assert.Error(t, bad.Start())

	s := NewScheduler(e.vacuum, "@every 1h", logger)
	require.NoError(t, s.Start())
	s.run(context.Background())
	s.Stop()
}

func TestScheduler_SkipsOverlappingRuns(t *testing.T) {
	e := newEnv(t, 1)
	s := NewScheduler(e.vacuum, "@every 1h", nil)
	s.running = true

	done := make(chan struct{})
	go func() {
		s.run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("overlapping run did not return")
	}
	assert.True(t, s.running, "skipped run must not reset the running flag")
}
