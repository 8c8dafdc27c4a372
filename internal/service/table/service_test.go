package table

import (
	"context"
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
)

type harness struct {
	tables *repository.TableRepo
	log    *repository.CommitLogRepo
	refs   *repository.DataFileRepo
	files  *datafile.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	pools := internaldb.OpenTestPools(t)
	blobs, err := blob.NewLocal(t.TempDir())
	require.NoError(t, err)
	refs := repository.NewDataFileRepo(pools.Write)
	return &harness{
		tables: repository.NewTableRepo(pools.Write),
		log:    repository.NewCommitLogRepo(pools.Write, pools.Read),
		refs:   refs,
		files:  datafile.NewStore(blobs, refs, nil),
	}
}

func (h *harness) service(maxRetries int) *Service {
	return NewService(h.tables, h.log, h.files, config.CommitConfig{
		MaxRetries:  maxRetries,
		BackoffBase: time.Millisecond,
		BackoffCap:  5 * time.Millisecond,
	}, nil)
}

var customerSchema = domain.Schema{
	Columns: []domain.Column{
		{Name: "id", Type: domain.TypeInt},
		{Name: "name", Type: domain.TypeString},
		{Name: "address", Type: domain.TypeString},
	},
	PrimaryKey: []string{"id"},
}

func createCustomers(t *testing.T, svc *Service) {
	t.Helper()
	_, err := svc.CreateTable(context.Background(), domain.CreateTableRequest{
		Name: "customers", Schema: customerSchema, ChangeDataFeed: true,
	})
	require.NoError(t, err)
}

func rowsAt(t *testing.T, svc *Service, version *int64) []domain.Row {
	t.Helper()
	snap, err := svc.Snapshot(context.Background(), "customers", version)
	require.NoError(t, err)
	return snap.Rows
}

func ptr[T any](v T) *T { return &v }

func TestCreateTable(t *testing.T) {
	h := newHarness(t)
	svc := h.service(3)
	ctx := context.Background()

	sum, err := svc.CreateTable(ctx, domain.CreateTableRequest{Name: "customers", Schema: customerSchema})
	require.NoError(t, err)
	assert.Equal(t, int64(0), sum.HeadVersion)
	assert.NotEmpty(t, sum.ID)

	hist, err := svc.History(ctx, "customers")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, domain.OperationCreate, hist[0].Operation.Type)

	_, err = svc.CreateTable(ctx, domain.CreateTableRequest{Name: "customers", Schema: customerSchema})
	var conflict *domain.ConflictError
	assert.ErrorAs(t, err, &conflict)

	list, err := svc.ListTables(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "customers", list[0].Name)
}

func TestCreateTable_Validation(t *testing.T) {
	svc := newHarness(t).service(3)
	tests := []struct {
		name string
		req  domain.CreateTableRequest
	}{
		{"bad table name", domain.CreateTableRequest{Name: "1abc", Schema: customerSchema}},
		{"reserved column", domain.CreateTableRequest{Name: "t", Schema: domain.Schema{
			Columns:    []domain.Column{{Name: "in", Type: domain.TypeInt}},
			PrimaryKey: []string{"in"},
		}}},
		{"no primary key", domain.CreateTableRequest{Name: "t", Schema: domain.Schema{
			Columns: []domain.Column{{Name: "id", Type: domain.TypeInt}},
		}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.CreateTable(context.Background(), tc.req)
			var ve *domain.ValidationError
			assert.ErrorAs(t, err, &ve)
		})
	}
}

func TestInsertAndSnapshot(t *testing.T) {
	svc := newHarness(t).service(3)
	ctx := context.Background()
	createCustomers(t, svc)

	rec, err := svc.Insert(ctx, "customers", []domain.Row{
		{1, "Ada", "1 Main St"},
		{2, "Bob", nil},
	}, domain.MutationOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Version)
	assert.Len(t, rec.AddedFiles, 1)
	assert.Empty(t, rec.RemovedFiles)
	assert.Equal(t, int64(2), rec.Metrics.RowsInserted)

	assert.ElementsMatch(t, []domain.Row{
		{int64(1), "Ada", "1 Main St"},
		{int64(2), "Bob", nil},
	}, rowsAt(t, svc, nil))
	assert.Empty(t, rowsAt(t, svc, ptr(int64(0))))

	_, err = svc.Snapshot(ctx, "customers", ptr(int64(5)))
	var oor *domain.OutOfRangeError
	assert.ErrorAs(t, err, &oor)
}

func TestInsert_PrimaryKeyViolations(t *testing.T) {
	svc := newHarness(t).service(3)
	ctx := context.Background()
	createCustomers(t, svc)
	_, err := svc.Insert(ctx, "customers", []domain.Row{{1, "Ada", nil}}, domain.MutationOptions{})
	require.NoError(t, err)

	var ve *domain.ValidationError
	_, err = svc.Insert(ctx, "customers", []domain.Row{{1, "Again", nil}}, domain.MutationOptions{})
	assert.ErrorAs(t, err, &ve, "existing key")

	_, err = svc.Insert(ctx, "customers", []domain.Row{{2, "A", nil}, {2, "B", nil}}, domain.MutationOptions{})
	assert.ErrorAs(t, err, &ve, "duplicate key in batch")

	_, err = svc.Insert(ctx, "customers", []domain.Row{{nil, "A", nil}}, domain.MutationOptions{})
	assert.ErrorAs(t, err, &ve, "null key")

	_, err = svc.Update(ctx, "customers", "id == 1", map[string]string{"name": `"Ada"`}, domain.MutationOptions{})
	require.NoError(t, err)
	_, err = svc.Insert(ctx, "customers", []domain.Row{{2, "Bob", nil}}, domain.MutationOptions{})
	require.NoError(t, err)
	_, err = svc.Update(ctx, "customers", "id == 2", map[string]string{"id": "1"}, domain.MutationOptions{})
	assert.ErrorAs(t, err, &ve, "update collides with live key")

	head, err := svc.GetTable(ctx, "customers")
	require.NoError(t, err)
	assert.Equal(t, int64(3), head.HeadVersion, "rejected mutations must not commit")
}

func TestDeleteRewritesOnlyMatchingFiles(t *testing.T) {
	svc := newHarness(t).service(3)
	ctx := context.Background()
	createCustomers(t, svc)

	first, err := svc.Insert(ctx, "customers", []domain.Row{{1, "Ada", nil}, {2, "Bob", nil}}, domain.MutationOptions{})
	require.NoError(t, err)
	second, err := svc.Insert(ctx, "customers", []domain.Row{{3, "Cy", nil}}, domain.MutationOptions{})
	require.NoError(t, err)

	rec, err := svc.Delete(ctx, "customers", "id == 1", domain.MutationOptions{})
	require.NoError(t, err)
	assert.Equal(t, first.AddedFiles, rec.RemovedFiles)
	assert.Len(t, rec.AddedFiles, 1)
	assert.NotContains(t, rec.RemovedFiles, second.AddedFiles[0])
	assert.Equal(t, int64(1), rec.Metrics.RowsDeleted)

	// Deleting every row of a file drops it without a replacement.
	rec, err = svc.Delete(ctx, "customers", "id == 3", domain.MutationOptions{})
	require.NoError(t, err)
	assert.Equal(t, second.AddedFiles, rec.RemovedFiles)
	assert.Empty(t, rec.AddedFiles)

	assert.Equal(t, []domain.Row{{int64(2), "Bob", nil}}, rowsAt(t, svc, nil))
}

func TestRangePredicateSkipsNullColumns(t *testing.T) {
	svc := newHarness(t).service(3)
	ctx := context.Background()
	_, err := svc.CreateTable(ctx, domain.CreateTableRequest{
		Name: "stock",
		Schema: domain.Schema{
			Columns:    []domain.Column{{Name: "id", Type: domain.TypeInt}, {Name: "qty", Type: domain.TypeInt}},
			PrimaryKey: []string{"id"},
		},
	})
	require.NoError(t, err)
	_, err = svc.Insert(ctx, "stock", []domain.Row{{1, 10}, {2, nil}, {3, 3}}, domain.MutationOptions{})
	require.NoError(t, err)

	rec, err := svc.Update(ctx, "stock", "qty < 5", map[string]string{"qty": "qty + 1"}, domain.MutationOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Metrics.RowsUpdated)

	rec, err = svc.Delete(ctx, "stock", "qty > 5", domain.MutationOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Metrics.RowsDeleted)

	// Arithmetic on a NULL operand assigns NULL.
	_, err = svc.Update(ctx, "stock", "id == 3", map[string]string{"qty": "qty * 0 + id"}, domain.MutationOptions{})
	require.NoError(t, err)
	_, err = svc.Update(ctx, "stock", "id == 2", map[string]string{"qty": "qty + 1"}, domain.MutationOptions{})
	require.NoError(t, err)

	snap, err := svc.Snapshot(ctx, "stock", nil)
	require.NoError(t, err)
	assert.ElementsMatch(t, []domain.Row{{int64(2), nil}, {int64(3), int64(3)}}, snap.Rows)
}

func TestNoMatchCommitsEmptyVersion(t *testing.T) {
	svc := newHarness(t).service(3)
	ctx := context.Background()
	createCustomers(t, svc)
	_, err := svc.Insert(ctx, "customers", []domain.Row{{1, "Ada", nil}}, domain.MutationOptions{})
	require.NoError(t, err)

	rec, err := svc.Delete(ctx, "customers", "id == 99", domain.MutationOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Version)
	assert.Empty(t, rec.AddedFiles)
	assert.Empty(t, rec.RemovedFiles)
	assert.Equal(t, rowsAt(t, svc, ptr(int64(1))), rowsAt(t, svc, nil))
}

func TestUpdate_IdenticalRewriteIsDropped(t *testing.T) {
	svc := newHarness(t).service(3)
	ctx := context.Background()
	createCustomers(t, svc)
	_, err := svc.Insert(ctx, "customers", []domain.Row{{1, "Ada", nil}}, domain.MutationOptions{})
	require.NoError(t, err)

	rec, err := svc.Update(ctx, "customers", "id == 1", map[string]string{"name": "name"}, domain.MutationOptions{})
	require.NoError(t, err)
	assert.Empty(t, rec.AddedFiles)
	assert.Empty(t, rec.RemovedFiles)
	assert.Equal(t, int64(1), rec.Metrics.RowsUpdated)
}

func TestUpdate_AddressChange(t *testing.T) {
	svc := newHarness(t).service(3)
	ctx := context.Background()
	createCustomers(t, svc)
	_, err := svc.Insert(ctx, "customers", []domain.Row{
		{1, "Ada", "1 Main St"},
		{2, "Bob", "2 Side St"},
	}, domain.MutationOptions{})
	require.NoError(t, err)

	rec, err := svc.Update(ctx, "customers", "id == 1",
		map[string]string{"address": `"9 New Rd"`}, domain.MutationOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), rec.Version)
	assert.Equal(t, int64(1), rec.Metrics.RowsUpdated)
	assert.Len(t, rec.RemovedFiles, 1)
	assert.Len(t, rec.AddedFiles, 1)

	assert.ElementsMatch(t, []domain.Row{
		{int64(1), "Ada", "9 New Rd"},
		{int64(2), "Bob", "2 Side St"},
	}, rowsAt(t, svc, nil))
	assert.ElementsMatch(t, []domain.Row{
		{int64(1), "Ada", "1 Main St"},
		{int64(2), "Bob", "2 Side St"},
	}, rowsAt(t, svc, ptr(int64(1))))
}

func TestUpdate_AssignmentsSeePreUpdateRow(t *testing.T) {
	svc := newHarness(t).service(3)
	ctx := context.Background()
	createCustomers(t, svc)
	_, err := svc.Insert(ctx, "customers", []domain.Row{{1, "Ada", "x"}}, domain.MutationOptions{})
	require.NoError(t, err)

	_, err = svc.Update(ctx, "customers", "",
		map[string]string{"name": "address", "address": "name"}, domain.MutationOptions{})
	require.NoError(t, err)
	assert.Equal(t, []domain.Row{{int64(1), "x", "Ada"}}, rowsAt(t, svc, nil))
}

func TestMerge_LastSourceRowWins(t *testing.T) {
	svc := newHarness(t).service(3)
	ctx := context.Background()
	createCustomers(t, svc)
	_, err := svc.Insert(ctx, "customers", []domain.Row{{1, "Ada", "old"}}, domain.MutationOptions{})
	require.NoError(t, err)

	rec, err := svc.Merge(ctx, "customers", domain.MergeRequest{
		Source: []domain.Row{
			{1, "Ada", "first"},
			{2, "Bob", "first"},
			{1, "Ada", "last"},
			{2, "Bob", "last"},
		},
		MatchKey:       []string{"id"},
		WhenMatched:    &domain.MatchedClause{},
		WhenNotMatched: &domain.NotMatchedClause{},
	}, domain.MutationOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.CommitMetrics{RowsInserted: 1, RowsUpdated: 1}, rec.Metrics)

	assert.ElementsMatch(t, []domain.Row{
		{int64(1), "Ada", "last"},
		{int64(2), "Bob", "last"},
	}, rowsAt(t, svc, nil))
}

func TestMerge_Clauses(t *testing.T) {
	svc := newHarness(t).service(3)
	ctx := context.Background()
	createCustomers(t, svc)
	_, err := svc.Insert(ctx, "customers", []domain.Row{
		{1, "Ada", "a"},
		{2, "Bob", "b"},
		{3, "Cy", "c"},
	}, domain.MutationOptions{})
	require.NoError(t, err)

	rec, err := svc.Merge(ctx, "customers", domain.MergeRequest{
		Source: []domain.Row{
			{1, "Ada", "a"},
			{2, "Bob", "z"},
			{4, "Dee", "d"},
			{5, "Eve", "e"},
		},
		MatchKey: []string{"id"},
		WhenMatched: &domain.MatchedClause{
			Condition: "target.address != source.address",
			Set:       map[string]string{"address": `target.address + "->" + source.address`},
		},
		WhenNotMatched: &domain.NotMatchedClause{Condition: "source.id < 5"},
	}, domain.MutationOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.CommitMetrics{RowsInserted: 1, RowsUpdated: 1}, rec.Metrics)

	assert.ElementsMatch(t, []domain.Row{
		{int64(1), "Ada", "a"},
		{int64(2), "Bob", "b->z"},
		{int64(3), "Cy", "c"},
		{int64(4), "Dee", "d"},
	}, rowsAt(t, svc, nil))

	rec, err = svc.Merge(ctx, "customers", domain.MergeRequest{
		Source:      []domain.Row{{3, "", nil}, {4, "", nil}},
		MatchKey:    []string{"id"},
		WhenMatched: &domain.MatchedClause{Condition: "target.id == 3", Delete: true},
	}, domain.MutationOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Metrics.RowsDeleted)
	assert.Len(t, rowsAt(t, svc, nil), 3)
}

func TestMerge_Validation(t *testing.T) {
	svc := newHarness(t).service(3)
	ctx := context.Background()
	createCustomers(t, svc)

	var ve *domain.ValidationError
	_, err := svc.Merge(ctx, "customers", domain.MergeRequest{
		Source:   []domain.Row{{1, "Ada", nil}},
		MatchKey: []string{"name"},
	}, domain.MutationOptions{})
	assert.ErrorAs(t, err, &ve)

	_, err = svc.Merge(ctx, "customers", domain.MergeRequest{
		Source:      []domain.Row{{1, "Ada", nil}},
		MatchKey:    []string{"id"},
		WhenMatched: &domain.MatchedClause{Delete: true, Set: map[string]string{"name": `"x"`}},
	}, domain.MutationOptions{})
	assert.ErrorAs(t, err, &ve)
}

func TestConcurrentDisjointMutationsBothCommit(t *testing.T) {
	h := newHarness(t)
	a := h.service(3)
	b := h.service(3)
	ctx := context.Background()
	createCustomers(t, a)
	_, err := a.Insert(ctx, "customers", []domain.Row{{1, "Ada", "a"}}, domain.MutationOptions{})
	require.NoError(t, err)

	// b commits on the same base after a has planned its first attempt.
	a.beforeAppend = func(attempt int) {
		if attempt == 0 {
			_, err := b.Insert(ctx, "customers", []domain.Row{{2, "Bob", "b"}}, domain.MutationOptions{})
			require.NoError(t, err)
		}
	}
	rec, err := a.Update(ctx, "customers", "id == 1", map[string]string{"address": `"moved"`}, domain.MutationOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), rec.Version)

	assert.ElementsMatch(t, []domain.Row{
		{int64(1), "Ada", "moved"},
		{int64(2), "Bob", "b"},
	}, rowsAt(t, a, nil))
}

func TestWriteConflictAfterRetries(t *testing.T) {
	h := newHarness(t)
	a := h.service(0)
	b := h.service(3)
	ctx := context.Background()
	createCustomers(t, a)

	a.beforeAppend = func(int) {
		_, err := b.Insert(ctx, "customers", []domain.Row{{2, "Bob", "b"}}, domain.MutationOptions{})
		require.NoError(t, err)
	}
	_, err := a.Insert(ctx, "customers", []domain.Row{{1, "Ada", "a"}}, domain.MutationOptions{})
	var wc *domain.WriteConflictError
	require.ErrorAs(t, err, &wc)
	assert.Equal(t, "customers", wc.Table)
	assert.Equal(t, 1, wc.Attempts)
	assert.Equal(t, int64(1), wc.Head)

	// The losing writer's file is unreferenced and left for collection.
	table, err := a.GetTable(ctx, "customers")
	require.NoError(t, err)
	files, err := h.refs.ListByTable(ctx, table.ID)
	require.NoError(t, err)
	require.Len(t, files, 2)
	var refs []int64
	for _, f := range files {
		refs = append(refs, f.RefCount)
	}
	assert.ElementsMatch(t, []int64{0, 1}, refs)
}

func TestSnapshotReplayIsDeterministic(t *testing.T) {
	h := newHarness(t)
	svc := h.service(3)
	ctx := context.Background()
	createCustomers(t, svc)
	_, err := svc.Insert(ctx, "customers", []domain.Row{{1, "Ada", "a"}, {2, "Bob", "b"}}, domain.MutationOptions{})
	require.NoError(t, err)
	_, err = svc.Update(ctx, "customers", "id == 2", map[string]string{"address": `"c"`}, domain.MutationOptions{})
	require.NoError(t, err)
	_, err = svc.Delete(ctx, "customers", "id == 1", domain.MutationOptions{})
	require.NoError(t, err)

	for v := int64(0); v <= 3; v++ {
		first := rowsAt(t, svc, ptr(v))
		again := rowsAt(t, h.service(3), ptr(v))
		assert.Equal(t, first, again, "version %d", v)
	}
}

func TestCommitMetadata(t *testing.T) {
	svc := newHarness(t).service(3)
	ctx := domain.WithPrincipal(context.Background(), "alice")
	createCustomers(t, svc)

	_, err := svc.Insert(ctx, "customers", []domain.Row{{1, "Ada", nil}},
		domain.MutationOptions{UserMetadata: ptr("backfill")})
	require.NoError(t, err)
	_, err = svc.Delete(ctx, "customers", "id == 1", domain.MutationOptions{})
	require.NoError(t, err)

	hist, err := svc.History(ctx, "customers")
	require.NoError(t, err)
	require.Len(t, hist, 3)
	require.NotNil(t, hist[1].Operation.UserMetadata)
	assert.Equal(t, "backfill", *hist[1].Operation.UserMetadata)
	assert.Equal(t, "alice", hist[1].Operation.Principal)
	assert.Nil(t, hist[2].Operation.UserMetadata, "metadata is per call")
}

func TestDropTableReleasesFiles(t *testing.T) {
	h := newHarness(t)
	svc := h.service(3)
	ctx := context.Background()
	createCustomers(t, svc)
	_, err := svc.Insert(ctx, "customers", []domain.Row{{1, "Ada", nil}}, domain.MutationOptions{})
	require.NoError(t, err)
	sum, err := svc.GetTable(ctx, "customers")
	require.NoError(t, err)

	require.NoError(t, svc.DropTable(ctx, "customers"))

	_, err = svc.GetTable(ctx, "customers")
	var nf *domain.NotFoundError
	assert.ErrorAs(t, err, &nf)

	files, err := h.refs.ListByTable(ctx, sum.ID)
	require.NoError(t, err)
	for _, f := range files {
		assert.Zero(t, f.RefCount)
	}

	_, err = svc.Insert(ctx, "customers", []domain.Row{{1, "Ada", nil}}, domain.MutationOptions{})
	assert.ErrorAs(t, err, &nf)
}

func TestCancelledMutationDoesNotCommit(t *testing.T) {
	svc := newHarness(t).service(3)
	createCustomers(t, svc)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Insert(ctx, "customers", []domain.Row{{1, "Ada", nil}}, domain.MutationOptions{})
	require.Error(t, err)

	sum, err := svc.GetTable(context.Background(), "customers")
	require.NoError(t, err)
	assert.Equal(t, int64(0), sum.HeadVersion)
}
