package datafile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdflake/internal/blob"
	internaldb "cdflake/internal/db"
	"cdflake/internal/db/repository"
	"cdflake/internal/domain"
)

func setupStore(t *testing.T) (*Store, *repository.DataFileRepo, *blob.Local) {
	t.Helper()
	pools := internaldb.OpenTestPools(t)
	files := repository.NewDataFileRepo(pools.Write)
	blobs, err := blob.NewLocal(t.TempDir())
	require.NoError(t, err)
	return NewStore(blobs, files, nil), files, blobs
}

func sampleRows() []domain.Row {
	return []domain.Row{
		{int64(1), "alpha", 1.5, true},
		{int64(2), nil, -0.25, false},
		{int64(3), "", 0.0, nil},
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	data, err := encode(sampleRows())
	require.NoError(t, err)

	rows, err := decode(data)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for i, r := range rows {
		assert.Equal(t, int64(i), r.Seq)
		assert.Equal(t, sampleRows()[i], r.Values)
	}
}

func TestCodec_Deterministic(t *testing.T) {
	a, err := encode(sampleRows())
	require.NoError(t, err)
	b, err := encode(sampleRows())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestCodec_RejectsUnsupportedValues(t *testing.T) {
	_, err := encode([]domain.Row{{int32(1)}})
	require.Error(t, err)
}

func TestStore_WriteAndRead(t *testing.T) {
	s, files, _ := setupStore(t)
	ctx := context.Background()

	f, err := s.WriteFile(ctx, "t1", sampleRows())
	require.NoError(t, err)
	assert.Len(t, f.ID, 64)
	assert.Equal(t, int64(3), f.RowCount)
	assert.Positive(t, f.SizeBytes)

	rows, err := s.ReadFile(ctx, "t1", f.ID)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, domain.Row{int64(2), nil, -0.25, false}, rows[1].Values)

	rec, err := files.Get(ctx, "t1", f.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), rec.RefCount)
}

func TestStore_ContentAddressed(t *testing.T) {
	s, _, _ := setupStore(t)
	ctx := context.Background()

	a, err := s.WriteFile(ctx, "t1", sampleRows())
	require.NoError(t, err)
	b, err := s.WriteFile(ctx, "t1", sampleRows())
	require.NoError(t, err)
	c, err := s.WriteFile(ctx, "t1", sampleRows()[:2])
	require.NoError(t, err)

	assert.Equal(t, a.ID, b.ID)
	assert.NotEqual(t, a.ID, c.ID)
}

func TestStore_EmptyFileRejected(t *testing.T) {
	s, _, _ := setupStore(t)
	_, err := s.WriteFile(context.Background(), "t1", nil)
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestStore_ReadMissing(t *testing.T) {
	s, _, _ := setupStore(t)
	_, err := s.ReadFile(context.Background(), "t1", "deadbeef")
	var nf *domain.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestStore_RetainReleaseAndCollect(t *testing.T) {
	s, files, blobs := setupStore(t)
	ctx := context.Background()

	held, err := s.WriteFile(ctx, "t1", sampleRows())
	require.NoError(t, err)
	orphan, err := s.WriteFile(ctx, "t1", sampleRows()[:1])
	require.NoError(t, err)
	require.NoError(t, s.Retain(ctx, "t1", held.ID))

	// Inside the grace period nothing is collected.
	res, err := s.Collect(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, res.Files)

	res, err = s.Collect(ctx, -time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Files)
	assert.Equal(t, orphan.SizeBytes, res.Bytes)

	_, err = s.ReadFile(ctx, "t1", orphan.ID)
	var nf *domain.NotFoundError
	require.ErrorAs(t, err, &nf)
	_, err = files.Get(ctx, "t1", orphan.ID)
	require.ErrorAs(t, err, &nf)

	ok, err := blobs.Exists(ctx, Key("t1", held.ID))
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Release(ctx, "t1", held.ID))
	res, err = s.Collect(ctx, -time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Files)
	ok, err = blobs.Exists(ctx, Key("t1", held.ID))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_RewriteAfterCollectRestoresFile(t *testing.T) {
	s, _, _ := setupStore(t)
	ctx := context.Background()

	f, err := s.WriteFile(ctx, "t1", sampleRows())
	require.NoError(t, err)
	_, err = s.Collect(ctx, -time.Second)
	require.NoError(t, err)

	again, err := s.WriteFile(ctx, "t1", sampleRows())
	require.NoError(t, err)
	assert.Equal(t, f.ID, again.ID)

	rows, err := s.ReadFile(ctx, "t1", f.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}
