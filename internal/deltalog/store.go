// Package deltalog implements domain.VersionLog as a directory of numbered
// JSON commit files per table, in the style of a Delta Lake _delta_log.
//
// Appends are compare-and-swap through put-if-absent: a commit is written
// to a temporary file and hard-linked to its version path, which fails when
// another writer already claimed that version. Multiple processes may share
// the directory.
package deltalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"cdflake/internal/domain"
)

const (
	deltaDirName         = "_delta_log"
	commitFileSuffix     = ".json"
	checkpointFileSuffix = ".checkpoint.json"
	tempFilePrefix       = ".delta-tmp-"
	versionWidth         = 20
)

// Store is a file-backed version log rooted at a directory holding one
// sub-directory per table.
type Store struct {
	root        string
	prettyPrint bool
	logger      *slog.Logger
}

// Option configures Store construction.
type Option func(*Store)

// WithPrettyJSON toggles indented JSON for easier debugging.
func WithPrettyJSON(enable bool) Option {
	return func(s *Store) { s.prettyPrint = enable }
}

// WithLogger sets the logger used for recoverable anomalies.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Open prepares a Store rooted at dir.
func Open(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, errors.New("log directory required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	s := &Store{root: dir, logger: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Dir returns the _delta_log directory of a table.
func (s *Store) Dir(tableID string) string {
	return filepath.Join(s.root, tableID, deltaDirName)
}

// AppendCommit writes req as version ExpectedBase+1 if that version is
// still unclaimed.
func (s *Store) AppendCommit(ctx context.Context, req domain.CommitRequest) (*domain.CommitRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.TableID == "" {
		return nil, domain.ErrValidation("table id required")
	}
	logDir := s.Dir(req.TableID)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}

	lo, head, err := s.scan(req.TableID)
	if err != nil {
		return nil, err
	}
	if head != req.ExpectedBase {
		return nil, &domain.CommitConflictError{TableID: req.TableID, Expected: req.ExpectedBase, Head: head}
	}

	rec := &domain.CommitRecord{
		Version:      head + 1,
		Timestamp:    time.Now().UTC(),
		AddedFiles:   nonNil(req.AddedFiles),
		RemovedFiles: nonNil(req.RemovedFiles),
		Operation:    req.Operation,
		Metrics:      req.Metrics,
	}

	if head != domain.NoVersion {
		prev, err := s.readCommit(req.TableID, head)
		if err != nil {
			return nil, err
		}
		if !rec.Timestamp.After(prev.Timestamp) {
			rec.Timestamp = prev.Timestamp.Add(time.Nanosecond)
		}
		live, err := s.liveFiles(req.TableID, lo, head, head)
		if err != nil {
			return nil, err
		}
		if err := validateChange(live, rec, head); err != nil {
			return nil, err
		}
	} else if err := validateChange(nil, rec, head); err != nil {
		return nil, err
	}

	err = s.writeExclusive(logDir, s.commitPath(req.TableID, rec.Version), rec)
	if errors.Is(err, os.ErrExist) {
		return nil, &domain.CommitConflictError{TableID: req.TableID, Expected: req.ExpectedBase, Head: rec.Version}
	}
	if err != nil {
		return nil, fmt.Errorf("write commit %d: %w", rec.Version, err)
	}
	return rec, nil
}

func validateChange(live []string, rec *domain.CommitRecord, head int64) error {
	set := make(map[string]bool, len(live))
	for _, id := range live {
		set[id] = true
	}
	seen := make(map[string]bool, len(rec.RemovedFiles))
	for _, id := range rec.RemovedFiles {
		if !set[id] {
			return domain.ErrValidation("removed file %s is not live at version %d", id, head)
		}
		if seen[id] {
			return domain.ErrValidation("file %s listed twice in one commit", id)
		}
		seen[id] = true
		delete(set, id)
	}
	added := make(map[string]bool, len(rec.AddedFiles))
	for _, id := range rec.AddedFiles {
		if set[id] {
			return domain.ErrValidation("added file %s is already live", id)
		}
		if added[id] {
			return domain.ErrValidation("file %s listed twice in one commit", id)
		}
		added[id] = true
	}
	return nil
}

// Head returns the latest committed version.
func (s *Store) Head(_ context.Context, tableID string) (int64, error) {
	_, head, err := s.bounds(tableID)
	return head, err
}

// Horizon returns the oldest retained version.
func (s *Store) Horizon(_ context.Context, tableID string) (int64, error) {
	lo, _, err := s.bounds(tableID)
	return lo, err
}

// ReadHistory returns commits from..to inclusive.
func (s *Store) ReadHistory(ctx context.Context, tableID string, from, to int64) ([]domain.CommitRecord, error) {
	if from < 0 || from > to {
		return nil, &domain.OutOfRangeError{Requested: from, Message: fmt.Sprintf("invalid version range [%d, %d]", from, to)}
	}
	lo, head, err := s.bounds(tableID)
	if err != nil {
		return nil, err
	}
	if to > head {
		return nil, domain.ErrOutOfRange(to, head)
	}
	if from < lo {
		return nil, domain.ErrRetentionExceeded(from, lo)
	}
	out, err := s.readRange(ctx, tableID, from, to)
	if errors.Is(err, os.ErrNotExist) {
		// Pruned underneath us.
		lo, _, _ = s.bounds(tableID)
		return nil, domain.ErrRetentionExceeded(from, lo)
	}
	return out, err
}

// LiveFiles returns the ordered live file set at version.
func (s *Store) LiveFiles(_ context.Context, tableID string, version int64) ([]string, error) {
	lo, head, err := s.bounds(tableID)
	if err != nil {
		return nil, err
	}
	if version < 0 || version > head {
		return nil, domain.ErrOutOfRange(version, head)
	}
	if version < lo {
		return nil, domain.ErrRetentionExceeded(version, lo)
	}
	files, err := s.liveFiles(tableID, lo, head, version)
	if errors.Is(err, os.ErrNotExist) {
		lo, _, _ = s.bounds(tableID)
		return nil, domain.ErrRetentionExceeded(version, lo)
	}
	return files, err
}

func (s *Store) liveFiles(tableID string, lo, head, version int64) ([]string, error) {
	cps, err := s.checkpointVersions(tableID)
	if err != nil {
		return nil, err
	}
	base := []string{}
	start := int64(0)
	for i := len(cps) - 1; i >= 0; i-- {
		if cps[i] <= version {
			cp, err := s.readCheckpoint(tableID, cps[i])
			if err != nil {
				return nil, err
			}
			base = nonNil(cp.LiveFiles)
			start = cps[i] + 1
			break
		}
	}
	if start == 0 && lo > 0 {
		return nil, fmt.Errorf("table %s: history pruned to %d without a checkpoint", tableID, lo)
	}
	if start > version {
		return base, nil
	}
	commits, err := s.readRange(context.Background(), tableID, start, version)
	if err != nil {
		return nil, err
	}
	return domain.ReplayLive(base, commits), nil
}

// WriteCheckpoint stores the live file set at cp.Version.
func (s *Store) WriteCheckpoint(_ context.Context, tableID string, cp domain.Checkpoint) error {
	_, head, err := s.bounds(tableID)
	if err != nil {
		return err
	}
	if cp.Version < 0 || cp.Version > head {
		return domain.ErrOutOfRange(cp.Version, head)
	}
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	cp.LiveFiles = nonNil(cp.LiveFiles)
	return s.writeReplace(s.Dir(tableID), s.checkpointPath(tableID, cp.Version), cp)
}

// Prune removes commits and checkpoints below horizon, oldest first, so
// the retained history stays contiguous if interrupted.
func (s *Store) Prune(ctx context.Context, tableID string, horizon int64) ([]domain.CommitRecord, error) {
	lo, head, err := s.bounds(tableID)
	if err != nil {
		return nil, err
	}
	if horizon > head {
		return nil, domain.ErrOutOfRange(horizon, head)
	}
	if horizon <= lo {
		return nil, nil
	}
	if _, err := os.Stat(s.checkpointPath(tableID, horizon)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, domain.ErrValidation("no checkpoint at version %d", horizon)
		}
		return nil, err
	}
	pruned, err := s.readRange(ctx, tableID, lo, horizon-1)
	if err != nil {
		return nil, err
	}
	for v := lo; v < horizon; v++ {
		if err := os.Remove(s.commitPath(tableID, v)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("prune commit %d: %w", v, err)
		}
	}
	cps, err := s.checkpointVersions(tableID)
	if err != nil {
		return nil, err
	}
	for _, v := range cps {
		if v >= horizon {
			break
		}
		if err := os.Remove(s.checkpointPath(tableID, v)); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("prune checkpoint", "table_id", tableID, "version", v, "error", err)
		}
	}
	return pruned, nil
}

// DropTable removes the table's log directory.
func (s *Store) DropTable(_ context.Context, tableID string) error {
	if tableID == "" {
		return domain.ErrValidation("table id required")
	}
	return os.RemoveAll(filepath.Join(s.root, tableID))
}

func (s *Store) bounds(tableID string) (int64, int64, error) {
	lo, head, err := s.scan(tableID)
	if err != nil {
		return 0, 0, err
	}
	if head == domain.NoVersion {
		return 0, 0, domain.ErrNotFound("table %s has no commits", tableID)
	}
	return lo, head, nil
}

// scan lists the commit files of a table and returns the lowest and highest
// versions, or NoVersion for both when there are none.
func (s *Store) scan(tableID string) (int64, int64, error) {
	entries, err := os.ReadDir(s.Dir(tableID))
	if errors.Is(err, os.ErrNotExist) {
		return domain.NoVersion, domain.NoVersion, nil
	}
	if err != nil {
		return 0, 0, err
	}
	lo, hi := domain.NoVersion, domain.NoVersion
	for _, e := range entries {
		v, ok := parseVersion(e.Name(), commitFileSuffix)
		if !ok || e.IsDir() {
			continue
		}
		if lo == domain.NoVersion || v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi, nil
}

func (s *Store) checkpointVersions(tableID string) ([]int64, error) {
	entries, err := os.ReadDir(s.Dir(tableID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []int64
	for _, e := range entries {
		if v, ok := parseVersion(e.Name(), checkpointFileSuffix); ok {
			out = append(out, v)
		}
	}
	slices.Sort(out)
	return out, nil
}

func parseVersion(name, suffix string) (int64, bool) {
	if !strings.HasSuffix(name, suffix) || strings.HasPrefix(name, tempFilePrefix) {
		return 0, false
	}
	if suffix == commitFileSuffix && strings.HasSuffix(name, checkpointFileSuffix) {
		return 0, false
	}
	v, err := strconv.ParseInt(strings.TrimSuffix(name, suffix), 10, 64)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}

func (s *Store) commitPath(tableID string, version int64) string {
	return filepath.Join(s.Dir(tableID), fmt.Sprintf("%0*d%s", versionWidth, version, commitFileSuffix))
}

func (s *Store) checkpointPath(tableID string, version int64) string {
	return filepath.Join(s.Dir(tableID), fmt.Sprintf("%0*d%s", versionWidth, version, checkpointFileSuffix))
}

func (s *Store) readRange(ctx context.Context, tableID string, from, to int64) ([]domain.CommitRecord, error) {
	out := make([]domain.CommitRecord, 0, to-from+1)
	for v := from; v <= to; v++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c, err := s.readCommit(tableID, v)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, nil
}

func (s *Store) readCommit(tableID string, version int64) (*domain.CommitRecord, error) {
	c := &domain.CommitRecord{}
	if err := readJSONFile(s.commitPath(tableID, version), c); err != nil {
		return nil, err
	}
	c.AddedFiles = nonNil(c.AddedFiles)
	c.RemovedFiles = nonNil(c.RemovedFiles)
	return c, nil
}

func (s *Store) readCheckpoint(tableID string, version int64) (*domain.Checkpoint, error) {
	cp := &domain.Checkpoint{}
	if err := readJSONFile(s.checkpointPath(tableID, version), cp); err != nil {
		return nil, err
	}
	return cp, nil
}

// writeExclusive publishes payload at path only if path does not exist.
func (s *Store) writeExclusive(dir, path string, payload any) error {
	tmpName, err := s.writeTemp(dir, payload)
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmpName) }()
	return os.Link(tmpName, path)
}

// writeReplace atomically publishes payload at path, replacing any file.
func (s *Store) writeReplace(dir, path string, payload any) error {
	tmpName, err := s.writeTemp(dir, payload)
	if err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

func (s *Store) writeTemp(dir string, payload any) (string, error) {
	tmp, err := os.CreateTemp(dir, tempFilePrefix)
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()
	enc := json.NewEncoder(tmp)
	enc.SetEscapeHTML(false)
	if s.prettyPrint {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(payload); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", err
	}
	return tmpName, nil
}

func readJSONFile(path string, dest any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	return json.NewDecoder(f).Decode(dest)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
