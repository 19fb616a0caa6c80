package version

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/botdock/botdock/pkg/log"
	"github.com/botdock/botdock/pkg/session"
	"github.com/botdock/botdock/pkg/types"
)

// RecordFile is the metadata file inside each versions/<id>/ directory
const RecordFile = "version.json"

// Refs accepted by Resolve in addition to literal version ids
const (
	RefCurrent  = "current"
	RefPrevious = "previous"
)

// Store manages the append-only version history under versions/ on the
// host. Records are never mutated; the only deletion path is retention.
type Store struct {
	sess   session.Session
	layout types.Layout
	logger zerolog.Logger

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewStore returns a version store bound to one session and layout
func NewStore(sess session.Session, layout types.Layout) *Store {
	return &Store{
		sess:    sess,
		layout:  layout,
		logger:  log.WithComponent("version").With().Str("deployment_id", layout.DeploymentID).Logger(),
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// NewID mints a lexicographically sortable version id. Monotonic entropy
// keeps ids strictly increasing even within one millisecond.
func (s *Store) NewID(now time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now.UTC()), s.entropy).String()
}

// Record appends a VersionRecord for a successful build and writes it to
// versions/<id>/version.json on the host
func (s *Store) Record(ctx context.Context, id, configHash, imageDigest, sourceRevision string) (*types.VersionRecord, error) {
	rec := &types.VersionRecord{
		ID:             id,
		CreatedAt:      time.Now().UTC(),
		SourceRevision: sourceRevision,
		ImageDigest:    imageDigest,
		ConfigHash:     configHash,
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal version record: %w", err)
	}

	recordPath := path.Join(s.layout.VersionDir(id), RecordFile)
	if err := s.sess.Upload(ctx, data, recordPath, 0o644); err != nil {
		return nil, err
	}

	s.logger.Info().Str("version", id).Str("digest", imageDigest).Msg("recorded deployment version")
	return rec, nil
}

// List returns all version records in descending id order
func (s *Store) List(ctx context.Context) ([]*types.VersionRecord, error) {
	exists, err := s.sess.Exists(ctx, s.layout.VersionsDir())
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}

	res, err := s.sess.Run(ctx, fmt.Sprintf("ls -1 %s", s.layout.VersionsDir()))
	if err != nil {
		return nil, err
	}

	var records []*types.VersionRecord
	for _, id := range strings.Fields(res.Stdout) {
		rec, err := s.get(ctx, id)
		if err != nil {
			s.logger.Warn().Str("version", id).Err(err).Msg("skipping unreadable version record")
			continue
		}
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].ID > records[j].ID })
	return records, nil
}

func (s *Store) get(ctx context.Context, id string) (*types.VersionRecord, error) {
	data, err := s.sess.Download(ctx, path.Join(s.layout.VersionDir(id), RecordFile))
	if err != nil {
		return nil, err
	}
	var rec types.VersionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse version record %s: %w", id, err)
	}
	return &rec, nil
}

// Resolve maps a ref (current, previous, or a literal id) to its record
func (s *Store) Resolve(ctx context.Context, ref string) (*types.VersionRecord, error) {
	switch ref {
	case RefCurrent:
		id, err := s.CurrentID(ctx)
		if err != nil {
			return nil, err
		}
		return s.get(ctx, id)

	case RefPrevious:
		records, err := s.List(ctx)
		if err != nil {
			return nil, err
		}
		if len(records) < 2 {
			return nil, &types.NoPreviousVersionError{Ref: RefPrevious}
		}
		return records[1], nil

	default:
		records, err := s.List(ctx)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			if rec.ID == ref {
				return rec, nil
			}
		}
		return nil, &types.NoPreviousVersionError{Ref: ref}
	}
}

// CurrentID reads the version id the current/ indirection points at
func (s *Store) CurrentID(ctx context.Context) (string, error) {
	res, err := s.sess.Run(ctx, fmt.Sprintf("readlink %s", s.layout.CurrentLink()))
	if err != nil {
		return "", &types.NoPreviousVersionError{Ref: RefCurrent}
	}
	target := strings.TrimSpace(res.Stdout)
	if target == "" {
		return "", &types.NoPreviousVersionError{Ref: RefCurrent}
	}
	return path.Base(target), nil
}

// ApplyRetention prunes versions that are beyond retention.MaxCount AND
// older than retention.MaxAgeDays (intersection; recent versions survive
// regardless of count). The active version and the one before it are always
// kept so single-step rollback stays possible. Returns the pruned ids.
func (s *Store) ApplyRetention(ctx context.Context, retention types.Retention, activeID, previousID string) ([]string, error) {
	records, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(records) <= retention.MaxCount {
		return nil, nil
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -retention.MaxAgeDays)
	var pruned []string
	for i, rec := range records {
		if i < retention.MaxCount {
			continue
		}
		if !rec.CreatedAt.Before(cutoff) {
			continue
		}
		if rec.ID == activeID || rec.ID == previousID {
			continue
		}
		if _, err := s.sess.Run(ctx, fmt.Sprintf("rm -rf %s", s.layout.VersionDir(rec.ID))); err != nil {
			return pruned, err
		}
		pruned = append(pruned, rec.ID)
	}

	if len(pruned) > 0 {
		s.logger.Info().Strs("pruned", pruned).Msg("retention pruned old versions")
	}
	return pruned, nil
}
