package watchlist

import (
	"context"
	"coursewatch/internal/components/assert"
	"coursewatch/internal/components/chrono"
	"coursewatch/internal/components/telemetry"
	"coursewatch/pkg/migrations"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
)

//go:embed schema.sql
var Schema string

const (
	report_store_all      = "store.all"
	report_store_maintain = "store.maintain"
)

// Entry is one user's watchlist.
type Entry struct {
	UserId  string
	Courses []string
}

// Store maps users to the sorted, deduplicated set of course ids they watch.
//
// Every exported method holds the lock for exactly one operation, never across
// calls, so a Get followed by a Set is not atomic.
type Store struct {
	db  *sql.DB
	tel telemetry.API

	mutex sync.RWMutex
}

func NewStore(ctx context.Context, db *sql.DB, tel telemetry.API) (*Store, error) {
	assert.NotNil(db, "db")
	assert.NotNil(tel, "tel")

	err := migrations.Apply(ctx, db, Schema)
	if err != nil {
		return nil, err
	}
	return &Store{
		db:  db,
		tel: telemetry.NewScopedAPI("watchlist", tel),
	}, nil
}

// Normalize sorts and deduplicates a set of course ids in place.
func Normalize(courses []string) []string {
	slices.Sort(courses)
	return slices.Compact(courses)
}

func (s *Store) get(ctx context.Context, userId string) ([]string, error) {
	var encoded string
	err := s.db.QueryRowContext(
		ctx,
		"select courses from watchlist where user_id = ?",
		userId,
	).Scan(&encoded)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get watchlist of %s: %w", userId, err)
	}

	var courses []string
	err = json.Unmarshal([]byte(encoded), &courses)
	if err != nil {
		return nil, fmt.Errorf("decode watchlist of %s: %w", userId, err)
	}
	return courses, nil
}

func (s *Store) set(ctx context.Context, userId string, courses []string) error {
	courses = Normalize(slices.Clone(courses))
	if len(courses) == 0 {
		_, err := s.db.ExecContext(ctx, "delete from watchlist where user_id = ?", userId)
		if err != nil {
			return fmt.Errorf("delete watchlist of %s: %w", userId, err)
		}
		return nil
	}

	encoded, err := json.Marshal(courses)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(
		ctx,
		`insert into watchlist(user_id, courses) values (?, ?)
		on conflict(user_id) do update set courses = excluded.courses`,
		userId,
		string(encoded),
	)
	if err != nil {
		return fmt.Errorf("set watchlist of %s: %w", userId, err)
	}
	return nil
}

// Get returns the courses a user watches, a user without any has an empty set.
func (s *Store) Get(ctx context.Context, userId string) ([]string, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.get(ctx, userId)
}

// Set replaces the courses a user watches, an empty set removes the user.
func (s *Store) Set(ctx context.Context, userId string, courses []string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.set(ctx, userId, courses)
}

// Add adds a course to a user's watchlist and returns the new set, adding a
// course twice has no effect.
func (s *Store) Add(ctx context.Context, userId, courseId string) ([]string, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	courses, err := s.get(ctx, userId)
	if err != nil {
		return nil, err
	}
	courses = Normalize(append(courses, courseId))
	err = s.set(ctx, userId, courses)
	if err != nil {
		return nil, err
	}
	return courses, nil
}

// Remove removes a course from a user's watchlist and returns the new set,
// removing a course that is not watched has no effect.
func (s *Store) Remove(ctx context.Context, userId, courseId string) ([]string, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	courses, err := s.get(ctx, userId)
	if err != nil {
		return nil, err
	}
	courses = slices.DeleteFunc(courses, func(id string) bool {
		return id == courseId
	})
	err = s.set(ctx, userId, courses)
	if err != nil {
		return nil, err
	}
	return courses, nil
}

// All returns a snapshot of every watchlist ordered by user id. Rows that cannot
// be decoded are reported and skipped.
func (s *Store) All(ctx context.Context) ([]Entry, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	rows, err := s.db.QueryContext(ctx, "select user_id, courses from watchlist order by user_id")
	if err != nil {
		return nil, fmt.Errorf("list watchlists: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var userId, encoded string
		err = rows.Scan(&userId, &encoded)
		if err != nil {
			return nil, fmt.Errorf("list watchlists: %w", err)
		}
		var courses []string
		err = json.Unmarshal([]byte(encoded), &courses)
		if err != nil {
			s.tel.ReportBroken(report_store_all, fmt.Errorf("decode watchlist of %s: %w", userId, err))
			continue
		}
		entries = append(entries, Entry{UserId: userId, Courses: courses})
	}
	return entries, rows.Err()
}

// Maintain lets sqlite refresh its query planner statistics and truncates the
// write-ahead log.
func (s *Store) Maintain(ctx context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	_, err := s.db.ExecContext(ctx, "PRAGMA optimize")
	if err != nil {
		return fmt.Errorf("optimize: %w", err)
	}
	_, err = s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	if err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}
	return nil
}

// ScheduleMaintenance runs Maintain on the given cron spec until ctx is done.
func (s *Store) ScheduleMaintenance(ctx context.Context, cron chrono.CronAPI, spec string) error {
	return cron.Cron(spec, func() {
		if ctx.Err() != nil {
			return
		}
		err := s.Maintain(ctx)
		if err != nil {
			s.tel.ReportBroken(report_store_maintain, err)
			return
		}
		s.tel.ReportDebug("maintenance finished")
	})
}
