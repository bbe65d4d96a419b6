package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrNotFound is returned when a story or feature does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps the SQLite connection for the local feature/story database.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates a store at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// The caller MUST call Close() when done.
//
// Example:
//
//	st, err := store.Open(".adosync/stories.db")
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	st := &Store{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := st.conn.Exec(pragma); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return st, nil
}

// Close closes the database connection after a WAL checkpoint.
func (st *Store) Close() error {
	if st.conn == nil {
		return nil
	}
	if _, err := st.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := st.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	st.conn = nil
	return nil
}

// InitSchema creates the features and stories tables. Idempotent.
func (st *Store) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS features (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		description TEXT,
		story_counter INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS stories (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		feature_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT,
		why TEXT,
		status TEXT NOT NULL DEFAULT 'draft',
		priority TEXT NOT NULL DEFAULT 'P2',
		assigned_to TEXT,
		estimated_complexity TEXT,
		extensions TEXT NOT NULL DEFAULT '{}',  -- JSON
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		FOREIGN KEY (feature_id) REFERENCES features(id)
	);

	CREATE INDEX IF NOT EXISTS idx_stories_feature ON stories(feature_id);
	CREATE INDEX IF NOT EXISTS idx_stories_status ON stories(status);
	CREATE INDEX IF NOT EXISTS idx_stories_remote_id
	    ON stories(json_extract(extensions, '$.remoteId'));
	`

	if _, err := st.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

const storyColumns = `id, code, feature_id, title, description, why, status,
	priority, assigned_to, estimated_complexity, extensions, created_at, updated_at`

// GetStory retrieves a story by id. Returns ErrNotFound if missing.
func (st *Store) GetStory(ctx context.Context, id string) (*Story, error) {
	row := st.conn.QueryRowContext(ctx,
		`SELECT `+storyColumns+` FROM stories WHERE id = ?`, id)
	return scanStory(row)
}

// GetStoryByCode retrieves a story by its code (e.g. "AUTH-003").
func (st *Store) GetStoryByCode(ctx context.Context, code string) (*Story, error) {
	row := st.conn.QueryRowContext(ctx,
		`SELECT `+storyColumns+` FROM stories WHERE code = ?`, code)
	return scanStory(row)
}

// GetStoryByRemoteID retrieves the story linked to the given remote work item.
func (st *Store) GetStoryByRemoteID(ctx context.Context, remoteID int) (*Story, error) {
	row := st.conn.QueryRowContext(ctx,
		`SELECT `+storyColumns+` FROM stories
		 WHERE json_extract(extensions, '$.remoteId') = ?`, remoteID)
	return scanStory(row)
}

// ListPendingPush finds stories with a remote link whose local update is
// newer than the last push. Timestamps are stored as RFC 3339 UTC strings,
// so lexicographic comparison is safe.
func (st *Store) ListPendingPush(ctx context.Context) ([]*Story, error) {
	rows, err := st.conn.QueryContext(ctx,
		`SELECT `+storyColumns+` FROM stories
		 WHERE json_extract(extensions, '$.remoteId') IS NOT NULL
		   AND (json_extract(extensions, '$.lastPushedAt') IS NULL
		     OR updated_at > json_extract(extensions, '$.lastPushedAt'))
		 ORDER BY updated_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending stories: %w", err)
	}
	defer rows.Close()
	return scanStories(rows)
}

// CountPendingPush returns the number of stories awaiting an outbound push.
func (st *Store) CountPendingPush(ctx context.Context) (int, error) {
	var count int
	err := st.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM stories
		 WHERE json_extract(extensions, '$.remoteId') IS NOT NULL
		   AND (json_extract(extensions, '$.lastPushedAt') IS NULL
		     OR updated_at > json_extract(extensions, '$.lastPushedAt'))`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending stories: %w", err)
	}
	return count, nil
}

// InsertStory inserts a new story. CreatedAt/UpdatedAt are stamped if zero.
func (st *Store) InsertStory(ctx context.Context, story *Story) error {
	now := time.Now().UTC()
	if story.CreatedAt.IsZero() {
		story.CreatedAt = now
	}
	if story.UpdatedAt.IsZero() {
		story.UpdatedAt = now
	}
	if err := story.Validate(); err != nil {
		return fmt.Errorf("invalid story: %w", err)
	}

	extJSON, err := json.Marshal(story.Extensions)
	if err != nil {
		return fmt.Errorf("failed to marshal extensions: %w", err)
	}

	_, err = st.conn.ExecContext(ctx, `
		INSERT INTO stories (`+storyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		story.ID, story.Code, story.FeatureID, story.Title, story.Description,
		story.Why, string(story.Status), string(story.Priority),
		story.AssignedTo, story.EstimatedComplexity, string(extJSON),
		story.CreatedAt.Format(time.RFC3339), story.UpdatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to insert story %s: %w", story.Code, err)
	}
	return nil
}

// UpdateStory overwrites the mutable columns of a story and stamps
// updated_at with the current time.
func (st *Store) UpdateStory(ctx context.Context, story *Story) error {
	if err := story.Validate(); err != nil {
		return fmt.Errorf("invalid story: %w", err)
	}
	story.UpdatedAt = time.Now().UTC()

	extJSON, err := json.Marshal(story.Extensions)
	if err != nil {
		return fmt.Errorf("failed to marshal extensions: %w", err)
	}

	res, err := st.conn.ExecContext(ctx, `
		UPDATE stories SET
			title = ?, description = ?, why = ?, status = ?, priority = ?,
			assigned_to = ?, estimated_complexity = ?, extensions = ?, updated_at = ?
		WHERE id = ?`,
		story.Title, story.Description, story.Why, string(story.Status),
		string(story.Priority), story.AssignedTo, story.EstimatedComplexity,
		string(extJSON), story.UpdatedAt.Format(time.RFC3339), story.ID)
	if err != nil {
		return fmt.Errorf("failed to update story %s: %w", story.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateExtensions replaces only the extensions column of a story without
// touching updated_at. Used by the outbound engine to stamp push metadata
// so that a push does not re-mark the story as pending.
func (st *Store) UpdateExtensions(ctx context.Context, storyID string, ext Extensions) error {
	extJSON, err := json.Marshal(ext)
	if err != nil {
		return fmt.Errorf("failed to marshal extensions: %w", err)
	}
	res, err := st.conn.ExecContext(ctx,
		`UPDATE stories SET extensions = ? WHERE id = ?`, string(extJSON), storyID)
	if err != nil {
		return fmt.Errorf("failed to update extensions for %s: %w", storyID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetFeatureByCode retrieves a feature by code. Returns ErrNotFound if missing.
func (st *Store) GetFeatureByCode(ctx context.Context, code string) (*Feature, error) {
	row := st.conn.QueryRowContext(ctx, `
		SELECT id, code, name, description, story_counter, created_at, updated_at
		FROM features WHERE code = ?`, code)

	var f Feature
	var desc sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&f.ID, &f.Code, &f.Name, &desc, &f.StoryCounter, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan feature: %w", err)
	}
	f.Description = desc.String
	f.CreatedAt = parseTime(createdAt)
	f.UpdatedAt = parseTime(updatedAt)
	return &f, nil
}

// InsertFeature inserts a new feature.
func (st *Store) InsertFeature(ctx context.Context, f *Feature) error {
	now := time.Now().UTC()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	if f.UpdatedAt.IsZero() {
		f.UpdatedAt = now
	}
	if err := f.Validate(); err != nil {
		return fmt.Errorf("invalid feature: %w", err)
	}

	_, err := st.conn.ExecContext(ctx, `
		INSERT INTO features (id, code, name, description, story_counter, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.Code, f.Name, f.Description, f.StoryCounter,
		f.CreatedAt.Format(time.RFC3339), f.UpdatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to insert feature %s: %w", f.Code, err)
	}
	return nil
}

// NextStoryNumber increments the feature's story counter and returns the new
// value. The increment and read happen in one transaction so concurrent
// callers never mint the same number.
func (st *Store) NextStoryNumber(ctx context.Context, featureID string) (int, error) {
	tx, err := st.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE features SET story_counter = story_counter + 1, updated_at = ?
		WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339), featureID)
	if err != nil {
		return 0, fmt.Errorf("failed to increment story counter: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return 0, ErrNotFound
	}

	var counter int
	err = tx.QueryRowContext(ctx,
		`SELECT story_counter FROM features WHERE id = ?`, featureID).Scan(&counter)
	if err != nil {
		return 0, fmt.Errorf("failed to read story counter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit counter increment: %w", err)
	}
	return counter, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanStory(row scanner) (*Story, error) {
	var s Story
	var desc, why, assigned, complexity sql.NullString
	var status, priority, extJSON, createdAt, updatedAt string

	err := row.Scan(&s.ID, &s.Code, &s.FeatureID, &s.Title, &desc, &why,
		&status, &priority, &assigned, &complexity, &extJSON, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan story: %w", err)
	}

	s.Description = desc.String
	s.Why = why.String
	s.AssignedTo = assigned.String
	s.EstimatedComplexity = complexity.String
	s.Status = Status(status)
	s.Priority = Priority(priority)
	s.CreatedAt = parseTime(createdAt)
	s.UpdatedAt = parseTime(updatedAt)

	if extJSON != "" && extJSON != "null" {
		if err := json.Unmarshal([]byte(extJSON), &s.Extensions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal extensions: %w", err)
		}
	}
	return &s, nil
}

func scanStories(rows *sql.Rows) ([]*Story, error) {
	var stories []*Story
	for rows.Next() {
		s, err := scanStory(rows)
		if err != nil {
			return nil, err
		}
		stories = append(stories, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating stories: %w", err)
	}
	return stories, nil
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
