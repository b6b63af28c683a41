package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/crewloop/crew/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. Limiting to a single
	// connection serializes all DB access through Go's connection pool,
	// preventing "database is locked" errors from concurrent callers.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	// Set busy timeout so concurrent writes wait instead of failing immediately
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// newULID generates a new ULID string.
func newULID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}

		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Review requests ---

func (s *SQLiteStore) CreateReviewRequest(ctx context.Context, req *models.ReviewRequest, artifact *models.ArtifactVersion) error {
	if req.ID == "" {
		req.ID = newULID()
	}
	now := time.Now().UTC()
	req.CreatedAt = now
	if req.Status == "" {
		req.Status = models.ReviewStatusPending
	}

	feedbackJSON, err := marshalFeedback(req.Feedback)
	if err != nil {
		return fmt.Errorf("marshal feedback: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO review_requests (id, project_id, stage_name, agent_id, content, status, revision_number, feedback_json, created_at, decided_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.ProjectID, req.StageName, req.AgentID, req.Content,
		string(req.Status), req.RevisionNumber, feedbackJSON, req.CreatedAt, req.DecidedAt,
	)
	if err != nil {
		return fmt.Errorf("create review request: %w", err)
	}

	if artifact != nil {
		artifact.CreatedAt = now
		_, err = tx.ExecContext(ctx,
			`INSERT INTO artifact_versions (project_id, stage_name, revision_number, content, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			artifact.ProjectID, artifact.StageName, artifact.RevisionNumber, artifact.Content, artifact.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("create artifact version: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

const reviewColumns = `id, project_id, stage_name, agent_id, content, status, revision_number, feedback_json, created_at, decided_at`

func scanReview(scan func(dest ...any) error) (*models.ReviewRequest, error) {
	req := &models.ReviewRequest{}
	var status, feedbackJSON string
	var decidedAt sql.NullTime

	if err := scan(&req.ID, &req.ProjectID, &req.StageName, &req.AgentID, &req.Content,
		&status, &req.RevisionNumber, &feedbackJSON, &req.CreatedAt, &decidedAt); err != nil {
		return nil, err
	}

	req.Status = models.ReviewStatus(status)
	if decidedAt.Valid {
		req.DecidedAt = &decidedAt.Time
	}
	if err := json.Unmarshal([]byte(feedbackJSON), &req.Feedback); err != nil {
		return nil, fmt.Errorf("unmarshal feedback: %w", err)
	}
	return req, nil
}

func (s *SQLiteStore) GetReviewRequest(ctx context.Context, id string) (*models.ReviewRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+reviewColumns+` FROM review_requests WHERE id = ?`, id)
	req, err := scanReview(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("review request %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get review request: %w", err)
	}
	return req, nil
}

func (s *SQLiteStore) GetPendingReview(ctx context.Context, projectID, stageName string) (*models.ReviewRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+reviewColumns+` FROM review_requests
		WHERE project_id = ? AND stage_name = ? AND status = 'pending'`,
		projectID, stageName)
	req, err := scanReview(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("pending review for %s/%s: %w", projectID, stageName, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get pending review: %w", err)
	}
	return req, nil
}

func (s *SQLiteStore) ListReviewRequests(ctx context.Context, filter ReviewListFilter) ([]*models.ReviewRequest, error) {
	query := `SELECT ` + reviewColumns + ` FROM review_requests`
	var conditions []string
	var args []any

	if filter.ProjectID != "" {
		conditions = append(conditions, "project_id = ?")
		args = append(args, filter.ProjectID)
	}
	if filter.StageName != "" {
		conditions = append(conditions, "stage_name = ?")
		args = append(args, filter.StageName)
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at ASC, revision_number ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list review requests: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var reqs []*models.ReviewRequest
	for rows.Next() {
		req, err := scanReview(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan review request: %w", err)
		}
		reqs = append(reqs, req)
	}
	return reqs, rows.Err()
}

func (s *SQLiteStore) MaxRevisionNumber(ctx context.Context, projectID, stageName string) (int, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(revision_number) FROM review_requests WHERE project_id = ? AND stage_name = ?`,
		projectID, stageName).Scan(&max)
	if err != nil {
		return -1, fmt.Errorf("max revision number: %w", err)
	}
	if !max.Valid {
		return -1, nil
	}
	return int(max.Int64), nil
}

func (s *SQLiteStore) FinalizeReview(ctx context.Context, req *models.ReviewRequest, record *models.RevisionRecord) error {
	now := time.Now().UTC()
	req.DecidedAt = &now

	feedbackJSON, err := marshalFeedback(req.Feedback)
	if err != nil {
		return fmt.Errorf("marshal feedback: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx,
		`UPDATE review_requests SET status=?, feedback_json=?, decided_at=?
		WHERE id=? AND status='pending'`,
		string(req.Status), feedbackJSON, req.DecidedAt, req.ID,
	)
	if err != nil {
		return fmt.Errorf("finalize review: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("finalize review %s: request is not pending: %w", req.ID, ErrNotFound)
	}

	if record != nil {
		record.CreatedAt = now
		recordJSON, err := marshalFeedback(record.Feedback)
		if err != nil {
			return fmt.Errorf("marshal history feedback: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO revision_history (agent_id, stage_name, project_id, revision_number, feedback_json, outcome, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			req.AgentID, req.StageName, req.ProjectID,
			record.RevisionNumber, recordJSON, string(record.Outcome), record.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("append revision history: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// --- Revision state ---

func (s *SQLiteStore) GetRevisionState(ctx context.Context, key models.RevisionKey) (*models.RevisionState, error) {
	state := &models.RevisionState{Key: key}

	err := s.db.QueryRowContext(ctx,
		`SELECT cycle_count FROM revision_states
		WHERE agent_id = ? AND stage_name = ? AND project_id = ?`,
		key.AgentID, key.StageName, key.ProjectID).Scan(&state.CycleCount)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("get revision state: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT revision_number, feedback_json, outcome, created_at FROM revision_history
		WHERE agent_id = ? AND stage_name = ? AND project_id = ? ORDER BY id ASC`,
		key.AgentID, key.StageName, key.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("get revision history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var rec models.RevisionRecord
		var outcome, feedbackJSON string
		if err := rows.Scan(&rec.RevisionNumber, &feedbackJSON, &outcome, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan revision record: %w", err)
		}
		rec.Outcome = models.ReviewStatus(outcome)
		if err := json.Unmarshal([]byte(feedbackJSON), &rec.Feedback); err != nil {
			return nil, fmt.Errorf("unmarshal history feedback: %w", err)
		}
		state.History = append(state.History, rec)
	}
	return state, rows.Err()
}

func (s *SQLiteStore) IncrementCycleCount(ctx context.Context, key models.RevisionKey) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO revision_states (agent_id, stage_name, project_id, cycle_count, updated_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(agent_id, stage_name, project_id)
		DO UPDATE SET cycle_count = cycle_count + 1, updated_at = excluded.updated_at`,
		key.AgentID, key.StageName, key.ProjectID, time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("increment cycle count: %w", err)
	}

	var count int
	err = tx.QueryRowContext(ctx,
		`SELECT cycle_count FROM revision_states
		WHERE agent_id = ? AND stage_name = ? AND project_id = ?`,
		key.AgentID, key.StageName, key.ProjectID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("read cycle count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) ResetRevisionState(ctx context.Context, key models.RevisionKey) error {
	// History is an append-only ledger and survives a reset; only the
	// counter row is removed.
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM revision_states WHERE agent_id = ? AND stage_name = ? AND project_id = ?`,
		key.AgentID, key.StageName, key.ProjectID)
	if err != nil {
		return fmt.Errorf("reset revision state: %w", err)
	}
	return nil
}

// --- Artifacts ---

func (s *SQLiteStore) ListArtifactVersions(ctx context.Context, projectID, stageName string) ([]*models.ArtifactVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT project_id, stage_name, revision_number, content, created_at
		FROM artifact_versions WHERE project_id = ? AND stage_name = ?
		ORDER BY revision_number ASC`,
		projectID, stageName)
	if err != nil {
		return nil, fmt.Errorf("list artifact versions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var versions []*models.ArtifactVersion
	for rows.Next() {
		v := &models.ArtifactVersion{}
		if err := rows.Scan(&v.ProjectID, &v.StageName, &v.RevisionNumber, &v.Content, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan artifact version: %w", err)
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func (s *SQLiteStore) GetCurrentArtifact(ctx context.Context, projectID, stageName string) (*models.ArtifactVersion, error) {
	v := &models.ArtifactVersion{}
	err := s.db.QueryRowContext(ctx,
		`SELECT a.project_id, a.stage_name, a.revision_number, a.content, a.created_at
		FROM artifact_versions a
		JOIN review_requests r
		  ON r.project_id = a.project_id AND r.stage_name = a.stage_name AND r.revision_number = a.revision_number
		WHERE a.project_id = ? AND a.stage_name = ? AND r.status IN ('approved', 'auto_approved')
		ORDER BY a.revision_number DESC LIMIT 1`,
		projectID, stageName).Scan(&v.ProjectID, &v.StageName, &v.RevisionNumber, &v.Content, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("approved artifact for %s/%s: %w", projectID, stageName, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get current artifact: %w", err)
	}
	return v, nil
}

func (s *SQLiteStore) GetArtifactVersion(ctx context.Context, projectID, stageName string, revision int) (*models.ArtifactVersion, error) {
	v := &models.ArtifactVersion{}
	err := s.db.QueryRowContext(ctx,
		`SELECT project_id, stage_name, revision_number, content, created_at
		FROM artifact_versions
		WHERE project_id = ? AND stage_name = ? AND revision_number = ?`,
		projectID, stageName, revision).Scan(&v.ProjectID, &v.StageName, &v.RevisionNumber, &v.Content, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("artifact %s/%s rev %d: %w", projectID, stageName, revision, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact version: %w", err)
	}
	return v, nil
}

func (s *SQLiteStore) ListProjects(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT project_id FROM review_requests ORDER BY project_id`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var projects []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

func (s *SQLiteStore) ListStages(ctx context.Context, projectID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT stage_name FROM review_requests WHERE project_id = ?
		GROUP BY stage_name ORDER BY MIN(created_at)`,
		projectID)
	if err != nil {
		return nil, fmt.Errorf("list stages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var stages []string
	for rows.Next() {
		var st string
		if err := rows.Scan(&st); err != nil {
			return nil, fmt.Errorf("scan stage: %w", err)
		}
		stages = append(stages, st)
	}
	return stages, rows.Err()
}

// marshalFeedback serializes feedback items, normalizing nil to "[]".
func marshalFeedback(items []models.FeedbackItem) (string, error) {
	if items == nil {
		return "[]", nil
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
