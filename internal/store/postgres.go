package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash, role)
		VALUES ($1, $2, LOWER($3), $4, $5)
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash, user.Role)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, role, created_at
		FROM users
		WHERE id=$1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Role, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, role, created_at
		FROM users
		WHERE email=LOWER($1)
	`, email).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Role, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetGroup(ctx context.Context, groupID string) (Group, error) {
	var group Group
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, created_at FROM groups WHERE id=$1
	`, groupID).Scan(&group.ID, &group.Name, &group.CreatedAt)
	if err != nil {
		return Group{}, err
	}
	return group, nil
}

func (s *PostgresStore) InsertGroup(ctx context.Context, group Group) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO groups (id, name) VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING
	`, group.ID, group.Name)
	if err != nil {
		return fmt.Errorf("insert group: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpsertMembership(ctx context.Context, groupID, userID, role string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO group_memberships (group_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (group_id, user_id) DO UPDATE SET role=EXCLUDED.role
	`, groupID, userID, role)
	if err != nil {
		return fmt.Errorf("upsert membership: %w", err)
	}
	return nil
}

// ListGroupMembers reads live membership. Reviewer sets are computed from
// this on every evaluation; membership changes take effect immediately.
func (s *PostgresStore) ListGroupMembers(ctx context.Context, groupID string) ([]Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT gm.group_id, gm.user_id, u.display_name, gm.role, gm.created_at
		FROM group_memberships gm
		JOIN users u ON u.id = gm.user_id
		WHERE gm.group_id=$1
		ORDER BY u.display_name ASC
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("list group members: %w", err)
	}
	defer rows.Close()

	items := make([]Member, 0)
	for rows.Next() {
		var item Member
		if err := rows.Scan(&item.GroupID, &item.UserID, &item.Name, &item.Role, &item.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan group member: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate group members: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertReport(ctx context.Context, report Report) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reports (id, group_id, author_id, period_start, period_end, status)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, report.ID, report.GroupID, report.AuthorID, report.PeriodStart, report.PeriodEnd, report.Status)
	if err != nil {
		return fmt.Errorf("insert report: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetReport(ctx context.Context, reportID string) (Report, error) {
	var item Report
	err := s.db.QueryRowContext(ctx, `
		SELECT id, group_id, author_id, period_start, period_end, status, created_at, submitted_at, reviewed_at
		FROM reports
		WHERE id=$1
	`, reportID).Scan(
		&item.ID,
		&item.GroupID,
		&item.AuthorID,
		&item.PeriodStart,
		&item.PeriodEnd,
		&item.Status,
		&item.CreatedAt,
		&item.SubmittedAt,
		&item.ReviewedAt,
	)
	if err != nil {
		return Report{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListGroupReports(ctx context.Context, groupID string) ([]Report, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, group_id, author_id, period_start, period_end, status, created_at, submitted_at, reviewed_at
		FROM reports
		WHERE group_id=$1
		ORDER BY created_at DESC
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("list group reports: %w", err)
	}
	defer rows.Close()

	items := make([]Report, 0)
	for rows.Next() {
		var item Report
		if err := rows.Scan(
			&item.ID,
			&item.GroupID,
			&item.AuthorID,
			&item.PeriodStart,
			&item.PeriodEnd,
			&item.Status,
			&item.CreatedAt,
			&item.SubmittedAt,
			&item.ReviewedAt,
		); err != nil {
			return nil, fmt.Errorf("scan report: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reports: %w", err)
	}
	return items, nil
}

// MarkReportSubmitted advances draft→submitted. The status guard in the
// WHERE clause makes the transition fire at most once; submitted_at is set
// exactly on that first advance.
func (s *PostgresStore) MarkReportSubmitted(ctx context.Context, reportID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE reports
		SET status='submitted', submitted_at=NOW()
		WHERE id=$1 AND status='draft'
	`, reportID)
	if err != nil {
		return false, fmt.Errorf("mark report submitted: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark report submitted rows: %w", err)
	}
	return affected > 0, nil
}

// MarkReportReviewed advances submitted→reviewed, idempotently: a second
// evaluation with unchanged inputs matches zero rows and leaves reviewed_at
// untouched.
func (s *PostgresStore) MarkReportReviewed(ctx context.Context, reportID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE reports
		SET status='reviewed', reviewed_at=NOW()
		WHERE id=$1 AND status='submitted'
	`, reportID)
	if err != nil {
		return false, fmt.Errorf("mark report reviewed: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark report reviewed rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) UpsertSection(ctx context.Context, reportID, key, content string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sections (report_id, key, content)
		VALUES ($1, $2, $3)
		ON CONFLICT (report_id, key) DO UPDATE SET content=EXCLUDED.content, updated_at=NOW()
	`, reportID, key, content)
	if err != nil {
		return fmt.Errorf("upsert section: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListSections(ctx context.Context, reportID string) ([]Section, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT report_id, key, content, updated_at
		FROM sections
		WHERE report_id=$1
		ORDER BY key ASC
	`, reportID)
	if err != nil {
		return nil, fmt.Errorf("list sections: %w", err)
	}
	defer rows.Close()

	items := make([]Section, 0)
	for rows.Next() {
		var item Section
		if err := rows.Scan(&item.ReportID, &item.Key, &item.Content, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan section: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sections: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertAnnotation(ctx context.Context, annotation Annotation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO annotations (id, report_id, section_key, author_id, type, quote, range_start, range_end, content, parent_id, thread_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), NULLIF($10, ''), NULLIF($11, ''))
	`, annotation.ID, annotation.ReportID, annotation.SectionKey, annotation.AuthorID, annotation.Type,
		annotation.Quote, annotation.RangeStart, annotation.RangeEnd, annotation.Content, annotation.ParentID, annotation.ThreadID)
	if err != nil {
		return fmt.Errorf("insert annotation: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAnnotation(ctx context.Context, annotationID string) (Annotation, error) {
	var item Annotation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, report_id, section_key, author_id, type, quote, range_start, range_end,
			COALESCE(content, ''), COALESCE(parent_id, ''), COALESCE(thread_id, ''), created_at
		FROM annotations
		WHERE id=$1
	`, annotationID).Scan(
		&item.ID,
		&item.ReportID,
		&item.SectionKey,
		&item.AuthorID,
		&item.Type,
		&item.Quote,
		&item.RangeStart,
		&item.RangeEnd,
		&item.Content,
		&item.ParentID,
		&item.ThreadID,
		&item.CreatedAt,
	)
	if err != nil {
		return Annotation{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListReportAnnotations(ctx context.Context, reportID string) ([]Annotation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, report_id, section_key, author_id, type, quote, range_start, range_end,
			COALESCE(content, ''), COALESCE(parent_id, ''), COALESCE(thread_id, ''), created_at
		FROM annotations
		WHERE report_id=$1
		ORDER BY created_at ASC, id ASC
	`, reportID)
	if err != nil {
		return nil, fmt.Errorf("list annotations: %w", err)
	}
	defer rows.Close()

	items := make([]Annotation, 0)
	for rows.Next() {
		var item Annotation
		if err := rows.Scan(
			&item.ID,
			&item.ReportID,
			&item.SectionKey,
			&item.AuthorID,
			&item.Type,
			&item.Quote,
			&item.RangeStart,
			&item.RangeEnd,
			&item.Content,
			&item.ParentID,
			&item.ThreadID,
			&item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan annotation: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate annotations: %w", err)
	}
	return items, nil
}

// DeleteAnnotations removes a precomputed cascade set in one statement, so a
// failure deletes nothing rather than orphaning replies.
func (s *PostgresStore) DeleteAnnotations(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM annotations WHERE id IN (`+strings.Join(placeholders, ", ")+`)`, args...)
	if err != nil {
		return fmt.Errorf("delete annotations: %w", err)
	}
	return nil
}

// UpsertSeen records first sight of a report. The COALESCE keeps the original
// seen_at on repeat views and never touches the decision column.
func (s *PostgresStore) UpsertSeen(ctx context.Context, reportID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO decisions (report_id, user_id, seen_at, decision)
		VALUES ($1, $2, NOW(), 'none')
		ON CONFLICT (report_id, user_id)
		DO UPDATE SET seen_at=COALESCE(decisions.seen_at, EXCLUDED.seen_at), updated_at=NOW()
	`, reportID, userID)
	if err != nil {
		return fmt.Errorf("upsert seen: %w", err)
	}
	return nil
}

// UpsertDecision records a vote, last write wins. Upsert by (report, user)
// makes the write commutative and retry-safe; there is no duplicate-key
// failure mode by construction.
func (s *PostgresStore) UpsertDecision(ctx context.Context, reportID, userID, decision string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO decisions (report_id, user_id, seen_at, decision)
		VALUES ($1, $2, NOW(), $3)
		ON CONFLICT (report_id, user_id)
		DO UPDATE SET decision=EXCLUDED.decision, seen_at=COALESCE(decisions.seen_at, EXCLUDED.seen_at), updated_at=NOW()
	`, reportID, userID, decision)
	if err != nil {
		return fmt.Errorf("upsert decision: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListDecisions(ctx context.Context, reportID string) ([]Decision, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT report_id, user_id, seen_at, decision, updated_at
		FROM decisions
		WHERE report_id=$1
		ORDER BY user_id ASC
	`, reportID)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	items := make([]Decision, 0)
	for rows.Next() {
		var item Decision
		if err := rows.Scan(&item.ReportID, &item.UserID, &item.SeenAt, &item.Decision, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id
		FROM refresh_sessions
		WHERE token_hash = $1
			AND revoked_at IS NULL
			AND expires_at > NOW()
	`, tokenHash).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, expiresAt)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

func (s *PostgresStore) SummaryCounts(ctx context.Context) (drafts int, inReview int, reviewed int, err error) {
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reports WHERE status='draft'`).Scan(&drafts); err != nil {
		err = fmt.Errorf("count draft reports: %w", err)
		return
	}
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reports WHERE status='submitted'`).Scan(&inReview); err != nil {
		err = fmt.Errorf("count submitted reports: %w", err)
		return
	}
	if err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reports WHERE status='reviewed'`).Scan(&reviewed); err != nil {
		err = fmt.Errorf("count reviewed reports: %w", err)
		return
	}
	return
}

// IsNotFound reports whether err is the store's row-missing error.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
