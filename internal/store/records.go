package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/steveyegge/ghsync/internal/schema"
)

const userColumns = `id, login, avatar_url, kind, name, company, blog,
	public_repos, following, note, viewed`

// ReadList returns records with id > since, ascending by id, capped at the
// fetch limit. An empty result is not an error.
func (s *Store) ReadList(ctx context.Context, since int64) ([]schema.Record, error) {
	return s.ReadListLimit(ctx, since, s.config.FetchLimit)
}

// ReadListLimit is ReadList with an explicit cap (limit <= 0 means no cap).
func (s *Store) ReadListLimit(ctx context.Context, since int64, limit int) ([]schema.Record, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id > ? ORDER BY id ASC`
	args := []interface{}{since}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, readError("read_list", fmt.Errorf("failed to query users: %w", err))
	}
	defer rows.Close()

	records, err := scanRecords(rows)
	if err != nil {
		return nil, readError("read_list", err)
	}
	return records, nil
}

// ReadOne returns the record whose login matches exactly.
// Returns ErrNoCachedData if there is none.
func (s *Store) ReadOne(ctx context.Context, login string) (*schema.Record, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE login = ? ORDER BY id ASC LIMIT 1`
	return s.readRow(ctx, "read_one", query, login)
}

// ReadByID returns the record with the given id.
// Returns ErrNoCachedData if there is none.
func (s *Store) ReadByID(ctx context.Context, id int64) (*schema.Record, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = ?`
	return s.readRow(ctx, "read_by_id", query, id)
}

func (s *Store) readRow(ctx context.Context, name, query string, arg interface{}) (*schema.Record, error) {
	rec, err := scanRecord(s.reader.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoCachedData
	}
	if err != nil {
		return nil, readError(name, err)
	}
	return rec, nil
}

// All returns every record ascending by id.
func (s *Store) All(ctx context.Context) ([]schema.Record, error) {
	return s.ReadListLimit(ctx, 0, 0)
}

// Count returns the total number of records.
func (s *Store) Count() (int, error) {
	return s.CountContext(context.Background())
}

// CountContext returns the total number of records with context support.
func (s *Store) CountContext(ctx context.Context) (int, error) {
	var count int
	if err := s.reader.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&count); err != nil {
		return 0, readError("count", fmt.Errorf("failed to get user count: %w", err))
	}
	return count, nil
}

// CountViewed returns how many records have had a successful detail fetch.
func (s *Store) CountViewed(ctx context.Context) (int, error) {
	var count int
	if err := s.reader.QueryRowContext(ctx, "SELECT COUNT(*) FROM users WHERE viewed = 1").Scan(&count); err != nil {
		return 0, readError("count_viewed", fmt.Errorf("failed to get viewed count: %w", err))
	}
	return count, nil
}

// MaxID returns the largest cached id, or 0 for an empty store.
func (s *Store) MaxID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := s.reader.QueryRowContext(ctx, "SELECT MAX(id) FROM users").Scan(&id); err != nil {
		return 0, readError("max_id", fmt.Errorf("failed to get max id: %w", err))
	}
	return id.Int64, nil
}

// ViewedLogins returns logins of viewed records, least recently viewed first.
func (s *Store) ViewedLogins(ctx context.Context, limit int) ([]string, error) {
	query := `SELECT login FROM users
		WHERE viewed = 1 AND login IS NOT NULL AND login != ''
		ORDER BY viewed_at ASC, id ASC`
	var args []interface{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, readError("viewed_logins", err)
	}
	defer rows.Close()

	var logins []string
	for rows.Next() {
		var login string
		if err := rows.Scan(&login); err != nil {
			return nil, readError("viewed_logins", err)
		}
		logins = append(logins, login)
	}
	if err := rows.Err(); err != nil {
		return nil, readError("viewed_logins", err)
	}
	return logins, nil
}

// WriteList inserts records from a list fetch.
//
// Existing rows keep every committed value: identity fields are only filled
// where they are empty, and detail fields, viewed and note are never touched.
func (s *Store) WriteList(ctx context.Context, records []schema.Record) error {
	if len(records) == 0 {
		return nil
	}
	for i := range records {
		if err := records[i].Validate(); err != nil {
			return fmt.Errorf("invalid record at index %d: %w", i, err)
		}
	}
	batch := append([]schema.Record(nil), records...)

	return s.write(ctx, "write_list", func(ctx context.Context, tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO users (id, login, avatar_url, kind, viewed, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			login = COALESCE(NULLIF(users.login, ''), excluded.login),
			avatar_url = COALESCE(NULLIF(users.avatar_url, ''), excluded.avatar_url),
			kind = COALESCE(NULLIF(users.kind, ''), excluded.kind),
			updated_at = excluded.updated_at
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare list upsert: %w", err)
		}
		defer stmt.Close()

		now := timestamp()
		for _, r := range batch {
			if _, err := stmt.ExecContext(ctx,
				r.ID,
				nullString(r.Login),
				nullString(r.AvatarURL),
				nullString(string(r.Kind)),
				now,
				now,
			); err != nil {
				return fmt.Errorf("failed to upsert user %d: %w", r.ID, err)
			}
		}
		return nil
	})
}

// WriteDetail upserts a record's detail fields and sets viewed.
// The note is preserved. login is used when rec carries none.
func (s *Store) WriteDetail(ctx context.Context, login string, rec schema.Record) error {
	if rec.Login == "" {
		rec.Login = login
	}
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid detail for %s: %w", login, err)
	}

	return s.write(ctx, "write_detail", func(ctx context.Context, tx *sql.Tx) error {
		now := timestamp()
		_, err := tx.ExecContext(ctx, `
		INSERT INTO users (
			id, login, avatar_url, kind,
			name, company, blog, public_repos, following,
			viewed, viewed_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			login = COALESCE(excluded.login, users.login),
			avatar_url = COALESCE(excluded.avatar_url, users.avatar_url),
			kind = COALESCE(excluded.kind, users.kind),
			name = excluded.name,
			company = excluded.company,
			blog = excluded.blog,
			public_repos = excluded.public_repos,
			following = excluded.following,
			viewed = 1,
			viewed_at = excluded.viewed_at,
			updated_at = excluded.updated_at
		`,
			rec.ID,
			nullString(rec.Login),
			nullString(rec.AvatarURL),
			nullString(string(rec.Kind)),
			rec.Name,
			rec.Company,
			rec.Blog,
			rec.PublicRepos,
			rec.Following,
			now,
			now,
			now,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert detail for %s: %w", rec.Login, err)
		}
		return nil
	})
}

// WriteNote saves a note for the record with the given login and marks it
// viewed. Returns ErrInvalidNote for empty or whitespace-only notes without
// touching the store, and ErrNoCachedData if the login is unknown.
func (s *Store) WriteNote(ctx context.Context, login, note string) error {
	if strings.TrimSpace(note) == "" {
		return ErrInvalidNote
	}

	return s.write(ctx, "write_note", func(ctx context.Context, tx *sql.Tx) error {
		now := timestamp()
		res, err := tx.ExecContext(ctx, `
		UPDATE users SET
			note = ?,
			viewed = 1,
			viewed_at = COALESCE(viewed_at, ?),
			updated_at = ?
		WHERE login = ?
		`, note, now, now, login)
		if err != nil {
			return fmt.Errorf("failed to save note for %s: %w", login, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to check note update: %w", err)
		}
		if n == 0 {
			return ErrNoCachedData
		}
		return nil
	})
}

// Restore merges full records, for example from an export file.
//
// The store still wins: committed values are kept and only empty fields are
// filled. viewed is OR-ed so it never reverts.
func (s *Store) Restore(ctx context.Context, records []schema.Record) error {
	if len(records) == 0 {
		return nil
	}
	for i := range records {
		if err := records[i].Validate(); err != nil {
			return fmt.Errorf("invalid record at index %d: %w", i, err)
		}
	}
	batch := append([]schema.Record(nil), records...)

	return s.write(ctx, "restore", func(ctx context.Context, tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO users (
			id, login, avatar_url, kind,
			name, company, blog, public_repos, following,
			note, viewed, viewed_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			login = COALESCE(NULLIF(users.login, ''), excluded.login),
			avatar_url = COALESCE(NULLIF(users.avatar_url, ''), excluded.avatar_url),
			kind = COALESCE(NULLIF(users.kind, ''), excluded.kind),
			name = COALESCE(users.name, excluded.name),
			company = COALESCE(users.company, excluded.company),
			blog = COALESCE(users.blog, excluded.blog),
			public_repos = COALESCE(users.public_repos, excluded.public_repos),
			following = COALESCE(users.following, excluded.following),
			note = COALESCE(users.note, excluded.note),
			viewed = MAX(users.viewed, excluded.viewed),
			viewed_at = COALESCE(users.viewed_at, excluded.viewed_at),
			updated_at = excluded.updated_at
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare restore: %w", err)
		}
		defer stmt.Close()

		now := timestamp()
		for _, r := range batch {
			var (
				name, company, blog sql.NullString
				repos, following    sql.NullInt64
				viewedAt            sql.NullString
			)
			if r.Viewed {
				name = sql.NullString{String: r.Name, Valid: true}
				company = sql.NullString{String: r.Company, Valid: true}
				blog = sql.NullString{String: r.Blog, Valid: true}
				repos = sql.NullInt64{Int64: int64(r.PublicRepos), Valid: true}
				following = sql.NullInt64{Int64: int64(r.Following), Valid: true}
				viewedAt = sql.NullString{String: now, Valid: true}
			}
			var note sql.NullString
			if r.HasNote() {
				note = sql.NullString{String: r.Note, Valid: true}
			}

			if _, err := stmt.ExecContext(ctx,
				r.ID,
				nullString(r.Login),
				nullString(r.AvatarURL),
				nullString(string(r.Kind)),
				name, company, blog, repos, following,
				note,
				boolToInt(r.Viewed),
				viewedAt,
				now,
				now,
			); err != nil {
				return fmt.Errorf("failed to restore user %d: %w", r.ID, err)
			}
		}
		return nil
	})
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*schema.Record, error) {
	var (
		rec                       schema.Record
		login, avatar, kind       sql.NullString
		name, company, blog, note sql.NullString
		publicRepos, following    sql.NullInt64
		viewed                    int
	)

	if err := row.Scan(
		&rec.ID,
		&login,
		&avatar,
		&kind,
		&name,
		&company,
		&blog,
		&publicRepos,
		&following,
		&note,
		&viewed,
	); err != nil {
		return nil, err
	}

	rec.Login = login.String
	rec.AvatarURL = avatar.String
	rec.Kind = schema.AccountKind(kind.String)
	rec.Name = name.String
	rec.Company = company.String
	rec.Blog = blog.String
	rec.PublicRepos = int(publicRepos.Int64)
	rec.Following = int(following.Int64)
	rec.Note = note.String
	rec.Viewed = viewed != 0

	return &rec, nil
}

// scanRecords scans every row; the result is never nil.
func scanRecords(rows *sql.Rows) ([]schema.Record, error) {
	records := []schema.Record{}

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		records = append(records, *rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating users: %w", err)
	}
	return records, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// timeFormat is fixed-width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

func timestamp() string {
	return time.Now().UTC().Format(timeFormat)
}
