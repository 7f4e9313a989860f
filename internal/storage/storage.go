// Package storage is the MySQL system-of-record for boards, threads,
// responses, authed tokens, NG words, caps, and restriction rules.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
)

// DB wraps a sql.DB connection to the MySQL-compatible system-of-record.
type DB struct {
	conn *sql.DB
}

// Open creates a new DB connection and runs all pending migrations.
func Open(dsn string) (*DB, error) {
	conn, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(8)
	conn.SetConnMaxLifetime(30 * time.Minute)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	migrationsFS, err := fs.Sub(MigrationFS, "migrations")
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrations sub-fs: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectMySQL, conn, migrationsFS)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("create migration provider: %w", err)
	}

	if _, err := provider.Up(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	return &DB{conn: conn}, nil
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Conn returns the underlying *sql.DB for use by other packages if needed.
func (d *DB) Conn() *sql.DB {
	return d.conn
}

func idBytes(id uuid.UUID) []byte {
	b := make([]byte, 16)
	copy(b, id[:])
	return b
}

func scanID(b []byte) (uuid.UUID, error) {
	var id uuid.UUID
	if len(b) != 16 {
		return id, fmt.Errorf("scan uuid: expected 16 bytes, got %d", len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Metadent mirrors the thread-level directive enum captured at creation.
type Metadent int

const (
	MetadentNone Metadent = iota
	MetadentVerbose
	MetadentVVerbose
	MetadentVVVerbose
)

// Board is the immutable identity of a board.
type Board struct {
	ID          uuid.UUID
	BoardKey    string
	Name        string
	DefaultName string
}

// BoardInfo is the per-board write configuration.
type BoardInfo struct {
	BoardID                      uuid.UUID
	LocalRules                   string
	BaseThreadCreationSpanSec    int
	BaseResponseCreationSpanSec  int
	MaxThreadNameBytes           int
	MaxAuthorNameBytes           int
	MaxEmailBytes                int
	MaxResponseBodyBytes         int
	MaxResponseBodyLines         int
	ThreadsArchiveTriggerCount   int
	ThreadsArchiveCron           string
	ReadOnly                     bool
}

// Thread is a single board thread.
type Thread struct {
	ID                 uuid.UUID
	BoardID            uuid.UUID
	ThreadNumber       int64
	LastModifiedAt     time.Time
	SageLastModifiedAt time.Time
	Title              string
	AuthedTokenID      uuid.UUID
	Metadent           Metadent
	ResponseCount      uint32
	Active             bool
	Archived           bool
	NoPool             bool
}

// Response is a single post within a thread.
type Response struct {
	ID            uuid.UUID
	ThreadID      uuid.UUID
	BoardID       uuid.UUID
	AuthedTokenID uuid.UUID
	AuthorName    string
	Mail          string
	Body          string
	AuthorID      string
	IPAddr        string
	ClientInfo    []byte // JSON
	CreatedAt     time.Time
	IsAbone       bool
	ResOrder      int32
}

// AuthedToken is the server-issued post authorization record.
type AuthedToken struct {
	ID                       uuid.UUID
	Token                    string
	AuthCode                 string
	OriginIP                 string
	ReducedIP                string
	WritingUA                string
	AuthedUA                 sql.NullString
	AuthorIDSeed             string
	CreatedAt                time.Time
	AuthedAt                 sql.NullTime
	Validity                 bool
	RegisteredUserID         uuid.NullUUID
	RequireUserRegistration  bool
}

// GetBoardByKey looks up a board by its immutable key.
func (d *DB) GetBoardByKey(ctx context.Context, boardKey string) (*Board, error) {
	row := d.conn.QueryRowContext(ctx,
		`SELECT id, board_key, name, default_name FROM boards WHERE board_key = ?`, boardKey)
	var b Board
	var idb []byte
	if err := row.Scan(&idb, &b.BoardKey, &b.Name, &b.DefaultName); err != nil {
		return nil, err
	}
	id, err := scanID(idb)
	if err != nil {
		return nil, err
	}
	b.ID = id
	return &b, nil
}

// GetBoardInfo loads the write configuration for a board.
func (d *DB) GetBoardInfo(ctx context.Context, boardID uuid.UUID) (*BoardInfo, error) {
	row := d.conn.QueryRowContext(ctx,
		`SELECT board_id, local_rules, base_thread_creation_span_sec, base_response_creation_span_sec,
		        max_thread_name_bytes, max_author_name_bytes, max_email_bytes, max_response_body_bytes,
		        max_response_body_lines, threads_archive_trigger_count, threads_archive_cron, read_only
		 FROM board_infos WHERE board_id = ?`, idBytes(boardID))
	var bi BoardInfo
	var idb []byte
	if err := row.Scan(&idb, &bi.LocalRules, &bi.BaseThreadCreationSpanSec, &bi.BaseResponseCreationSpanSec,
		&bi.MaxThreadNameBytes, &bi.MaxAuthorNameBytes, &bi.MaxEmailBytes, &bi.MaxResponseBodyBytes,
		&bi.MaxResponseBodyLines, &bi.ThreadsArchiveTriggerCount, &bi.ThreadsArchiveCron, &bi.ReadOnly); err != nil {
		return nil, err
	}
	id, err := scanID(idb)
	if err != nil {
		return nil, err
	}
	bi.BoardID = id
	return &bi, nil
}

// GetThreadByNumber looks up a thread by its board and thread number.
func (d *DB) GetThreadByNumber(ctx context.Context, boardID uuid.UUID, threadNumber int64) (*Thread, error) {
	row := d.conn.QueryRowContext(ctx,
		`SELECT id, board_id, thread_number, last_modified_at, sage_last_modified_at, title,
		        authed_token_id, metadent, response_count, active, archived, no_pool
		 FROM threads WHERE board_id = ? AND thread_number = ?`, idBytes(boardID), threadNumber)
	return scanThread(row)
}

func scanThread(row *sql.Row) (*Thread, error) {
	var t Thread
	var idb, boardb, tokenb []byte
	if err := row.Scan(&idb, &boardb, &t.ThreadNumber, &t.LastModifiedAt, &t.SageLastModifiedAt, &t.Title,
		&tokenb, &t.Metadent, &t.ResponseCount, &t.Active, &t.Archived, &t.NoPool); err != nil {
		return nil, err
	}
	var err error
	if t.ID, err = scanID(idb); err != nil {
		return nil, err
	}
	if t.BoardID, err = scanID(boardb); err != nil {
		return nil, err
	}
	if t.AuthedTokenID, err = scanID(tokenb); err != nil {
		return nil, err
	}
	return &t, nil
}

// InsertThreadWithFirstResponse creates a thread and its first response in a
// single transaction, surfacing a unique-violation as ErrDuplicateThread.
func (d *DB) InsertThreadWithFirstResponse(ctx context.Context, t *Thread, r *Response) error {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO threads (id, board_id, thread_number, last_modified_at, sage_last_modified_at, title,
		                       authed_token_id, metadent, response_count, active, archived, no_pool)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		idBytes(t.ID), idBytes(t.BoardID), t.ThreadNumber, t.LastModifiedAt, t.SageLastModifiedAt, t.Title,
		idBytes(t.AuthedTokenID), t.Metadent, t.ResponseCount, t.Active, t.Archived, t.NoPool)
	if err != nil {
		if isDuplicateKeyErr(err) {
			return ErrDuplicateThread
		}
		return fmt.Errorf("insert thread: %w", err)
	}

	if err := insertResponse(ctx, tx, r); err != nil {
		return fmt.Errorf("insert first response: %w", err)
	}

	return tx.Commit()
}

func insertResponse(ctx context.Context, ex interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}, r *Response) error {
	_, err := ex.ExecContext(ctx,
		`INSERT INTO responses (id, thread_id, board_id, authed_token_id, author_name, mail, body,
		                         author_id, ip_addr, client_info, created_at, is_abone, res_order)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		idBytes(r.ID), idBytes(r.ThreadID), idBytes(r.BoardID), idBytes(r.AuthedTokenID), r.AuthorName,
		r.Mail, r.Body, r.AuthorID, r.IPAddr, r.ClientInfo, r.CreatedAt, r.IsAbone, r.ResOrder)
	return err
}

// InsertResponse inserts a single response row, used for the fire-and-forget
// write on the response path (failures are recovered by the persistence
// worker's bulk insert, which tolerates duplicates).
func (d *DB) InsertResponse(ctx context.Context, r *Response) error {
	return insertResponse(ctx, d.conn, r)
}

// BulkInsertResponses inserts responses, ignoring unique-key violations so
// repeated delivery from the recovery buffer is idempotent. Returns the set
// of distinct thread IDs touched.
func (d *DB) BulkInsertResponses(ctx context.Context, rs []*Response) ([]uuid.UUID, error) {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	seen := map[uuid.UUID]struct{}{}
	var touched []uuid.UUID
	for _, r := range rs {
		if err := insertResponse(ctx, tx, r); err != nil {
			if isDuplicateKeyErr(err) {
				continue
			}
			return nil, fmt.Errorf("bulk insert response: %w", err)
		}
		if _, ok := seen[r.ThreadID]; !ok {
			seen[r.ThreadID] = struct{}{}
			touched = append(touched, r.ThreadID)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return touched, nil
}

// RecomputeThreadCounters recalculates response_count/last_modified_at/active
// for a thread from its responses table, as the persistence worker does
// after draining the recovery buffer.
func (d *DB) RecomputeThreadCounters(ctx context.Context, threadID uuid.UUID, archiveTrigger int) error {
	row := d.conn.QueryRowContext(ctx,
		`SELECT COUNT(*), MAX(created_at) FROM responses WHERE thread_id = ?`, idBytes(threadID))
	var count int
	var maxCreated sql.NullTime
	if err := row.Scan(&count, &maxCreated); err != nil {
		return err
	}
	active := count <= archiveTrigger
	_, err := d.conn.ExecContext(ctx,
		`UPDATE threads SET response_count = ?, last_modified_at = COALESCE(?, last_modified_at), active = ?
		 WHERE id = ?`, count, maxCreated, active, idBytes(threadID))
	return err
}

// ListResponsesByThread returns all responses for a thread ordered by
// res_order, used as the SQL fallback when the Redis dat cache is cold.
func (d *DB) ListResponsesByThread(ctx context.Context, threadID uuid.UUID) ([]*Response, error) {
	rows, err := d.conn.QueryContext(ctx,
		`SELECT id, thread_id, board_id, authed_token_id, author_name, mail, body, author_id, ip_addr,
		        client_info, created_at, is_abone, res_order
		 FROM responses WHERE thread_id = ? ORDER BY res_order ASC`, idBytes(threadID))
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var out []*Response
	for rows.Next() {
		var r Response
		var idb, threadb, boardb, tokenb []byte
		if err := rows.Scan(&idb, &threadb, &boardb, &tokenb, &r.AuthorName, &r.Mail, &r.Body, &r.AuthorID,
			&r.IPAddr, &r.ClientInfo, &r.CreatedAt, &r.IsAbone, &r.ResOrder); err != nil {
			return nil, err
		}
		if r.ID, err = scanID(idb); err != nil {
			return nil, err
		}
		if r.ThreadID, err = scanID(threadb); err != nil {
			return nil, err
		}
		if r.BoardID, err = scanID(boardb); err != nil {
			return nil, err
		}
		r.AuthedTokenID, err = scanID(tokenb)
		if err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// ListThreadsByBoard returns every non-archived thread on a board, most
// recently bumped first, for subject.txt rendering.
func (d *DB) ListThreadsByBoard(ctx context.Context, boardID uuid.UUID) ([]*Thread, error) {
	rows, err := d.conn.QueryContext(ctx,
		`SELECT id, board_id, thread_number, last_modified_at, sage_last_modified_at, title,
		        authed_token_id, metadent, response_count, active, archived, no_pool
		 FROM threads WHERE board_id = ? AND archived = 0 ORDER BY last_modified_at DESC`, idBytes(boardID))
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var out []*Thread
	for rows.Next() {
		var t Thread
		var idb, boardb, tokenb []byte
		if err := rows.Scan(&idb, &boardb, &t.ThreadNumber, &t.LastModifiedAt, &t.SageLastModifiedAt, &t.Title,
			&tokenb, &t.Metadent, &t.ResponseCount, &t.Active, &t.Archived, &t.NoPool); err != nil {
			return nil, err
		}
		if t.ID, err = scanID(idb); err != nil {
			return nil, err
		}
		if t.BoardID, err = scanID(boardb); err != nil {
			return nil, err
		}
		if t.AuthedTokenID, err = scanID(tokenb); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// InsertAuthedToken creates a new Pending token row.
func (d *DB) InsertAuthedToken(ctx context.Context, t *AuthedToken) error {
	_, err := d.conn.ExecContext(ctx,
		`INSERT INTO authed_tokens (id, token, auth_code, origin_ip, reduced_ip, writing_ua, author_id_seed,
		                            created_at, validity, require_user_registration)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		idBytes(t.ID), t.Token, t.AuthCode, t.OriginIP, t.ReducedIP, t.WritingUA, t.AuthorIDSeed,
		t.CreatedAt, t.Validity, t.RequireUserRegistration)
	return err
}

// GetAuthedTokenByToken looks up a token by its opaque string.
func (d *DB) GetAuthedTokenByToken(ctx context.Context, token string) (*AuthedToken, error) {
	row := d.conn.QueryRowContext(ctx,
		`SELECT id, token, auth_code, origin_ip, reduced_ip, writing_ua, authed_ua, author_id_seed,
		        created_at, authed_at, validity, registered_user_id, require_user_registration
		 FROM authed_tokens WHERE token = ?`, token)
	return scanAuthedToken(row)
}

func scanAuthedToken(row *sql.Row) (*AuthedToken, error) {
	var t AuthedToken
	var idb []byte
	var registered []byte
	if err := row.Scan(&idb, &t.Token, &t.AuthCode, &t.OriginIP, &t.ReducedIP, &t.WritingUA, &t.AuthedUA,
		&t.AuthorIDSeed, &t.CreatedAt, &t.AuthedAt, &t.Validity, &registered, &t.RequireUserRegistration); err != nil {
		return nil, err
	}
	var err error
	if t.ID, err = scanID(idb); err != nil {
		return nil, err
	}
	if len(registered) == 16 {
		id, err := scanID(registered)
		if err != nil {
			return nil, err
		}
		t.RegisteredUserID = uuid.NullUUID{UUID: id, Valid: true}
	}
	return &t, nil
}

// ListUnauthedTokensByAuthCode returns every Pending/ActivationExpired token
// (validity=false, authed_at IS NULL) holding the given 6-digit code.
func (d *DB) ListUnauthedTokensByAuthCode(ctx context.Context, authCode string) ([]*AuthedToken, error) {
	rows, err := d.conn.QueryContext(ctx,
		`SELECT id, token, auth_code, origin_ip, reduced_ip, writing_ua, authed_ua, author_id_seed,
		        created_at, authed_at, validity, registered_user_id, require_user_registration
		 FROM authed_tokens WHERE auth_code = ? AND validity = 0 AND authed_at IS NULL`, authCode)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var out []*AuthedToken
	for rows.Next() {
		var t AuthedToken
		var idb, registered []byte
		if err := rows.Scan(&idb, &t.Token, &t.AuthCode, &t.OriginIP, &t.ReducedIP, &t.WritingUA, &t.AuthedUA,
			&t.AuthorIDSeed, &t.CreatedAt, &t.AuthedAt, &t.Validity, &registered, &t.RequireUserRegistration); err != nil {
			return nil, err
		}
		if t.ID, err = scanID(idb); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// ActivateToken transitions a token Pending -> Active.
func (d *DB) ActivateToken(ctx context.Context, id uuid.UUID, authedUA string, now time.Time) error {
	_, err := d.conn.ExecContext(ctx,
		`UPDATE authed_tokens SET validity = 1, authed_at = ?, authed_ua = ? WHERE id = ?`,
		now, authedUA, idBytes(id))
	return err
}

// RevokeToken transitions a token Active -> Revoked.
func (d *DB) RevokeToken(ctx context.Context, id uuid.UUID) error {
	_, err := d.conn.ExecContext(ctx, `UPDATE authed_tokens SET validity = 0 WHERE id = ?`, idBytes(id))
	return err
}

// DeleteAuthedTokens removes tokens by ID, used on auth-code collision.
func (d *DB) DeleteAuthedTokens(ctx context.Context, ids []uuid.UUID) error {
	for _, id := range ids {
		if _, err := d.conn.ExecContext(ctx, `DELETE FROM authed_tokens WHERE id = ?`, idBytes(id)); err != nil {
			return err
		}
	}
	return nil
}

// GetNgWordsForBoard returns every NG word bound to a board.
func (d *DB) GetNgWordsForBoard(ctx context.Context, boardID uuid.UUID) ([]string, error) {
	rows, err := d.conn.QueryContext(ctx,
		`SELECT w.word FROM ng_words w JOIN ng_word_boards b ON w.id = b.ng_word_id WHERE b.board_id = ?`,
		idBytes(boardID))
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var out []string
	for rows.Next() {
		var w string
		if err := rows.Scan(&w); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// Cap is a board's configured "#@cap" entry: a display name gated behind a
// bcrypt-hashed password compared against the "#@" suffix of a post's mail
// field.
type Cap struct {
	Name         string
	PasswordHash string
}

// ListCapsForBoard returns every cap configured on a board. Cap lookup
// can't be a single indexed-equality query since bcrypt hashes are salted:
// the caller must try CompareHashAndPassword against each row.
func (d *DB) ListCapsForBoard(ctx context.Context, boardID uuid.UUID) ([]Cap, error) {
	rows, err := d.conn.QueryContext(ctx,
		`SELECT c.name, c.password_hash FROM caps c JOIN cap_boards b ON c.id = b.cap_id
		 WHERE b.board_id = ?`, idBytes(boardID))
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var out []Cap
	for rows.Next() {
		var c Cap
		if err := rows.Scan(&c.Name, &c.PasswordHash); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListActiveRestrictionRules returns every rule not yet expired.
func (d *DB) ListActiveRestrictionRules(ctx context.Context, now time.Time) ([]RestrictionRule, error) {
	rows, err := d.conn.QueryContext(ctx,
		`SELECT name, rule_type, rule_value, expires_at FROM user_restriction_rules
		 WHERE expires_at IS NULL OR expires_at > ?`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var out []RestrictionRule
	for rows.Next() {
		var r RestrictionRule
		if err := rows.Scan(&r.Name, &r.RuleType, &r.RuleValue, &r.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RestrictionRule is a single user-attribute deny rule.
type RestrictionRule struct {
	Name      string
	RuleType  string
	RuleValue string
	ExpiresAt sql.NullTime
}

// ErrDuplicateThread is returned when a unique-constraint violation is hit
// inserting a thread at (board_id, thread_number).
var ErrDuplicateThread = fmt.Errorf("duplicate thread at this board and thread_number")

// duplicateKeyErrno is MySQL's ER_DUP_ENTRY, returned for any unique-key
// violation (primary key or UNIQUE KEY).
const duplicateKeyErrno = 1062

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqldriver.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == duplicateKeyErrno
}
