package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"postline/internal/platform"
	logx "postline/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Store is the SQLite-backed persistence layer.
//
// All post status transitions are single conditional UPDATEs so concurrent
// dispatch invocations cannot race past each other.
type Store struct {
	db  *sql.DB
	log logx.Logger
}

func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	s := &Store{db: db, log: log}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- channels ----

func (s *Store) CreateChannel(ctx context.Context, ch Channel) (int64, error) {
	if ch.CreatedAt.IsZero() {
		ch.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO channels(owner_id, name, handle, platform, is_verified, platform_channel_id, failed_reason, created_at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		ch.OwnerID, ch.Name, ch.Handle, string(ch.Platform), ch.IsVerified,
		nullStr(ch.PlatformChannelID), nullStr(ch.FailedReason), fmtTime(ch.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrHandleTaken
		}
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) UpdateChannel(ctx context.Context, ch Channel) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE channels
		 SET name=?, handle=?, platform=?, is_verified=?, platform_channel_id=?, failed_reason=?
		 WHERE id=? AND owner_id=?`,
		ch.Name, ch.Handle, string(ch.Platform), ch.IsVerified,
		nullStr(ch.PlatformChannelID), nullStr(ch.FailedReason), ch.ID, ch.OwnerID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrHandleTaken
		}
		return err
	}
	return oneRowOr(res, ErrNotFound)
}

// DeleteChannel removes the channel and its post associations (cascade);
// the posts themselves stay.
func (s *Store) DeleteChannel(ctx context.Context, id, ownerID int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM channels WHERE id=? AND owner_id=?`, id, ownerID)
	if err != nil {
		return err
	}
	return oneRowOr(res, ErrNotFound)
}

func (s *Store) GetChannel(ctx context.Context, id int64) (Channel, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, name, handle, platform, is_verified, platform_channel_id, failed_reason, created_at
		 FROM channels WHERE id=?`, id)
	return scanChannel(row)
}

func (s *Store) ListChannels(ctx context.Context, ownerID int64) ([]Channel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, name, handle, platform, is_verified, platform_channel_id, failed_reason, created_at
		 FROM channels WHERE owner_id=? ORDER BY id`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// ---- posts ----

// CreatePost persists the post with its target channel set and attachments
// in one transaction. An empty channel set is invalid and must never reach
// dispatch, so it is rejected here.
func (s *Store) CreatePost(ctx context.Context, p Post, channelIDs []int64, atts []Attachment) (int64, error) {
	if len(channelIDs) == 0 {
		return 0, errors.New("post needs at least one target channel")
	}
	if p.Status == "" {
		p.Status = StatusPending
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO posts(owner_id, content, type, status, scheduled_at, error_message, created_at, sent_at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		p.OwnerID, nullStr(p.Content), string(p.Type), string(p.Status),
		nullTime(p.ScheduledAt), nullStr(p.ErrorMessage), fmtTime(p.CreatedAt), nullTime(p.SentAt),
	)
	if err != nil {
		return 0, err
	}
	postID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	for _, chID := range channelIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO post_channels(post_id, channel_id) VALUES(?,?)`, postID, chID); err != nil {
			return 0, err
		}
	}
	for _, a := range atts {
		at := a.CreatedAt
		if at.IsZero() {
			at = time.Now()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO attachments(post_id, path, caption, created_at) VALUES(?,?,?,?)`,
			postID, a.Path, nullStr(a.Caption), fmtTime(at)); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return postID, nil
}

func (s *Store) GetPost(ctx context.Context, id int64) (Post, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, content, type, status, scheduled_at, error_message, created_at, sent_at
		 FROM posts WHERE id=?`, id)
	return scanPost(row)
}

// ChannelsForPost returns the post's bound channels in stable id order.
// Dispatch iterates exactly this order.
func (s *Store) ChannelsForPost(ctx context.Context, postID int64) ([]Channel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.owner_id, c.name, c.handle, c.platform, c.is_verified, c.platform_channel_id, c.failed_reason, c.created_at
		 FROM channels c
		 JOIN post_channels pc ON pc.channel_id = c.id
		 WHERE pc.post_id = ?
		 ORDER BY c.id`, postID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// AttachmentsForPost returns attachments in creation (id) order; album order
// on the wire is exactly this order.
func (s *Store) AttachmentsForPost(ctx context.Context, postID int64) ([]Attachment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, post_id, path, caption, created_at FROM attachments WHERE post_id=? ORDER BY id`, postID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Attachment
	for rows.Next() {
		var a Attachment
		var caption sql.NullString
		var created string
		if err := rows.Scan(&a.ID, &a.PostID, &a.Path, &caption, &created); err != nil {
			return nil, err
		}
		a.Caption = caption.String
		a.CreatedAt = parseTime(created)
		out = append(out, a)
	}
	return out, rows.Err()
}

// ---- status transitions ----

// ClaimSending attempts the pending -> sending transition. It reports whether
// this caller won the claim; a duplicate trigger loses and must no-op.
func (s *Store) ClaimSending(ctx context.Context, postID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE posts SET status=? WHERE id=? AND status=?`,
		string(StatusSending), postID, string(StatusPending))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// FinishPost records the end of a dispatch attempt. sent_at is only set on
// the first success and error_message always carries the per-channel trail.
func (s *Store) FinishPost(ctx context.Context, postID int64, status PostStatus, errorMessage string, sentAt *time.Time) error {
	var res sql.Result
	var err error
	if sentAt != nil {
		res, err = s.db.ExecContext(ctx,
			`UPDATE posts SET status=?, error_message=?, sent_at=COALESCE(sent_at, ?) WHERE id=?`,
			string(status), nullStr(errorMessage), fmtTime(*sentAt), postID)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE posts SET status=?, error_message=? WHERE id=?`,
			string(status), nullStr(errorMessage), postID)
	}
	if err != nil {
		return err
	}
	return oneRowOr(res, ErrNotFound)
}

// CancelPost cancels a scheduled post. The boundary is strict: a post whose
// scheduled time is now or in the past is no longer cancellable, and neither
// is one that was queued for immediate dispatch.
func (s *Store) CancelPost(ctx context.Context, postID, ownerID int64, now time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE posts SET status=?
		 WHERE id=? AND owner_id=? AND status=? AND scheduled_at IS NOT NULL AND scheduled_at > ?`,
		string(StatusCancelled), postID, ownerID, string(StatusPending), fmtTime(now))
	if err != nil {
		return err
	}
	return oneRowOr(res, ErrNotCancellable)
}

// RetryPost is the manual failed -> pending transition. It clears the
// error message so the next dispatch attempt starts with a clean trail.
func (s *Store) RetryPost(ctx context.Context, postID, ownerID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE posts SET status=?, error_message=NULL WHERE id=? AND owner_id=? AND status=?`,
		string(StatusPending), postID, ownerID, string(StatusFailed))
	if err != nil {
		return err
	}
	return oneRowOr(res, ErrNotRetryable)
}

// DuePosts lists pending posts whose scheduled time has arrived (or that
// were queued for immediate dispatch), oldest first. The scheduler sweep
// uses it to recover posts whose trigger was lost (e.g. across restarts).
func (s *Store) DuePosts(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM posts
		 WHERE status=? AND (scheduled_at IS NULL OR scheduled_at <= ?)
		 ORDER BY id LIMIT ?`,
		string(StatusPending), fmtTime(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ---- audit ----

func (s *Store) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dispatch_audit(at, post_id, invocation, attempt, status, ok_count, fail_count, detail, took_ms)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		fmtTime(e.At), e.PostID, e.Invocation, e.Attempt, string(e.Status),
		e.OKCount, e.FailCount, nullStr(e.Detail), e.TookMS,
	)
	return err
}

// ---- scanning helpers ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChannel(r rowScanner) (Channel, error) {
	var ch Channel
	var plat string
	var nativeID, failedReason sql.NullString
	var created string
	err := r.Scan(&ch.ID, &ch.OwnerID, &ch.Name, &ch.Handle, &plat, &ch.IsVerified, &nativeID, &failedReason, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Channel{}, ErrNotFound
	}
	if err != nil {
		return Channel{}, err
	}
	ch.Platform = platform.Kind(plat)
	ch.PlatformChannelID = nativeID.String
	ch.FailedReason = failedReason.String
	ch.CreatedAt = parseTime(created)
	return ch, nil
}

func scanPost(r rowScanner) (Post, error) {
	var p Post
	var content, errMsg, scheduled, sentAt sql.NullString
	var typ, status, created string
	err := r.Scan(&p.ID, &p.OwnerID, &content, &typ, &status, &scheduled, &errMsg, &created, &sentAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Post{}, ErrNotFound
	}
	if err != nil {
		return Post{}, err
	}
	p.Content = content.String
	p.Type = PostType(typ)
	p.Status = PostStatus(status)
	p.ErrorMessage = errMsg.String
	p.CreatedAt = parseTime(created)
	if scheduled.Valid {
		t := parseTime(scheduled.String)
		p.ScheduledAt = &t
	}
	if sentAt.Valid {
		t := parseTime(sentAt.String)
		p.SentAt = &t
	}
	return p, nil
}

func oneRowOr(res sql.Result, err error) error {
	n, raErr := res.RowsAffected()
	if raErr != nil {
		return raErr
	}
	if n == 0 {
		return err
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return fmtTime(*t)
}

// timeLayout pads nanoseconds to a fixed width so stored timestamps sort
// in temporal order under SQLite's string comparison. RFC3339Nano trims
// trailing zeros, which breaks the scheduled_at range predicates inside a
// second ('Z' sorts after '.').
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
