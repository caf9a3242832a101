package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"msgsched/internal/domain"
)

var ErrNotFound = errors.New("scheduled message not found")

// Open opens the SQLite database with a single connection so every statement,
// and therefore every write, is serialized.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := EnsureSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return db, nil
}

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS scheduled_messages (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  recipient_jids TEXT NOT NULL DEFAULT '[]',
  recipient_names TEXT NOT NULL DEFAULT '[]',
  message TEXT NOT NULL DEFAULT '',
  media_path TEXT,
  scheduled_time INTEGER NOT NULL,
  repeat_type INTEGER NOT NULL DEFAULT 0 CHECK(repeat_type BETWEEN 0 AND 4),
  repeat_days INTEGER NOT NULL DEFAULT 0 CHECK(repeat_days BETWEEN 0 AND 127),
  is_active INTEGER NOT NULL DEFAULT 1 CHECK(is_active IN (0,1)),
  is_sent INTEGER NOT NULL DEFAULT 0 CHECK(is_sent IN (0,1)),
  last_sent_time INTEGER NOT NULL DEFAULT 0,
  created_time INTEGER NOT NULL,
  channel_variant INTEGER NOT NULL DEFAULT 0 CHECK(channel_variant IN (0,1))
);
CREATE INDEX IF NOT EXISTS idx_messages_active ON scheduled_messages(is_active, scheduled_time);
CREATE INDEX IF NOT EXISTS idx_messages_history ON scheduled_messages(is_sent, repeat_type, last_sent_time DESC);
`
	_, err := db.Exec(schema)
	return err
}

type Repository interface {
	Insert(ctx context.Context, it domain.ScheduledItem) (int64, error)
	Update(ctx context.Context, it domain.ScheduledItem) error
	Edit(ctx context.Context, it domain.ScheduledItem) (domain.ScheduledItem, error)
	Delete(ctx context.Context, id int64) error
	GetByID(ctx context.Context, id int64) (domain.ScheduledItem, error)
	GetAll(ctx context.Context) ([]domain.ScheduledItem, error)
	GetActive(ctx context.Context) ([]domain.ScheduledItem, error)
	GetPendingMessages(ctx context.Context, now time.Time) ([]domain.ScheduledItem, error)
	GetSentOnceHistory(ctx context.Context) ([]domain.ScheduledItem, error)
	MarkAsSent(ctx context.Context, id int64, now time.Time) error
	ToggleActive(ctx context.Context, id int64, active bool) error
	Stats(ctx context.Context) (Stats, error)
}

type Stats struct {
	Total    int `json:"total"`
	Active   int `json:"active"`
	SentOnce int `json:"sent_once"`
}

type Option func(*sqliteRepo)

// WithLocation sets the zone stored instants are decoded into. Weekday and
// hour:minute recurrence math runs in this zone.
func WithLocation(loc *time.Location) Option {
	return func(r *sqliteRepo) {
		if loc != nil {
			r.loc = loc
		}
	}
}

type sqliteRepo struct {
	db  *sql.DB
	loc *time.Location

	// wmu is the single write path; read-modify-write sequences hold it.
	wmu sync.Mutex
}

func NewSQLiteRepo(db *sql.DB, opts ...Option) Repository {
	r := &sqliteRepo{db: db, loc: time.Local}
	for _, o := range opts {
		o(r)
	}
	return r
}

const columns = `id,recipient_jids,recipient_names,message,media_path,scheduled_time,repeat_type,repeat_days,is_active,is_sent,last_sent_time,created_time,channel_variant`

func (r *sqliteRepo) Insert(ctx context.Context, it domain.ScheduledItem) (int64, error) {
	jids, names, err := EncodeRecipients(it.Recipients)
	if err != nil {
		return 0, err
	}
	if it.CreatedTime.IsZero() {
		it.CreatedTime = time.Now()
	}

	r.wmu.Lock()
	defer r.wmu.Unlock()
	res, err := r.db.ExecContext(ctx, `
INSERT INTO scheduled_messages (recipient_jids,recipient_names,message,media_path,scheduled_time,repeat_type,repeat_days,is_active,is_sent,last_sent_time,created_time,channel_variant)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
`, jids, names, it.Message, nullStr(it.MediaPath), toMillis(it.ScheduledTime), int(it.RepeatType), int(it.RepeatDays),
		boolInt(it.IsActive), boolInt(it.IsSent), toMillis(it.LastSentTime), toMillis(it.CreatedTime), int(it.ChannelVariant))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Update overwrites every mutable column; created_time is kept.
func (r *sqliteRepo) Update(ctx context.Context, it domain.ScheduledItem) error {
	jids, names, err := EncodeRecipients(it.Recipients)
	if err != nil {
		return err
	}

	r.wmu.Lock()
	defer r.wmu.Unlock()
	return affectedOne(r.db.ExecContext(ctx, updateSQL, updateArgs(it, jids, names)...))
}

const updateSQL = `
UPDATE scheduled_messages
SET recipient_jids=?,recipient_names=?,message=?,media_path=?,scheduled_time=?,repeat_type=?,repeat_days=?,is_active=?,is_sent=?,last_sent_time=?,channel_variant=?
WHERE id=?`

func updateArgs(it domain.ScheduledItem, jids, names string) []any {
	return []any{jids, names, it.Message, nullStr(it.MediaPath), toMillis(it.ScheduledTime), int(it.RepeatType), int(it.RepeatDays),
		boolInt(it.IsActive), boolInt(it.IsSent), toMillis(it.LastSentTime), int(it.ChannelVariant), it.ID}
}

// Edit applies a user edit and returns the stored row. The sent state is
// read under the write lock: it is kept while the schedule (time and repeat
// type) is unchanged and cleared when the item is rescheduled, so a delivery
// recorded between the caller's read and this write is not lost.
func (r *sqliteRepo) Edit(ctx context.Context, it domain.ScheduledItem) (_ domain.ScheduledItem, err error) {
	jids, names, err := EncodeRecipients(it.Recipients)
	if err != nil {
		return domain.ScheduledItem{}, err
	}

	r.wmu.Lock()
	defer r.wmu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.ScheduledItem{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	cur, err := r.scan(tx.QueryRowContext(ctx, `SELECT `+columns+` FROM scheduled_messages WHERE id=?`, it.ID))
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrNotFound
		return domain.ScheduledItem{}, err
	}
	if err != nil {
		return domain.ScheduledItem{}, err
	}

	if toMillis(cur.ScheduledTime) == toMillis(it.ScheduledTime) && cur.RepeatType == it.RepeatType {
		it.IsSent = cur.IsSent
		it.LastSentTime = cur.LastSentTime
	} else {
		it.IsSent = false
		it.LastSentTime = time.Time{}
	}
	it.CreatedTime = cur.CreatedTime
	it = domain.Normalize(it)

	if _, err = tx.ExecContext(ctx, updateSQL, updateArgs(it, jids, names)...); err != nil {
		return domain.ScheduledItem{}, err
	}
	if err = tx.Commit(); err != nil {
		return domain.ScheduledItem{}, err
	}
	return it, nil
}

func (r *sqliteRepo) Delete(ctx context.Context, id int64) error {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	res, err := r.db.ExecContext(ctx, "DELETE FROM scheduled_messages WHERE id=?", id)
	return affectedOne(res, err)
}

func (r *sqliteRepo) GetByID(ctx context.Context, id int64) (domain.ScheduledItem, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+columns+` FROM scheduled_messages WHERE id=?`, id)
	it, err := r.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ScheduledItem{}, ErrNotFound
	}
	return it, err
}

func (r *sqliteRepo) GetAll(ctx context.Context) ([]domain.ScheduledItem, error) {
	return r.query(ctx, `SELECT `+columns+` FROM scheduled_messages ORDER BY scheduled_time ASC, id ASC`)
}

func (r *sqliteRepo) GetActive(ctx context.Context) ([]domain.ScheduledItem, error) {
	return r.query(ctx, `SELECT `+columns+` FROM scheduled_messages WHERE is_active=1 ORDER BY scheduled_time ASC, id ASC`)
}

// GetPendingMessages returns the active items that are due at now.
func (r *sqliteRepo) GetPendingMessages(ctx context.Context, now time.Time) ([]domain.ScheduledItem, error) {
	active, err := r.GetActive(ctx)
	if err != nil {
		return nil, err
	}
	due := active[:0]
	for _, it := range active {
		if domain.ShouldSendNow(it, now) {
			due = append(due, it)
		}
	}
	return due, nil
}

func (r *sqliteRepo) GetSentOnceHistory(ctx context.Context) ([]domain.ScheduledItem, error) {
	return r.query(ctx, `SELECT `+columns+` FROM scheduled_messages WHERE is_sent=1 AND repeat_type=? ORDER BY last_sent_time DESC, id DESC`, int(domain.RepeatOnce))
}

// MarkAsSent records a delivery. One-shot items are retired; recurring items keep
// their active flag and are re-evaluated against the new last_sent_time.
func (r *sqliteRepo) MarkAsSent(ctx context.Context, id int64, now time.Time) (err error) {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var rt int
	err = tx.QueryRowContext(ctx, `SELECT repeat_type FROM scheduled_messages WHERE id=?`, id).Scan(&rt)
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrNotFound
		return err
	}
	if err != nil {
		return err
	}

	if domain.RepeatType(rt) == domain.RepeatOnce {
		_, err = tx.ExecContext(ctx, `UPDATE scheduled_messages SET is_sent=1, last_sent_time=?, is_active=0 WHERE id=?`, toMillis(now), id)
	} else {
		_, err = tx.ExecContext(ctx, `UPDATE scheduled_messages SET is_sent=1, last_sent_time=? WHERE id=?`, toMillis(now), id)
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (r *sqliteRepo) ToggleActive(ctx context.Context, id int64, active bool) error {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	res, err := r.db.ExecContext(ctx, `UPDATE scheduled_messages SET is_active=? WHERE id=?`, boolInt(active), id)
	return affectedOne(res, err)
}

func (r *sqliteRepo) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := r.db.QueryRowContext(ctx, `
SELECT COUNT(*),
       COALESCE(SUM(is_active),0),
       COALESCE(SUM(CASE WHEN is_sent=1 AND repeat_type=0 THEN 1 ELSE 0 END),0)
FROM scheduled_messages`).Scan(&s.Total, &s.Active, &s.SentOnce)
	return s, err
}

type scanner interface {
	Scan(dest ...any) error
}

func (r *sqliteRepo) scan(sc scanner) (domain.ScheduledItem, error) {
	var (
		it                          domain.ScheduledItem
		jids, names                 string
		media                       sql.NullString
		scheduled, lastSent, create int64
		rt, days, variant           int
		active, sent                int
	)
	if err := sc.Scan(&it.ID, &jids, &names, &it.Message, &media, &scheduled, &rt, &days, &active, &sent, &lastSent, &create, &variant); err != nil {
		return domain.ScheduledItem{}, err
	}
	it.Recipients = DecodeRecipients(jids, names)
	if media.Valid {
		it.MediaPath = media.String
	}
	it.ScheduledTime = fromMillis(scheduled, r.loc)
	it.LastSentTime = fromMillis(lastSent, r.loc)
	it.CreatedTime = fromMillis(create, r.loc)
	it.RepeatType = domain.RepeatType(rt)
	it.RepeatDays = domain.DayMask(days)
	it.IsActive = active != 0
	it.IsSent = sent != 0
	it.ChannelVariant = domain.ChannelVariant(variant)
	return it, nil
}

func (r *sqliteRepo) query(ctx context.Context, q string, args ...any) ([]domain.ScheduledItem, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.ScheduledItem
	for rows.Next() {
		it, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func affectedOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64, loc *time.Location) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).In(loc)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
