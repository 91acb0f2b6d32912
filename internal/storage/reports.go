package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	logx "reportbot/pkg/logx"
)

// InsertReport persists a new report. The insert is atomic on the id: when a
// report with the same id already exists, nothing is written and
// ErrDuplicateReport is returned, so two racing first inserts cannot both
// succeed.
func (s *Store) InsertReport(ctx context.Context, r Report) error {
	tags, err := json.Marshal(emptyIfNil(r.Tags))
	if err != nil {
		return err
	}
	seenBy, err := json.Marshal(emptyIfNil(r.SeenBy))
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO reports(id, error_desc, tags, date, comment, url, seen, seen_by, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO NOTHING`,
		r.ID, r.ErrorDesc, string(tags), r.Date.UTC().Format(time.RFC3339Nano),
		nullStr(r.Comment), nullStr(r.URL), boolToInt(r.Seen), string(seenBy),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicateReport
	}
	return nil
}

// FindReport returns the persisted report for id, or ok=false when absent.
func (s *Store) FindReport(ctx context.Context, id string) (Report, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, error_desc, tags, date, comment, url, seen, seen_by FROM reports WHERE id = ?`, id)
	r, err := scanReport(row)
	if err == sql.ErrNoRows {
		return Report{}, false, nil
	}
	if err != nil {
		return Report{}, false, err
	}
	return r, true, nil
}

// SetReportSeen updates the acknowledgement flag. A non-empty seenBy is
// unioned into the existing acknowledger set, never overwritten.
func (s *Store) SetReportSeen(ctx context.Context, id string, seen bool, seenBy string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT seen_by FROM reports WHERE id = ?`, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	var acked []string
	if err := json.Unmarshal([]byte(raw), &acked); err != nil {
		s.log.Warn("seen_by column unreadable; resetting", logx.String("id", id), logx.Err(err))
		acked = nil
	}
	if seenBy != "" && !contains(acked, seenBy) {
		acked = append(acked, seenBy)
	}
	merged, err := json.Marshal(emptyIfNil(acked))
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE reports SET seen = ?, seen_by = ? WHERE id = ?`,
		boolToInt(seen), string(merged), id); err != nil {
		return err
	}
	return tx.Commit()
}

// ListReports returns one page of reports, newest first, optionally
// restricted to reports carrying at least one of the given tags.
func (s *Store) ListReports(ctx context.Context, tags []string, page, limit int) (ReportPage, error) {
	if limit <= 0 {
		limit = 25
	}
	if page < 0 {
		page = 0
	}

	where := ""
	args := []any{}
	if len(tags) > 0 {
		ph := strings.TrimSuffix(strings.Repeat("?,", len(tags)), ",")
		where = fmt.Sprintf(` WHERE EXISTS (SELECT 1 FROM json_each(reports.tags) WHERE json_each.value IN (%s))`, ph)
		for _, t := range tags {
			args = append(args, t)
		}
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reports`+where, args...).Scan(&count); err != nil {
		return ReportPage{}, err
	}

	q := `SELECT id, error_desc, tags, date, comment, url, seen, seen_by FROM reports` +
		where + ` ORDER BY date DESC LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, q, append(args, limit, page*limit)...)
	if err != nil {
		return ReportPage{}, err
	}
	defer rows.Close()

	out := ReportPage{Page: page, Limit: limit, Count: count, Reports: []Report{}}
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return ReportPage{}, err
		}
		out.Reports = append(out.Reports, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReport(row rowScanner) (Report, error) {
	var (
		r            Report
		tagsRaw      string
		dateRaw      string
		comment, url sql.NullString
		seen         int
		seenByRaw    string
	)
	if err := row.Scan(&r.ID, &r.ErrorDesc, &tagsRaw, &dateRaw, &comment, &url, &seen, &seenByRaw); err != nil {
		return Report{}, err
	}
	if err := json.Unmarshal([]byte(tagsRaw), &r.Tags); err != nil {
		return Report{}, fmt.Errorf("report %s: bad tags column: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(seenByRaw), &r.SeenBy); err != nil {
		return Report{}, fmt.Errorf("report %s: bad seen_by column: %w", r.ID, err)
	}
	t, err := time.Parse(time.RFC3339Nano, dateRaw)
	if err != nil {
		return Report{}, fmt.Errorf("report %s: bad date column: %w", r.ID, err)
	}
	r.Date = t
	r.Comment = comment.String
	r.URL = url.String
	r.Seen = seen != 0
	r.Saved = true
	return r, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func emptyIfNil(xs []string) []string {
	if xs == nil {
		return []string{}
	}
	return xs
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
