package imessage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hanoi-build/steward/internal/bus"
)

// appleEpoch is 2001-01-01 00:00:00 UTC as a unix timestamp. Modern macOS
// stores message.date as nanoseconds since that epoch.
const appleEpoch = 978307200

// Cursor marks the last ingested row. Both halves advance together; the
// date half survives a database whose rowids were reset by a restore.
type Cursor struct {
	RowID int64
	Date  int64
}

// Row is one message read from chat.db.
type Row struct {
	RowID       int64
	GUID        string
	Handle      string
	Text        string
	Date        int64
	At          time.Time
	FromMe      bool
	Attachments []bus.Attachment
}

// dbReader wraps a read-only handle on chat.db. Messages.app owns the file;
// we never write to it.
type dbReader struct {
	db *sql.DB
}

func openReader(path string) (*dbReader, error) {
	dsn := fmt.Sprintf("file:%s?mode=ro&_pragma=busy_timeout(3000)&_pragma=query_only(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return &dbReader{db: db}, nil
}

func (r *dbReader) Close() error { return r.db.Close() }

// Tail returns the cursor for the newest message, for seeding on first run.
func (r *dbReader) Tail() (Cursor, error) {
	var rowid, date sql.NullInt64
	err := r.db.QueryRow(`SELECT MAX(ROWID), MAX(date) FROM message`).Scan(&rowid, &date)
	if err != nil {
		return Cursor{}, err
	}
	return Cursor{RowID: rowid.Int64, Date: date.Int64}, nil
}

const messagesAfterQuery = `
SELECT m.ROWID, m.guid, COALESCE(h.id, ''), COALESCE(m.text, ''), m.date, m.is_from_me
FROM message m
LEFT JOIN handle h ON m.handle_id = h.ROWID
WHERE m.ROWID > ? OR m.date > ?
ORDER BY m.ROWID ASC
LIMIT 200`

const attachmentsQuery = `
SELECT COALESCE(a.transfer_name, ''), COALESCE(a.filename, ''), COALESCE(a.total_bytes, 0)
FROM attachment a
JOIN message_attachment_join j ON j.attachment_id = a.ROWID
WHERE j.message_id = ?`

// MessagesAfter reads messages past the cursor, oldest first. Rows with
// neither text nor attachments are skipped. A row matching either half of
// the cursor disjunction may be re-read; downstream ingestion dedupes on
// the message guid.
func (r *dbReader) MessagesAfter(ctx context.Context, after Cursor) ([]Row, error) {
	rows, err := r.db.QueryContext(ctx, messagesAfterQuery, after.RowID, after.Date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var (
			m      Row
			fromMe int
		)
		if err := rows.Scan(&m.RowID, &m.GUID, &m.Handle, &m.Text, &m.Date, &fromMe); err != nil {
			return nil, err
		}
		m.At = appleTime(m.Date)
		m.FromMe = fromMe == 1
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		atts, err := r.attachments(ctx, out[i].RowID)
		if err != nil {
			return nil, err
		}
		out[i].Attachments = atts
	}

	kept := out[:0]
	for _, m := range out {
		if m.Text != "" || len(m.Attachments) > 0 {
			kept = append(kept, m)
		}
	}
	return kept, nil
}

func (r *dbReader) attachments(ctx context.Context, messageID int64) ([]bus.Attachment, error) {
	rows, err := r.db.QueryContext(ctx, attachmentsQuery, messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []bus.Attachment
	for rows.Next() {
		var a bus.Attachment
		if err := rows.Scan(&a.Name, &a.Path, &a.Size); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// appleTime converts a chat.db date column to wall time. Older databases
// stored seconds rather than nanoseconds; small values are treated as such.
func appleTime(v int64) time.Time {
	if v > 1e12 {
		return time.Unix(appleEpoch+v/1e9, v%1e9)
	}
	return time.Unix(appleEpoch+v, 0)
}
