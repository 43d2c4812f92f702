package drshare

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const (
	journalDirPermissions = 0750
	journalWriteTimeout   = 2 * time.Second
	journalQueueSize      = 1024
)

// ErrJournalClosed is returned when an Event is observed after the Journal is closed
var ErrJournalClosed = errors.New("journal closed")

const journalSchema = `
CREATE TABLE IF NOT EXISTS events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	ts          INTEGER NOT NULL,
	kind        TEXT    NOT NULL,
	session_id  INTEGER,
	device_id   TEXT,
	command_id  TEXT,
	action      TEXT,
	status      TEXT,
	message     TEXT,
	data        TEXT,
	error       TEXT,
	round_trip_ms INTEGER
);
CREATE INDEX IF NOT EXISTS idx_events_device ON events(device_id, ts);
CREATE INDEX IF NOT EXISTS idx_events_command ON events(command_id);
`

// journalOp is one queued write. A nil ev is a flush barrier.
type journalOp struct {
	ev   *Event
	done chan struct{}
}

// Journal is an Observer that appends every Event to a SQLite database, as an audit
// trail of registrations, commands and responses. It is write-only; nothing is read
// back into the registry on restart.
//
// Inserts happen on a single writer goroutine. Observe only enqueues, so a slow disk
// never stalls the Hub loop; when the queue is full the Event is dropped.
type Journal struct {
	Logger
	db        *sql.DB
	path      string
	queue     chan journalOp
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// OpenJournal opens (creating if necessary) the journal database at path
func OpenJournal(logger Logger, path string) (*Journal, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, journalDirPermissions); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, journalSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating journal schema: %w", err)
	}

	j := &Journal{
		Logger: logger.Fork("Journal"),
		db:     db,
		path:   path,
		queue:  make(chan journalOp, journalQueueSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go j.writeLoop()
	j.ILogf("Recording events to %s", path)
	return j, nil
}

// Observe implements Observer. It never blocks.
func (j *Journal) Observe(ev *Event) error {
	select {
	case <-j.stop:
		return ErrJournalClosed
	default:
	}
	select {
	case j.queue <- journalOp{ev: ev}:
		return nil
	default:
		return j.Errorf("queue full; dropped %s event", ev.Kind)
	}
}

// Flush waits until every Event observed before the call has been written
func (j *Journal) Flush(ctx context.Context) error {
	op := journalOp{done: make(chan struct{})}
	select {
	case j.queue <- op:
	case <-j.stop:
		return ErrJournalClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-op.done:
		return nil
	case <-j.done:
		return ErrJournalClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *Journal) writeLoop() {
	defer close(j.done)
	for {
		select {
		case op := <-j.queue:
			j.apply(op)
		case <-j.stop:
			// drain what was queued before Close
			for {
				select {
				case op := <-j.queue:
					j.apply(op)
				default:
					return
				}
			}
		}
	}
}

func (j *Journal) apply(op journalOp) {
	if op.ev == nil {
		close(op.done)
		return
	}
	if err := j.insert(op.ev); err != nil {
		j.WLogf("%s", err)
	}
}

func (j *Journal) insert(ev *Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), journalWriteTimeout)
	defer cancel()

	var data sql.NullString
	if len(ev.Data) > 0 {
		data = sql.NullString{String: string(ev.Data), Valid: true}
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO events (ts, kind, session_id, device_id, command_id, action, status, message, data, error, round_trip_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.Time.UnixNano()/int64(time.Millisecond),
		string(ev.Kind),
		ev.SessionID,
		ev.DeviceID,
		ev.CommandID,
		ev.Action,
		ev.Status,
		ev.Message,
		data,
		ev.Error,
		ev.RoundTrip.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("journal insert: %w", err)
	}
	return nil
}

// JournalEntry is one row of the journal, as returned by Recent
type JournalEntry struct {
	Time      time.Time
	Kind      EventKind
	DeviceID  string
	CommandID string
	Status    string
}

// Recent returns up to limit of the newest journal entries, newest first. Events
// observed before the call are included.
func (j *Journal) Recent(ctx context.Context, limit int) ([]JournalEntry, error) {
	if err := j.Flush(ctx); err != nil {
		return nil, err
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT ts, kind, device_id, command_id, status FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("journal query: %w", err)
	}
	defer rows.Close()

	var entries []JournalEntry
	for rows.Next() {
		var ms int64
		var e JournalEntry
		var kind string
		var deviceID, commandID, status sql.NullString
		if err := rows.Scan(&ms, &kind, &deviceID, &commandID, &status); err != nil {
			return nil, fmt.Errorf("journal scan: %w", err)
		}
		e.Time = time.Unix(0, ms*int64(time.Millisecond))
		e.Kind = EventKind(kind)
		e.DeviceID = deviceID.String
		e.CommandID = commandID.String
		e.Status = status.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close writes out queued Events and closes the journal database
func (j *Journal) Close() error {
	j.closeOnce.Do(func() { close(j.stop) })
	<-j.done
	if err := j.db.Close(); err != nil {
		return fmt.Errorf("closing journal: %w", err)
	}
	return nil
}
