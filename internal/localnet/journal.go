package localnet

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	_ "github.com/mattn/go-sqlite3"
)

// Journal persists processed transactions and the address index used by
// getSignaturesForAddress.
type Journal struct {
	db *sql.DB
}

// TxRecord is one processed transaction.
type TxRecord struct {
	ID        int64
	Signature solana.Signature
	Slot      uint64
	BlockTime time.Time
	Err       json.RawMessage // nil when the transaction succeeded
	Logs      []string
	Accounts  []solana.PublicKey
}

// NewJournal opens (or creates) a journal at dbPath. ":memory:" keeps it in RAM.
func NewJournal(dbPath string) (*Journal, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	// an in-memory database lives per connection
	db.SetMaxOpenConns(1)

	j := &Journal{db: db}
	if err := j.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create journal schema: %w", err)
	}
	return j, nil
}

func (j *Journal) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS transactions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		signature TEXT NOT NULL UNIQUE,
		slot INTEGER NOT NULL,
		block_time INTEGER NOT NULL,
		err TEXT,
		logs TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS account_signatures (
		address TEXT NOT NULL,
		tx_id INTEGER NOT NULL,
		PRIMARY KEY(address, tx_id),
		FOREIGN KEY(tx_id) REFERENCES transactions(id)
	);

	CREATE INDEX IF NOT EXISTS idx_account_signatures_address
		ON account_signatures(address, tx_id DESC);
	`
	_, err := j.db.Exec(schema)
	return err
}

// Record stores a processed transaction and indexes every account it touched.
func (j *Journal) Record(rec *TxRecord) error {
	logs, err := json.Marshal(rec.Logs)
	if err != nil {
		return err
	}
	var errText sql.NullString
	if rec.Err != nil {
		errText = sql.NullString{String: string(rec.Err), Valid: true}
	}

	tx, err := j.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.Exec(
		`INSERT INTO transactions (signature, slot, block_time, err, logs)
		 VALUES (?, ?, ?, ?, ?)`,
		rec.Signature.String(), rec.Slot, rec.BlockTime.Unix(), errText, string(logs),
	)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO account_signatures (address, tx_id) VALUES (?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, addr := range rec.Accounts {
		if _, err := stmt.Exec(addr.String(), id); err != nil {
			return fmt.Errorf("failed to index account: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	rec.ID = id
	return nil
}

// Get returns the record for sig, or nil when it has not been processed.
func (j *Journal) Get(sig solana.Signature) (*TxRecord, error) {
	row := j.db.QueryRow(
		`SELECT id, signature, slot, block_time, err, logs
		 FROM transactions WHERE signature = ?`,
		sig.String(),
	)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// Has reports whether sig was already processed.
func (j *Journal) Has(sig solana.Signature) (bool, error) {
	var n int
	err := j.db.QueryRow(`SELECT COUNT(1) FROM transactions WHERE signature = ?`, sig.String()).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SignaturesForAddress lists transactions touching addr, newest first.
// When before is set, only transactions older than it are returned.
func (j *Journal) SignaturesForAddress(addr solana.PublicKey, limit int, before *solana.Signature) ([]*TxRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}

	cursor := int64(1<<63 - 1)
	if before != nil {
		err := j.db.QueryRow(`SELECT id FROM transactions WHERE signature = ?`, before.String()).Scan(&cursor)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
	}

	rows, err := j.db.Query(
		`SELECT t.id, t.signature, t.slot, t.block_time, t.err, t.logs
		 FROM account_signatures a
		 JOIN transactions t ON t.id = a.tx_id
		 WHERE a.address = ? AND t.id < ?
		 ORDER BY t.id DESC
		 LIMIT ?`,
		addr.String(), cursor, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TxRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the database connection
func (j *Journal) Close() error {
	return j.db.Close()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (*TxRecord, error) {
	var (
		rec       TxRecord
		sig       string
		blockTime int64
		errText   sql.NullString
		logs      string
	)
	if err := s.Scan(&rec.ID, &sig, &rec.Slot, &blockTime, &errText, &logs); err != nil {
		return nil, err
	}
	parsed, err := solana.SignatureFromBase58(sig)
	if err != nil {
		return nil, err
	}
	rec.Signature = parsed
	rec.BlockTime = time.Unix(blockTime, 0)
	if errText.Valid {
		rec.Err = json.RawMessage(errText.String)
	}
	if err := json.Unmarshal([]byte(logs), &rec.Logs); err != nil {
		return nil, err
	}
	return &rec, nil
}
