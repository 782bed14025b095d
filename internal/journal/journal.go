// Package journal keeps a local, append-only record of backup runs. Each
// JSONL line carries the SHA-256 of its canonical form and the hash of the
// line before it, so truncation or edits show up on Verify.
package journal

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cassnap-project/cassnap/pkg/errclass"
	"github.com/cassnap-project/cassnap/pkg/jsonutil"
	"github.com/cassnap-project/cassnap/pkg/model"
)

// Journal appends run records to a JSONL file with a hash chain.
type Journal struct {
	path string
	mu   sync.Mutex
}

// New returns a Journal backed by path. The file is created on first Append.
func New(path string) *Journal {
	return &Journal{path: path}
}

// Path returns the journal file path.
func (j *Journal) Path() string {
	return j.path
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// Append chains rec onto the journal and returns it with Timestamp, RunID
// and hashes filled in.
func (j *Journal) Append(rec model.JournalRecord) (model.JournalRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(j.path), 0o755); err != nil {
		return rec, fmt.Errorf("create journal dir: %w", err)
	}
	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return rec, fmt.Errorf("open journal: %w", err)
	}
	defer file.Close()

	if err := lockFile(file); err != nil {
		return rec, fmt.Errorf("lock journal: %w", err)
	}
	defer func() { _ = unlockFile(file) }()

	prev, err := lastHash(file)
	if err != nil {
		return rec, err
	}

	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	rec.Timestamp = rec.Timestamp.UTC()
	if rec.RunID == "" {
		rec.RunID = NewRunID()
	}
	rec.PrevHash = prev
	rec.RecordHash = ""
	hash, err := recordHash(rec)
	if err != nil {
		return rec, err
	}
	rec.RecordHash = hash

	line, err := json.Marshal(rec)
	if err != nil {
		return rec, fmt.Errorf("marshal journal record: %w", err)
	}
	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		return rec, fmt.Errorf("seek journal: %w", err)
	}
	if _, err := file.Write(append(line, '\n')); err != nil {
		return rec, fmt.Errorf("write journal: %w", err)
	}
	if err := file.Sync(); err != nil {
		return rec, fmt.Errorf("sync journal: %w", err)
	}
	return rec, nil
}

// LastHash returns the record hash of the final entry, or "" for an empty
// or missing journal.
func (j *Journal) LastHash() (model.HashValue, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	file, err := os.Open(j.path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("open journal: %w", err)
	}
	defer file.Close()
	return lastHash(file)
}

func lastHash(file *os.File) (model.HashValue, error) {
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("seek journal: %w", err)
	}
	var last model.HashValue
	sc := newScanner(file)
	for sc.Scan() {
		var rec model.JournalRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		last = rec.RecordHash
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("scan journal: %w", err)
	}
	return last, nil
}

// Records returns every record in file order. A missing journal is empty.
func (j *Journal) Records() ([]model.JournalRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	file, err := os.Open(j.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer file.Close()

	var out []model.JournalRecord
	sc := newScanner(file)
	for n := 1; sc.Scan(); n++ {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		rec, err := decode(sc.Bytes())
		if err != nil {
			return out, errclass.ErrJournalBroken.WithMessagef("line %d: %v", n, err)
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("scan journal: %w", err)
	}
	return out, nil
}

// Verify recomputes every record hash and checks each link of the chain. It
// returns the number of valid records read before the first break.
func (j *Journal) Verify() (int, error) {
	records, err := j.Records()
	if err != nil {
		return len(records), err
	}
	var prev model.HashValue
	for i, rec := range records {
		if rec.PrevHash != prev {
			return i, errclass.ErrJournalBroken.WithMessagef("record %d (run %s): prev_hash does not match", i+1, rec.RunID)
		}
		want := rec.RecordHash
		rec.RecordHash = ""
		got, err := recordHash(rec)
		if err != nil {
			return i, err
		}
		if got != want {
			return i, errclass.ErrJournalBroken.WithMessagef("record %d (run %s): record_hash does not match content", i+1, rec.RunID)
		}
		prev = want
	}
	return len(records), nil
}

// decode keeps numbers in Details as json.Number so re-hashing sees the
// original digits.
func decode(line []byte) (model.JournalRecord, error) {
	var rec model.JournalRecord
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	err := dec.Decode(&rec)
	return rec, err
}

func recordHash(rec model.JournalRecord) (model.HashValue, error) {
	rec.RecordHash = ""
	data, err := jsonutil.CanonicalMarshal(rec)
	if err != nil {
		return "", fmt.Errorf("canonical marshal: %w", err)
	}
	sum := sha256.Sum256(data)
	return model.HashValue(hex.EncodeToString(sum[:])), nil
}

func newScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return sc
}
