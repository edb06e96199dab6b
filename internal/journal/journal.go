// ============================================================================
// bulkwrite Job Journal - append-only audit log of job events
// ============================================================================
//
// Package: internal/journal
// File: journal.go
// Purpose: keep a durable, verifiable trail of every job lifecycle event
//
// Format:
//   One JSON record per line:
//     {"seq":12,"timestamp":1735732800000,"event":{...},"checksum":2893749012}
//   seq is monotonically increasing across restarts (the last seq is read back
//   when an existing file is opened). The checksum is CRC32-IEEE over
//   "<seq>|" followed by the JSON encoding of the event.
//
// Scope:
//   The journal is an audit trail only. Nothing replays it into a registry;
//   `bulkwrite history` reads it back for display.
//
// Durability:
//   syncOnAppend=true fsyncs after every record. Otherwise the OS decides,
//   and Close flushes. Attach Observe with Registry.AddObserver: the
//   asynchronous Subscribe path drops events for a slow subscriber.
//
// ============================================================================

package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/ChuLiYu/bulkwrite/pkg/types"
)

var (
	// ErrJournalClosed is returned by Append after Close
	ErrJournalClosed = errors.New("journal: already closed")
	// ErrChecksumMismatch is returned by Replay for a tampered or torn record
	ErrChecksumMismatch = errors.New("journal: checksum mismatch")
	// ErrCorruptedJournal is returned by Replay for an undecodable line
	ErrCorruptedJournal = errors.New("journal: file is corrupted")
)

// ChecksumError reports which record failed verification
type ChecksumError struct {
	Seq      uint64
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("journal: checksum mismatch at seq %d: expected %08x, got %08x", e.Seq, e.Expected, e.Actual)
}

// Unwrap lets errors.Is match ErrChecksumMismatch
func (e *ChecksumError) Unwrap() error {
	return ErrChecksumMismatch
}

// Record is one journal line
type Record struct {
	Seq       uint64         `json:"seq"`
	Timestamp int64          `json:"timestamp"` // Unix milliseconds, time of append
	Event     types.JobEvent `json:"event"`
	Checksum  uint32         `json:"checksum"`
}

// Checksum computes the CRC32 of a record's seq and event
func Checksum(seq uint64, event types.JobEvent) (uint32, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return 0, err
	}
	h := crc32.NewIEEE()
	h.Write([]byte(strconv.FormatUint(seq, 10)))
	h.Write([]byte{'|'})
	h.Write(payload)
	return h.Sum32(), nil
}

// Journal appends JobEvents to a file
type Journal struct {
	mu           sync.Mutex
	file         *os.File
	writer       *bufio.Writer
	encoder      *json.Encoder
	path         string
	seq          uint64
	syncOnAppend bool
	closed       bool
	logger       *slog.Logger
}

// Open creates or reopens the journal at path.
// An existing file is scanned so seq continues after its last record.
func Open(path string, syncOnAppend bool) (*Journal, error) {
	var seq uint64
	err := Replay(path, func(r Record) error {
		seq = r.Seq
		return nil
	})
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to scan journal: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	w := bufio.NewWriter(file)
	return &Journal{
		file:         file,
		writer:       w,
		encoder:      json.NewEncoder(w),
		path:         path,
		seq:          seq,
		syncOnAppend: syncOnAppend,
		logger:       slog.Default(),
	}, nil
}

// Append writes one event and returns its sequence number
func (j *Journal) Append(event types.JobEvent) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return 0, ErrJournalClosed
	}

	seq := j.seq + 1
	sum, err := Checksum(seq, event)
	if err != nil {
		return 0, fmt.Errorf("failed to encode event: %w", err)
	}
	rec := Record{
		Seq:       seq,
		Timestamp: time.Now().UnixMilli(),
		Event:     event,
		Checksum:  sum,
	}
	if err := j.encoder.Encode(rec); err != nil {
		return 0, fmt.Errorf("failed to append record: %w", err)
	}
	if err := j.writer.Flush(); err != nil {
		return 0, fmt.Errorf("failed to flush journal: %w", err)
	}
	if j.syncOnAppend {
		if err := j.file.Sync(); err != nil {
			return 0, fmt.Errorf("failed to sync journal: %w", err)
		}
	}
	j.seq = seq
	return seq, nil
}

// Observe appends event and logs failures; it fits Registry.AddObserver
func (j *Journal) Observe(event types.JobEvent) {
	if _, err := j.Append(event); err != nil && !errors.Is(err, ErrJournalClosed) {
		j.logger.Error("Failed to journal job event", "jobID", event.JobID, "event", event.Type, "error", err)
	}
}

// LastSeq returns the sequence number of the last appended record
func (j *Journal) LastSeq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Path returns the journal file path
func (j *Journal) Path() string {
	return j.path
}

// Close flushes, syncs and closes the file. Calling it twice is a no-op.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true

	if err := j.writer.Flush(); err != nil {
		j.file.Close()
		return err
	}
	if err := j.file.Sync(); err != nil {
		j.file.Close()
		return err
	}
	return j.file.Close()
}

// Replay reads every record of the journal at path in order, verifying
// checksums, and calls fn for each. It stops at the first error.
func Replay(path string, fn func(Record) error) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	decoder := json.NewDecoder(bufio.NewReader(file))
	for decoder.More() {
		var rec Record
		if err := decoder.Decode(&rec); err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptedJournal, err)
		}

		expected, err := Checksum(rec.Seq, rec.Event)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptedJournal, err)
		}
		if expected != rec.Checksum {
			return &ChecksumError{Seq: rec.Seq, Expected: expected, Actual: rec.Checksum}
		}

		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// Tail returns the last n records of the journal at path (all when n <= 0)
func Tail(path string, n int) ([]Record, error) {
	var records []Record
	err := Replay(path, func(r Record) error {
		records = append(records, r)
		if n > 0 && len(records) > n {
			records = records[1:]
		}
		return nil
	})
	return records, err
}
