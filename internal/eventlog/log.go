// Package eventlog implements the append-only, file-backed status log.
//
// One log file per feature scope: <root>/<feature>/status.events.jsonl,
// one event per line, UTF-8 JSON. Appends are serialized per scope with an
// exclusive lockfile; this is the only blocking operation in the system and
// it never blocks readers or writers of other scopes. Reads are
// side-effect-free.
//
// Events are validated structurally (typed checks plus the CUE contract)
// before any bytes are written. A malformed line found on read is a
// recoverable per-line error, never fatal for the file.
package eventlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gantry-dev/gantry/internal/event"
	"github.com/gantry-dev/gantry/internal/reduce"
	"github.com/gantry-dev/gantry/internal/schema"
)

const (
	eventsFileName   = "status.events.jsonl"
	snapshotFileName = "status.snapshot.json"
	lockFileName     = "status.events.lock"

	lockRetryInterval = 10 * time.Millisecond
	lockTimeout       = 5 * time.Second
	// A lock older than this belongs to a crashed writer and is stolen.
	lockStaleAge = 30 * time.Second
)

// AppendError reports an I/O failure while writing to the log. The append
// did not happen (or may be torn only at the filesystem level before the
// newline, which readers tolerate); callers may retry.
type AppendError struct {
	Scope string
	Err   error
}

func (e *AppendError) Error() string {
	return fmt.Sprintf("append to %s log: %v", e.Scope, e.Err)
}

func (e *AppendError) Unwrap() error { return e.Err }

// LineError reports one unparseable or invalid log line. Recoverable: the
// rest of the file is still read.
type LineError struct {
	Scope string `json:"scope"`
	Line  int    `json:"line"` // 1-based
	Text  string `json:"text"`
	Err   error  `json:"-"`
	Msg   string `json:"error"`
}

func (e *LineError) Error() string {
	return fmt.Sprintf("%s line %d: %v", e.Scope, e.Line, e.Err)
}

func (e *LineError) Unwrap() error { return e.Err }

// Log is a directory of per-feature event logs.
type Log struct {
	root      string
	validator *schema.Validator
}

// Open prepares a log rooted at dir, creating it if needed.
func Open(dir string) (*Log, error) {
	v, err := schema.Default()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log root: %w", err)
	}
	return &Log{root: dir, validator: v}, nil
}

// Root returns the log root directory.
func (l *Log) Root() string { return l.root }

// Path returns the events file path for a feature scope.
func (l *Log) Path(feature string) string {
	return filepath.Join(l.root, feature, eventsFileName)
}

// SnapshotPath returns the materialized snapshot path for a feature scope.
func (l *Log) SnapshotPath(feature string) string {
	return filepath.Join(l.root, feature, snapshotFileName)
}

// Append validates one event and writes it as one line to the feature's
// log. Validation failure surfaces as *event.SchemaError with nothing
// written; write failure as *AppendError.
func (l *Log) Append(ev event.Event) error {
	if err := l.validator.Validate(ev); err != nil {
		return err
	}
	feature := ev.Aggregate.Feature

	line, err := json.Marshal(ev)
	if err != nil {
		return &event.SchemaError{EventID: ev.ID, Field: "event", Message: err.Error()}
	}
	line = append(line, '\n')

	dir := filepath.Join(l.root, feature)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &AppendError{Scope: feature, Err: err}
	}

	unlock, err := l.lock(feature)
	if err != nil {
		return &AppendError{Scope: feature, Err: err}
	}
	defer unlock()

	f, err := os.OpenFile(l.Path(feature), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return &AppendError{Scope: feature, Err: err}
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return &AppendError{Scope: feature, Err: err}
	}
	if err := f.Sync(); err != nil {
		return &AppendError{Scope: feature, Err: err}
	}
	return nil
}

// ReadAll returns every event of a feature scope in on-disk order (not
// necessarily causal order; callers needing causal order go through the
// merge/reduce path) along with per-line errors for unparseable lines.
// A missing log file reads as empty.
func (l *Log) ReadAll(feature string) ([]event.Event, []LineError, error) {
	return readFile(feature, l.Path(feature), true)
}

// ReadFile reads one event log file by path, e.g. another branch's copy of
// a feature log staged for merging. Same per-line error isolation as
// ReadAll; the file must exist.
func ReadFile(path string) ([]event.Event, []LineError, error) {
	return readFile(path, path, false)
}

func readFile(scope, path string, missingOK bool) ([]event.Event, []LineError, error) {
	f, err := os.Open(path)
	if err != nil {
		if missingOK && errors.Is(err, os.ErrNotExist) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("read %s log: %w", scope, err)
	}
	defer f.Close()

	var events []event.Event
	var lineErrs []LineError

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var ev event.Event
		if err := json.Unmarshal([]byte(text), &ev); err != nil {
			lineErrs = append(lineErrs, LineError{
				Scope: scope, Line: lineNo, Text: text, Err: err, Msg: err.Error(),
			})
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return events, lineErrs, fmt.Errorf("read %s log: %w", scope, err)
	}
	return events, lineErrs, nil
}

// Features lists every feature scope that has a log file, sorted.
func (l *Log) Features() ([]string, error) {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var features []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(l.Path(e.Name())); err == nil {
			features = append(features, e.Name())
		}
	}
	sort.Strings(features)
	return features, nil
}

// MaxLamport scans a feature's events for the highest clock value. Used to
// resume a local Lamport clock before appending.
func (l *Log) MaxLamport(feature string) (int64, error) {
	events, _, err := l.ReadAll(feature)
	if err != nil {
		return 0, err
	}
	var max int64
	for _, ev := range events {
		if ev.Lamport > max {
			max = ev.Lamport
		}
	}
	return max, nil
}

// WriteSnapshot overwrites the feature's materialized snapshot file
// wholesale with canonical JSON. The snapshot is derived state: disposable,
// regenerable, never hand-edited.
func (l *Log) WriteSnapshot(feature string, snap *reduce.Snapshot) error {
	data, err := event.MarshalCanonical(snap)
	if err != nil {
		return fmt.Errorf("snapshot for %s: %w", feature, err)
	}
	data = append(data, '\n')

	dir := filepath.Join(l.root, feature)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("snapshot for %s: %w", feature, err)
	}
	tmp, err := os.CreateTemp(dir, snapshotFileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("snapshot for %s: %w", feature, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("snapshot for %s: %w", feature, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("snapshot for %s: %w", feature, err)
	}
	if err := os.Rename(tmpName, l.SnapshotPath(feature)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("snapshot for %s: %w", feature, err)
	}
	return nil
}

// lock takes the per-scope append lock. Exclusive-create of a lockfile;
// contenders poll until the holder releases or the lock goes stale.
func (l *Log) lock(feature string) (func(), error) {
	path := filepath.Join(l.root, feature, lockFileName)
	deadline := time.Now().Add(lockTimeout)
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return func() { os.Remove(path) }, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, err
		}
		if info, statErr := os.Stat(path); statErr == nil && time.Since(info.ModTime()) > lockStaleAge {
			// Holder crashed; steal the lock. Rename is atomic, so when
			// several contenders see the same stale lock only one steal
			// succeeds. A plain Remove here could delete a fresh lock a
			// faster contender created after its own steal.
			stolen := path + ".stale"
			if os.Rename(path, stolen) == nil {
				if si, err := os.Stat(stolen); err == nil && time.Since(si.ModTime()) > lockStaleAge {
					os.Remove(stolen)
				} else {
					// A live lock slipped in between the stat and the
					// rename; hand it back to its holder.
					os.Rename(stolen, path)
				}
			}
			continue
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("lock %s: timed out after %s", path, lockTimeout)
		}
		time.Sleep(lockRetryInterval)
	}
}
