// Package store persists the results of a collection run.
//
// Writer is the only owner of the result table and the log file. The result
// table is append only while a run is in progress; every row is written with
// a single write call, so a killed process leaves a table which can be used
// to resume the run. Log lines and result rows are guarded by independent
// mutexes.
//
// The optional run journal (journal.go) keeps per host details, which do not
// fit into the result table, in a sqlite database.
package store

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/CZERTAINLY/Harvester/internal/csvcodec"
	"github.com/CZERTAINLY/Harvester/internal/model"
)

// ResumeIndex holds the hostnames already present in a result table
type ResumeIndex map[string]struct{}

func (r ResumeIndex) Has(hostname string) bool {
	_, ok := r[hostname]
	return ok
}

var ErrNotInitialized = errors.New("writer not initialized")

type Writer struct {
	path   string
	specs  []model.CommandSpec
	header []string

	resultMx sync.Mutex
	result   *os.File
	size     int64

	logMx  sync.Mutex
	log    io.Writer
	logErr error

	completed atomic.Int64
	total     atomic.Int64
}

// NewWriter returns a Writer for the result table at path. Log lines are
// written to log, which may be nil.
func NewWriter(path string, specs []model.CommandSpec, log io.Writer) *Writer {
	if log == nil {
		log = io.Discard
	}
	return &Writer{
		path:   path,
		specs:  append([]model.CommandSpec(nil), specs...),
		header: model.Header(specs),
		log:    log,
	}
}

// Header returns the header of the result table
func (w *Writer) Header() []string {
	return slices.Clone(w.header)
}

// Initialize opens the result table for appending. A missing (or empty) table
// is created with a header. An existing table must have the expected header,
// otherwise an error wrapping model.ErrResumeParse is returned. Returns the
// hostnames found in an existing table.
func (w *Writer) Initialize() (ResumeIndex, error) {
	w.resultMx.Lock()
	defer w.resultMx.Unlock()

	if w.result != nil {
		return nil, errors.New("writer already initialized")
	}

	index := make(ResumeIndex)
	data, err := os.ReadFile(w.path)
	switch {
	case errors.Is(err, fs.ErrNotExist) || (err == nil && len(data) == 0):
		if err := w.create(); err != nil {
			return nil, fmt.Errorf("%w: creating %s: %w", model.ErrStartup, w.path, err)
		}
		return index, nil
	case err != nil:
		return nil, fmt.Errorf("%w: reading %s: %w", model.ErrStartup, w.path, err)
	}

	valid := trimTornRow(data)
	rows, header, err := csvcodec.DecodeTable(string(valid))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", model.ErrResumeParse, w.path, err)
	}
	if !slices.Equal(header, w.header) {
		return nil, fmt.Errorf("%w: %s: header %v does not match configured commands %v",
			model.ErrResumeParse, w.path, header, w.header)
	}
	for _, row := range rows {
		index[row[model.HostnameColumn]] = struct{}{}
	}

	if len(valid) < len(data) {
		if err := os.Truncate(w.path, int64(len(valid))); err != nil {
			return nil, fmt.Errorf("%w: dropping incomplete row of %s: %w", model.ErrStartup, w.path, err)
		}
	}
	f, err := os.OpenFile(w.path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %w", model.ErrStartup, w.path, err)
	}
	w.result = f
	w.size = int64(len(valid))
	return index, nil
}

// trimTornRow drops a trailing record which was not completely written.
// Every row is appended together with its CRLF, so a table not ending with
// a line break was cut by a crash. A cut inside of a quoted field leaves an
// open quote, hence the longest prefix which decodes is the last whole row.
// The data is returned as is when no such prefix exists.
func trimTornRow(data []byte) []byte {
	if bytes.HasSuffix(data, []byte("\n")) {
		return data
	}
	for end := bytes.LastIndexByte(data, '\n'); end >= 0; end = bytes.LastIndexByte(data[:end], '\n') {
		if _, err := csvcodec.DecodeRecords(string(data[:end+1])); err == nil {
			return data[:end+1]
		}
	}
	return data
}

func (w *Writer) create() error {
	f, err := os.OpenFile(w.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	w.result = f
	w.size = 0
	return w.append([]byte(csvcodec.EncodeRow(w.header)))
}

// AppendResult appends a single row. On failure the table is truncated back
// to its previous size and an error wrapping model.ErrFatalWrite is returned.
// A failed log write is reported here as well, after the row was written.
func (w *Writer) AppendResult(r model.CollectionResult) error {
	row := []byte(csvcodec.EncodeRow(r.Row(w.specs)))

	w.resultMx.Lock()
	defer w.resultMx.Unlock()
	if w.result == nil {
		return fmt.Errorf("%w: %w", model.ErrFatalWrite, ErrNotInitialized)
	}
	if err := w.append(row); err != nil {
		return fmt.Errorf("%w: host %s: %w", model.ErrFatalWrite, r.Hostname, err)
	}
	return w.LogErr()
}

// append must be called with resultMx held
func (w *Writer) append(b []byte) error {
	n, err := w.result.Write(b)
	if err == nil {
		err = w.result.Sync()
	}
	if err != nil {
		if n > 0 {
			_ = w.result.Truncate(w.size)
		}
		return err
	}
	w.size += int64(n)
	return nil
}

// AppendLog writes a single line to the log file. The first failure is
// kept, see LogErr.
func (w *Writer) AppendLog(e model.LogEntry) error {
	line := e.String()
	w.logMx.Lock()
	defer w.logMx.Unlock()
	if _, err := io.WriteString(w.log, line); err != nil {
		if w.logErr == nil {
			w.logErr = fmt.Errorf("%w: log file: %w", model.ErrFatalWrite, err)
		}
		return w.logErr
	}
	return nil
}

// LogErr returns the first failure of AppendLog. slog drops the errors of
// its handlers, so this is the way a broken log file gets noticed.
func (w *Writer) LogErr() error {
	w.logMx.Lock()
	defer w.logMx.Unlock()
	return w.logErr
}

// SetTotal sets the number of hosts to be processed
func (w *Writer) SetTotal(total int) {
	w.total.Store(int64(total))
}

// IncrementProgress marks one more host as done and returns the snapshot
func (w *Writer) IncrementProgress() model.Progress {
	completed := w.completed.Add(1)
	return model.Progress{
		Completed: int(completed),
		Total:     int(w.total.Load()),
	}
}

// Finalize rewrites the result table sorted by hostname. The sorted table
// is written to a temporary file first and renamed over the original, so
// the table stays valid when the process dies in the middle.
func (w *Writer) Finalize() error {
	w.resultMx.Lock()
	defer w.resultMx.Unlock()

	data, err := os.ReadFile(w.path)
	if err != nil {
		return fmt.Errorf("%w: %w", model.ErrFatalWrite, err)
	}
	records, err := csvcodec.DecodeRecords(string(data))
	if err != nil {
		return fmt.Errorf("%w: re-reading %s: %w", model.ErrFatalWrite, w.path, err)
	}
	rows := records[1:]
	slices.SortStableFunc(rows, func(a, b []string) int {
		switch {
		case a[0] < b[0]:
			return -1
		case a[0] > b[0]:
			return 1
		}
		return 0
	})

	var buf bytes.Buffer
	for _, rec := range records {
		buf.WriteString(csvcodec.EncodeRow(rec))
	}

	tmp, err := os.CreateTemp(filepath.Dir(w.path), filepath.Base(w.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %w", model.ErrFatalWrite, err)
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("%w: writing sorted table: %w", model.ErrFatalWrite, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("%w: %w", model.ErrFatalWrite, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %w", model.ErrFatalWrite, err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("%w: %w", model.ErrFatalWrite, err)
	}

	if w.result != nil {
		_ = w.result.Close()
		w.result = nil
	}
	if err := os.Rename(tmp.Name(), w.path); err != nil {
		return fmt.Errorf("%w: replacing %s: %w", model.ErrFatalWrite, w.path, err)
	}

	f, err := os.OpenFile(w.path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return fmt.Errorf("%w: %w", model.ErrFatalWrite, err)
	}
	w.result = f
	w.size = int64(buf.Len())
	return nil
}

// Close closes the result table
func (w *Writer) Close() error {
	w.resultMx.Lock()
	defer w.resultMx.Unlock()
	if w.result == nil {
		return nil
	}
	err := w.result.Close()
	w.result = nil
	return err
}
