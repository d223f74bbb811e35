// Package records reads credential records from the supported sources: the
// raw cred dump, a quoted CSV export of it, and the SQLite staging table.
//
// Malformed rows are skipped or truncated, never rejected: the readers count
// them in Stats and keep going.
package records

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"

	"github.com/abelbrown/blockgraph/internal/logging"
	"github.com/abelbrown/blockgraph/internal/model"
	"github.com/abelbrown/blockgraph/internal/store"
)

// Format names a record source format.
type Format string

const (
	FormatCred   Format = "cred"
	FormatCSV    Format = "csv"
	FormatSQLite Format = "sqlite"
)

// Fields is the number of fields in a record row.
const Fields = 5

const (
	credSeparator = "-|-"
	credTrailer   = "|--"
	maxLine       = 1 << 20
)

// ErrFormat is returned for an unknown source format.
var ErrFormat = errors.New("records: unknown format")

// Source streams records in batches. Returning store.ErrStop from fn ends the
// stream early.
type Source interface {
	Each(ctx context.Context, batchSize int, fn func([]model.Record) error) error
	Stats() Stats
	Close() error
}

// Stats counts what a source read.
type Stats struct {
	Rows      int64 // rows seen
	Records   int64 // rows turned into records
	Skipped   int64 // rows with too few fields or longer than maxLine
	Truncated int64 // rows with extra fields dropped
}

type counters struct {
	rows, records, skipped, truncated atomic.Int64
}

func (c *counters) stats() Stats {
	return Stats{
		Rows:      c.rows.Load(),
		Records:   c.records.Load(),
		Skipped:   c.skipped.Load(),
		Truncated: c.truncated.Load(),
	}
}

// Open opens path as a source of the given format.
func Open(path string, format Format) (Source, error) {
	switch format {
	case FormatCred, FormatCSV:
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		if format == FormatCred {
			return &credReader{r: f, c: f}, nil
		}
		return &csvReader{r: f, c: f}, nil
	case FormatSQLite:
		st, err := store.Open(path)
		if err != nil {
			return nil, err
		}
		return &sqliteSource{st: st}, nil
	}
	return nil, fmt.Errorf("%w %q", ErrFormat, format)
}

// NewCredReader reads the cred dump format from r.
func NewCredReader(r io.Reader) Source {
	return &credReader{r: r}
}

// NewCSVReader reads quoted five-column CSV from r.
func NewCSVReader(r io.Reader) Source {
	return &csvReader{r: r}
}

// FromStore reads the staging table of st. Closing the source closes st.
func FromStore(st *store.Store) Source {
	return &sqliteSource{st: st}
}

// ParseCredLine splits one dump line. ok is false for rows with fewer than
// five fields; truncated reports extra fields that were dropped. Only the
// line ending and the trailer are removed, so field whitespace is kept.
func ParseCredLine(line string) (r model.Record, ok, truncated bool) {
	line = strings.TrimRight(line, "\r\n")
	line = strings.TrimSuffix(line, credTrailer)
	fields := strings.Split(line, credSeparator)
	return fromFields(fields)
}

func fromFields(fields []string) (r model.Record, ok, truncated bool) {
	if len(fields) < Fields {
		return model.Record{}, false, false
	}
	return model.Record{
		AccountID: fields[0],
		Username:  fields[1],
		Email:     fields[2],
		Password:  fields[3],
		Hint:      fields[4],
	}, true, len(fields) > Fields
}

// batcher accumulates records and flushes full batches to fn.
type batcher struct {
	size  int
	fn    func([]model.Record) error
	batch []model.Record
}

func newBatcher(size int, fn func([]model.Record) error) *batcher {
	if size <= 0 {
		size = store.DefaultBatchSize
	}
	return &batcher{size: size, fn: fn, batch: make([]model.Record, 0, size)}
}

func (b *batcher) add(r model.Record) error {
	b.batch = append(b.batch, r)
	if len(b.batch) < b.size {
		return nil
	}
	return b.flush()
}

func (b *batcher) flush() error {
	if len(b.batch) == 0 {
		return nil
	}
	err := b.fn(b.batch)
	b.batch = make([]model.Record, 0, b.size)
	return err
}

func finish(err error) error {
	if errors.Is(err, store.ErrStop) {
		return nil
	}
	return err
}

type credReader struct {
	r io.Reader
	c io.Closer
	n counters
}

func (cr *credReader) Each(ctx context.Context, batchSize int, fn func([]model.Record) error) error {
	b := newBatcher(batchSize, fn)
	br := bufio.NewReaderSize(cr.r, 64*1024)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, tooLong, err := readLine(br, maxLine)
		if err != nil && err != io.EOF {
			return fmt.Errorf("read cred line %d: %w", cr.n.rows.Load()+1, err)
		}
		if len(line) == 0 && !tooLong {
			break
		}
		cr.n.rows.Add(1)
		if tooLong {
			cr.n.skipped.Add(1)
			logging.Warn("overlong row skipped", "line", cr.n.rows.Load(), "limit", maxLine)
			if err == io.EOF {
				break
			}
			continue
		}
		rec, ok, truncated := ParseCredLine(string(line))
		if !ok {
			cr.n.skipped.Add(1)
			continue
		}
		if truncated {
			cr.n.truncated.Add(1)
			logging.Debug("extra fields ignored", "line", cr.n.rows.Load())
		}
		cr.n.records.Add(1)
		if err := b.add(rec); err != nil {
			return finish(err)
		}
	}
	return finish(b.flush())
}

// readLine reads through the next newline. A line longer than limit is
// consumed but not returned, and tooLong is set. err is io.EOF on the last line.
func readLine(br *bufio.Reader, limit int) (line []byte, tooLong bool, err error) {
	for {
		chunk, err := br.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(chunk) > limit {
				tooLong, line = true, nil
			} else {
				line = append(line, chunk...)
			}
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		return line, tooLong, err
	}
}

func (cr *credReader) Stats() Stats { return cr.n.stats() }

func (cr *credReader) Close() error {
	if cr.c == nil {
		return nil
	}
	return cr.c.Close()
}

type csvReader struct {
	r io.Reader
	c io.Closer
	n counters
}

func (cv *csvReader) Each(ctx context.Context, batchSize int, fn func([]model.Record) error) error {
	b := newBatcher(batchSize, fn)
	rd := csv.NewReader(cv.r)
	rd.FieldsPerRecord = -1
	rd.LazyQuotes = true
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		row, err := rd.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				cv.n.rows.Add(1)
				cv.n.skipped.Add(1)
				continue
			}
			return fmt.Errorf("read csv: %w", err)
		}
		cv.n.rows.Add(1)
		if len(row) != Fields {
			cv.n.skipped.Add(1)
			continue
		}
		rec, _, _ := fromFields(row)
		cv.n.records.Add(1)
		if err := b.add(rec); err != nil {
			return finish(err)
		}
	}
	return finish(b.flush())
}

func (cv *csvReader) Stats() Stats { return cv.n.stats() }

func (cv *csvReader) Close() error {
	if cv.c == nil {
		return nil
	}
	return cv.c.Close()
}

type sqliteSource struct {
	st *store.Store
	n  counters
}

func (s *sqliteSource) Each(ctx context.Context, batchSize int, fn func([]model.Record) error) error {
	return s.st.Iterate(ctx, batchSize, func(batch []model.Record) error {
		s.n.rows.Add(int64(len(batch)))
		s.n.records.Add(int64(len(batch)))
		return fn(batch)
	})
}

func (s *sqliteSource) Stats() Stats { return s.n.stats() }

func (s *sqliteSource) Close() error { return s.st.Close() }
