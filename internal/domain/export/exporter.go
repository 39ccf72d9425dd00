package export

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/garyvish82-droid/hoodcup/internal/domain/ledger"
	"github.com/garyvish82-droid/hoodcup/internal/pkg/storage"
)

const (
	pageSize    = 200
	contentType = "text/csv"
	keyLayout   = "20060102T150405Z"
)

// Header returns the first CSV row of every export.
func Header() []string {
	return []string{"id", "name", "phone", "points", "free_rewards", "total_purchases", "reward_ready", "updated_at"}
}

// Result describes one finished export
type Result struct {
	Key  string
	Rows int
}

// Exporter snapshots the roster into CSV and uploads it
type Exporter struct {
	source   ledger.Lister
	uploader storage.Uploader
	prefix   string
	now      func() time.Time
}

// NewExporter creates an exporter writing to <prefix>/<UTC timestamp>.csv
func NewExporter(source ledger.Lister, uploader storage.Uploader, prefix string) *Exporter {
	return &Exporter{
		source:   source,
		uploader: uploader,
		prefix:   prefix,
		now:      time.Now,
	}
}

// Key returns the object key for an export taken at t
func (e *Exporter) Key(t time.Time) string {
	name := t.UTC().Format(keyLayout) + ".csv"
	if e.prefix == "" {
		return name
	}
	return path.Join(e.prefix, name)
}

// Run streams one export to the uploader. Nothing is written back to the store.
func (e *Exporter) Run(ctx context.Context) (*Result, error) {
	start := e.now()
	key := e.Key(start)

	pr, pw := io.Pipe()
	rows := make(chan int, 1)
	go func() {
		n, err := WriteCSV(ctx, pw, e.source)
		rows <- n
		pw.CloseWithError(err)
	}()

	err := e.uploader.Put(ctx, key, pr, contentType)
	// unblock the writer if the uploader stopped reading early
	pr.CloseWithError(errors.New("upload finished"))
	n := <-rows
	if err != nil {
		return nil, fmt.Errorf("export %s: %w", key, err)
	}

	log.Info().
		Str("key", key).
		Int("rows", n).
		Dur("took", e.now().Sub(start)).
		Msg("Roster exported")

	return &Result{Key: key, Rows: n}, nil
}

// WriteCSV pages through the source newest first and writes one row per
// customer. Records that shift between pages are written once.
func WriteCSV(ctx context.Context, w io.Writer, source ledger.Lister) (int, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header()); err != nil {
		return 0, err
	}

	seen := make(map[uuid.UUID]struct{})
	for offset := 0; ; offset += pageSize {
		page, err := source.List(ctx, ledger.Pagination{Limit: pageSize, Offset: offset})
		if err != nil {
			return len(seen), fmt.Errorf("%w: %w", ledger.ErrStoreUnavailable, err)
		}
		for _, c := range page {
			if _, dup := seen[c.ID]; dup {
				continue
			}
			seen[c.ID] = struct{}{}
			if err := cw.Write(record(c)); err != nil {
				return len(seen), err
			}
		}
		cw.Flush()
		if err := cw.Error(); err != nil {
			return len(seen), err
		}
		if len(page) < pageSize {
			break
		}
	}
	return len(seen), nil
}

func record(c ledger.Customer) []string {
	return []string{
		c.ID.String(),
		textCell(c.Name),
		textCell(c.Phone),
		strconv.Itoa(c.Points),
		strconv.Itoa(c.FreeRewards),
		strconv.Itoa(c.TotalPurchases),
		strconv.FormatBool(c.RewardReady()),
		c.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

// textCell quotes user-entered text that a spreadsheet would evaluate as a
// formula.
func textCell(v string) string {
	if v == "" {
		return v
	}
	switch v[0] {
	case '=', '+', '-', '@', '\t', '\r':
		return "'" + v
	}
	return v
}
