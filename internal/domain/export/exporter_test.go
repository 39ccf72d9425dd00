package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/garyvish82-droid/hoodcup/internal/domain/ledger"
)

type memoryUploader struct {
	key         string
	contentType string
	body        bytes.Buffer
	err         error
}

func (u *memoryUploader) Put(_ context.Context, key string, reader io.Reader, contentType string) error {
	if u.err != nil {
		return u.err
	}
	u.key = key
	u.contentType = contentType
	_, err := io.Copy(&u.body, reader)
	return err
}

type brokenLister struct{}

func (brokenLister) List(context.Context, ledger.Pagination) ([]ledger.Customer, error) {
	return nil, errors.New("connection refused")
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func seedStore(t *testing.T, n int) *ledger.MemoryStore {
	t.Helper()
	store := ledger.NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		c := &ledger.Customer{Name: fmt.Sprintf("Customer %d", i), Phone: fmt.Sprintf("555 %07d", i)}
		if err := store.Create(ctx, c); err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, err := store.ConditionalUpdate(ctx, c.ID, ledger.Condition{}, ledger.Mutation{PointsDelta: i % 12, PurchasesDelta: i}); err != nil {
			t.Fatalf("update: %v", err)
		}
	}
	return store
}

func TestExporterRun(t *testing.T) {
	store := seedStore(t, 450)
	up := &memoryUploader{}
	exp := NewExporter(store, up, "exports/roster")
	exp.now = fixedClock(time.Date(2024, 3, 5, 14, 30, 0, 0, time.FixedZone("X", 3*3600)))

	res, err := exp.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Key != "exports/roster/20240305T113000Z.csv" || up.key != res.Key {
		t.Fatalf("unexpected key %q / %q", res.Key, up.key)
	}
	if res.Rows != 450 || up.contentType != "text/csv" {
		t.Fatalf("unexpected result %+v %q", res, up.contentType)
	}

	rows, err := csv.NewReader(&up.body).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(rows) != 451 {
		t.Fatalf("expected header + 450 rows, got %d", len(rows))
	}
	for i, col := range Header() {
		if rows[0][i] != col {
			t.Fatalf("unexpected header %v", rows[0])
		}
	}

	ready := 0
	for _, row := range rows[1:] {
		if row[6] == "true" {
			ready++
		}
	}
	// points are i%12, so 10 and 11 are reward-ready
	if ready != 74 {
		t.Fatalf("expected 74 reward-ready rows, got %d", ready)
	}
}

func TestExporterKeyWithoutPrefix(t *testing.T) {
	exp := NewExporter(ledger.NewMemoryStore(), &memoryUploader{}, "")
	if got := exp.Key(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)); got != "20240102T030405Z.csv" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestExporterStoreFailure(t *testing.T) {
	up := &memoryUploader{}
	_, err := NewExporter(brokenLister{}, up, "roster").Run(context.Background())
	if !errors.Is(err, ledger.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestExporterUploadFailure(t *testing.T) {
	up := &memoryUploader{err: errors.New("bucket not found")}
	_, err := NewExporter(seedStore(t, 3), up, "roster").Run(context.Background())
	if err == nil {
		t.Fatal("expected upload error")
	}
}

func TestWriteCSVEscapesNames(t *testing.T) {
	store := ledger.NewMemoryStore()
	c := &ledger.Customer{Name: `Lima, "Ana"`, Phone: "555 000 1234"}
	if err := store.Create(context.Background(), c); err != nil {
		t.Fatalf("create: %v", err)
	}

	var buf bytes.Buffer
	n, err := WriteCSV(context.Background(), &buf, store)
	if err != nil || n != 1 {
		t.Fatalf("write: %d %v", n, err)
	}
	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if rows[1][1] != `Lima, "Ana"` {
		t.Fatalf("name not round-tripped: %q", rows[1][1])
	}
}

func TestWriteCSVNeutralizesFormulas(t *testing.T) {
	store := ledger.NewMemoryStore()
	ctx := context.Background()
	for _, c := range []*ledger.Customer{
		{Name: `=HYPERLINK("http://evil.example","x")`, Phone: "+1 555 000 1001"},
		{Name: "@SUM(A1:A9)", Phone: "555 000 1002"},
		{Name: "-2+3", Phone: "555 000 1003"},
		{Name: "Ana", Phone: "555 000 1004"},
	} {
		if err := store.Create(ctx, c); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	var buf bytes.Buffer
	if _, err := WriteCSV(ctx, &buf, store); err != nil {
		t.Fatalf("write: %v", err)
	}
	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	cells := make(map[string]bool)
	for _, row := range rows[1:] {
		cells[row[1]] = true
		cells[row[2]] = true
	}
	for _, want := range []string{
		`'=HYPERLINK("http://evil.example","x")`,
		"'@SUM(A1:A9)",
		"'-2+3",
		"'+1 555 000 1001",
		"Ana",
		"555 000 1004",
	} {
		if !cells[want] {
			t.Errorf("missing cell %q in %v", want, cells)
		}
	}
}

func TestHeaderIsACopy(t *testing.T) {
	h := Header()
	h[0] = "changed"
	if Header()[0] != "id" {
		t.Fatal("Header must not share its backing array")
	}
}
