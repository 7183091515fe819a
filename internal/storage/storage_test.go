package storage

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/fashion-scraper/internal/models"
)

func sampleRecord() *models.ProductRecord {
	amount := 85.0
	rating := 4.5
	total := 120
	rec := models.NewProductRecord("https://www.asos.com/asos-design/dress/prd/100001", "ASOS", "women/dresses")
	rec.ProductID = "100001"
	rec.Name = models.OptionalString("ASOS DESIGN satin midi dress")
	rec.Brand = models.OptionalString("ASOS DESIGN")
	rec.Price = &models.Price{Amount: &amount}
	rec.Currency = "GBP"
	rec.OverallRating = &rating
	rec.TotalReviews = &total
	rec.Sizes = []string{"UK 6", "UK 8"}
	rec.Images = []string{"https://images.asos-media.com/products/1.jpg"}
	return rec
}

func TestJSONDir_Save(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "products")
	sink, err := NewJSONDir(dir)
	require.NoError(t, err)

	rec := sampleRecord()
	require.NoError(t, sink.Save(context.Background(), rec))

	path := filepath.Join(dir, "product_100001.json")
	assert.Equal(t, path, sink.Path(rec))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, 85.0, decoded["price"])
	assert.Equal(t, "ASOS DESIGN", decoded["brand"])
	assert.Nil(t, decoded["description"], "missing fields are null, not absent")
	assert.Contains(t, decoded, "description")

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestCSVWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "products.csv")
	w, err := NewCSVWriter(path)
	require.NoError(t, err)

	partial := models.NewProductRecord("https://www.asos.com/prd/2", "ASOS", "")
	partial.Name = models.OptionalString(`Tee, "boxy" fit`)

	require.NoError(t, w.Save(context.Background(), sampleRecord()))
	require.NoError(t, w.Save(context.Background(), partial))
	require.NoError(t, w.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, csvHeader, rows[0])
	assert.Equal(t, "100001", rows[1][0])
	assert.Equal(t, "85.00", rows[1][3])
	assert.Equal(t, "4.5", rows[1][5])
	assert.Equal(t, "UK 6|UK 8", rows[1][9])
	assert.Equal(t, `Tee, "boxy" fit`, rows[2][1])
	assert.Empty(t, rows[2][3])
}

type failingSink struct{ saved int }

func (f *failingSink) Save(context.Context, *models.ProductRecord) error {
	f.saved++
	return errors.New("disk full")
}

func (f *failingSink) Close() error { return nil }

func TestMulti_AttemptsEverySink(t *testing.T) {
	first := &failingSink{}
	second := &failingSink{}

	err := Multi{first, second}.Save(context.Background(), sampleRecord())
	require.Error(t, err)
	assert.Equal(t, 1, first.saved)
	assert.Equal(t, 1, second.saved)
	assert.NoError(t, Multi{first}.Close())
}

func TestLinkLedger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "links.json")
	ledger, err := NewLinkLedger(path)
	require.NoError(t, err)

	added, err := ledger.AddBatch("women/dresses", []ProductLink{
		{URL: "https://www.asos.com/prd/1", ProductID: "1"},
		{URL: "https://www.asos.com/prd/2", ProductID: "2"},
		{URL: ""},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	require.NoError(t, ledger.UpdateStatus("https://www.asos.com/prd/1", LinkCompleted, ""))
	require.NoError(t, ledger.UpdateStatus("https://www.asos.com/prd/2", LinkFailed, "price not found"))
	assert.Error(t, ledger.UpdateStatus("https://www.asos.com/prd/3", LinkCompleted, ""))

	added, err = ledger.AddBatch("women/dresses", []ProductLink{{URL: "https://www.asos.com/prd/1"}})
	require.NoError(t, err)
	assert.Zero(t, added, "known links keep their status")

	reloaded, err := NewLinkLedger(path)
	require.NoError(t, err)

	link, ok := reloaded.Get("https://www.asos.com/prd/2")
	require.True(t, ok)
	assert.Equal(t, LinkFailed, link.Status)
	assert.Equal(t, "price not found", link.Error)
	assert.Equal(t, "women/dresses", link.Category)
	assert.Empty(t, reloaded.Pending())
	assert.Equal(t, map[string]int{LinkCompleted: 1, LinkFailed: 1, "total": 2}, reloaded.Stats())
}

func TestLinkLedger_PendingOrder(t *testing.T) {
	ledger, err := NewLinkLedger(filepath.Join(t.TempDir(), "links.json"))
	require.NoError(t, err)

	_, err = ledger.AddBatch("men", []ProductLink{{URL: "https://www.asos.com/prd/b"}, {URL: "https://www.asos.com/prd/a"}})
	require.NoError(t, err)

	pending := ledger.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, "https://www.asos.com/prd/a", pending[0].URL)
	assert.Equal(t, LinkPending, pending[1].Status)
}
