package trail

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"peakexec/internal/position"
)

func writeCSV(t *testing.T, rows []string) string {
	dir := t.TempDir()
	path := filepath.Join(dir, "aggregated.csv")
	header := "Timestamp,Trades,TotalQty,AvgSize,BuyQty,SellQty,AvgPrice,ClosePrice,HiPrice,LowPrice"
	content := header + "\n"
	for _, r := range rows {
		content += r + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func bar(ts string, close, hi, low float64) string {
	return ts + ",1,1,1,1,1,1," +
		decimal.NewFromFloat(close).String() + "," +
		decimal.NewFromFloat(hi).String() + "," +
		decimal.NewFromFloat(low).String()
}

func TestReadTailBarsMissingFileFailsClosed(t *testing.T) {
	bars, err := ReadTailBars("/nonexistent/aggregated.csv", 10)
	if err != nil {
		t.Fatalf("expected fail-closed (no error) for missing file, got %v", err)
	}
	if bars != nil {
		t.Fatalf("expected no bars for missing file, got %v", bars)
	}
}

func TestReadTailBarsSchemaMismatchFailsLoud(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aggregated.csv")
	os.WriteFile(path, []byte("WrongHeader,Col2\n1,2\n"), 0o644)

	_, err := ReadTailBars(path, 10)
	if err == nil {
		t.Fatal("expected schema mismatch error")
	}
	if _, ok := err.(*ErrSchemaMismatch); !ok {
		t.Fatalf("expected *ErrSchemaMismatch, got %T", err)
	}
}

func TestReadTailBarsParsesRows(t *testing.T) {
	path := writeCSV(t, []string{
		bar("t1", 100, 101, 99),
		bar("t2", 102, 103, 101),
	})
	bars, err := ReadTailBars(path, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(bars) != 2 {
		t.Fatalf("expected 2 bars, got %d", len(bars))
	}
}

func TestFindLastFractalSwingLong(t *testing.T) {
	// lows: 10, 9, 5, 9, 10 -- index 2 is a radius-2 fractal low
	bars := []Bar{
		{LowPrice: decimal.NewFromInt(10)},
		{LowPrice: decimal.NewFromInt(9)},
		{LowPrice: decimal.NewFromInt(5)},
		{LowPrice: decimal.NewFromInt(9)},
		{LowPrice: decimal.NewFromInt(10)},
	}
	swing, ok := FindLastFractalSwing(bars, 2, position.Long)
	if !ok {
		t.Fatal("expected a fractal swing")
	}
	if !swing.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("expected swing low 5, got %s", swing)
	}
}

func TestFindLastFractalSwingNoneWhenTooShort(t *testing.T) {
	bars := []Bar{{LowPrice: decimal.NewFromInt(1)}, {LowPrice: decimal.NewFromInt(2)}}
	_, ok := FindLastFractalSwing(bars, 2, position.Long)
	if ok {
		t.Fatal("expected no swing for a too-short series")
	}
}

func TestConfirmBarCloseLong(t *testing.T) {
	path := writeCSV(t, []string{bar("t1", 105, 106, 104)})
	cfg := Config{AggCSVPath: path, ConfirmBufferUSD: decimal.NewFromInt(1)}
	ok, err := ConfirmBarClose(cfg, position.Long, decimal.NewFromInt(100))
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected bar-close confirmation to pass (105 > 100+1)")
	}
}
