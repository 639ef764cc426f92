package archive

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"cryptosim/models"
)

// TradeRow is the parquet layout of an archived trade.
type TradeRow struct {
	TradeID     string  `parquet:"name=trade_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	OrderID     string  `parquet:"name=order_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	UserID      string  `parquet:"name=user_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol      string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Side        string  `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	TradeType   string  `parquet:"name=trade_type, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price       float64 `parquet:"name=price, type=DOUBLE"`
	Quantity    float64 `parquet:"name=quantity, type=DOUBLE"`
	Total       float64 `parquet:"name=total, type=DOUBLE"`
	RealizedPnL float64 `parquet:"name=realized_pnl, type=DOUBLE"`
	ExecutedAt  int64   `parquet:"name=executed_at, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
}

func toRow(t models.Trade) TradeRow {
	return TradeRow{
		TradeID:     t.ID,
		OrderID:     t.OrderID,
		UserID:      t.UserID,
		Symbol:      t.Symbol,
		Side:        string(t.Side),
		TradeType:   string(t.TradeType),
		Price:       t.Price.InexactFloat64(),
		Quantity:    t.Quantity.InexactFloat64(),
		Total:       t.Total.InexactFloat64(),
		RealizedPnL: t.RealizedPnL.InexactFloat64(),
		ExecutedAt:  t.ExecutedAt.UnixMilli(),
	}
}

// memoryFile is a write-only source.ParquetFile backed by a buffer.
type memoryFile struct {
	buf *bytes.Buffer
}

func newMemoryFile() *memoryFile {
	return &memoryFile{buf: &bytes.Buffer{}}
}

func (f *memoryFile) Create(string) (source.ParquetFile, error) { return f, nil }
func (f *memoryFile) Open(string) (source.ParquetFile, error)   { return f, nil }
func (f *memoryFile) Seek(int64, int) (int64, error)            { return int64(f.buf.Len()), nil }
func (f *memoryFile) Read(b []byte) (int, error)                { return f.buf.Read(b) }
func (f *memoryFile) Write(b []byte) (int, error)               { return f.buf.Write(b) }
func (f *memoryFile) Close() error                              { return nil }
func (f *memoryFile) Bytes() []byte                             { return f.buf.Bytes() }

func codec(name string) parquet.CompressionCodec {
	switch strings.ToLower(name) {
	case "snappy":
		return parquet.CompressionCodec_SNAPPY
	case "gzip":
		return parquet.CompressionCodec_GZIP
	default:
		return parquet.CompressionCodec_UNCOMPRESSED
	}
}

func writeRows(pf source.ParquetFile, trades []models.Trade, compression string) error {
	pw, err := writer.NewParquetWriter(pf, new(TradeRow), 1)
	if err != nil {
		return fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = codec(compression)
	for _, t := range trades {
		if err := pw.Write(toRow(t)); err != nil {
			_ = pw.WriteStop()
			return fmt.Errorf("failed to write parquet record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return fmt.Errorf("failed to finalize parquet writing: %w", err)
	}
	return nil
}

// encode returns trades as an in-memory parquet file.
func encode(trades []models.Trade, compression string) ([]byte, error) {
	mf := newMemoryFile()
	if err := writeRows(mf, trades, compression); err != nil {
		return nil, err
	}
	return mf.Bytes(), nil
}

// writeLocal writes trades as a parquet file at path.
func writeLocal(path string, trades []models.Trade, compression string) error {
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := writeRows(fw, trades, compression); err != nil {
		fw.Close()
		return err
	}
	return fw.Close()
}
