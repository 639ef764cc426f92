package archive

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"

	"cryptosim/config"
	"cryptosim/internal/distribution"
	"cryptosim/models"
)

type upload struct {
	bucket string
	key    string
	body   []byte
	meta   map[string]string
}

type fakeUploader struct {
	mu      sync.Mutex
	uploads []upload
	err     error
}

func (f *fakeUploader) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.uploads = append(f.uploads, upload{
		bucket: aws.ToString(in.Bucket),
		key:    aws.ToString(in.Key),
		body:   body,
		meta:   in.Metadata,
	})
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeUploader) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.uploads)
}

func (f *fakeUploader) get(i int) upload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uploads[i]
}

func trade(id, symbol string, side models.Side, price, qty string) models.Trade {
	p, q := decimal.RequireFromString(price), decimal.RequireFromString(qty)
	return models.Trade{
		ID:          id,
		OrderID:     "o-" + id,
		UserID:      "alice",
		Symbol:      symbol,
		Side:        side,
		Price:       p,
		Quantity:    q,
		Total:       p.Mul(q),
		TradeType:   models.TradeTypeIntraday,
		RealizedPnL: decimal.Zero,
		ExecutedAt:  time.UnixMilli(1700000000123),
	}
}

func publishTrade(t *testing.T, hub *distribution.Hub, tr models.Trade) {
	t.Helper()
	require.NoError(t, hub.Publish(context.Background(), distribution.Event{
		Name:    distribution.TradeExecuted,
		UserID:  tr.UserID,
		Payload: distribution.TradeExecutedPayload{Trade: tr, Message: "x"},
	}))
}

func readRows(t *testing.T, p string) []TradeRow {
	t.Helper()
	fr, err := local.NewLocalFileReader(p)
	require.NoError(t, err)
	defer fr.Close()

	pr, err := reader.NewParquetReader(fr, new(TradeRow), 1)
	require.NoError(t, err)
	defer pr.ReadStop()

	rows := make([]TradeRow, int(pr.GetNumRows()))
	require.NoError(t, pr.Read(&rows))
	return rows
}

func readBytes(t *testing.T, data []byte) []TradeRow {
	t.Helper()
	p := filepath.Join(t.TempDir(), "obj.parquet")
	require.NoError(t, os.WriteFile(p, data, 0o644))
	return readRows(t, p)
}

func s3Config() config.S3Config {
	return config.S3Config{
		Enabled:       true,
		Bucket:        "cryptosim-trades",
		Region:        "us-east-1",
		Prefix:        "trades",
		FlushInterval: time.Hour,
		MaxBatch:      2,
		Compression:   "snappy",
	}
}

func TestNewValidation(t *testing.T) {
	hub := distribution.NewHub(8, nil)
	_, err := New(s3Config(), nil, &fakeUploader{}, "test")
	assert.Error(t, err)
	_, err = New(s3Config(), hub, nil, "test")
	assert.Error(t, err)
	cfg := s3Config()
	cfg.Bucket = ""
	_, err = New(cfg, hub, &fakeUploader{}, "test")
	assert.Error(t, err)
}

func TestArchiverUploadsFullBatch(t *testing.T) {
	hub := distribution.NewHub(16, nil)
	up := &fakeUploader{}
	a, err := New(s3Config(), hub, up, "test")
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()
	assert.Error(t, a.Start(context.Background()))

	publishTrade(t, hub, trade("t1", "BTCUSDT", models.SideBuy, "50000", "0.1"))
	require.NoError(t, hub.Publish(context.Background(), distribution.Event{Name: distribution.OrderFilled, UserID: "alice"}))
	publishTrade(t, hub, trade("t2", "ETHUSDT", models.SideSell, "2500.5", "2"))

	require.Eventually(t, func() bool { return up.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	got := up.get(0)
	assert.Equal(t, "cryptosim-trades", got.bucket)
	assert.True(t, strings.HasPrefix(got.key, "trades/date="), got.key)
	assert.True(t, strings.HasSuffix(got.key, ".parquet"), got.key)
	assert.Equal(t, "snappy", got.meta["compression"])
	require.Greater(t, len(got.body), 8)
	assert.Equal(t, "PAR1", string(got.body[:4]))
	assert.Equal(t, "PAR1", string(got.body[len(got.body)-4:]))

	rows := readBytes(t, got.body)
	require.Len(t, rows, 2)
	assert.Equal(t, "t1", rows[0].TradeID)
	assert.Equal(t, "BUY", rows[0].Side)
	assert.Equal(t, 50000.0, rows[0].Price)
	assert.Equal(t, int64(1700000000123), rows[0].ExecutedAt)
	assert.Equal(t, "ETHUSDT", rows[1].Symbol)
	assert.Equal(t, 5001.0, rows[1].Total)

	assert.Equal(t, int64(2), a.Stats().Uploaded)
}

func TestArchiverFlushesOnStop(t *testing.T) {
	hub := distribution.NewHub(16, nil)
	up := &fakeUploader{}
	cfg := s3Config()
	cfg.MaxBatch = 100
	a, err := New(cfg, hub, up, "test")
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))

	publishTrade(t, hub, trade("t1", "BTCUSDT", models.SideBuy, "1", "1"))
	require.Eventually(t, func() bool { return a.Stats().Received == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, up.count())

	a.Stop()
	require.Equal(t, 1, up.count())
	assert.Len(t, readBytes(t, up.get(0).body), 1)
}

func TestArchiverSpoolsFailedUpload(t *testing.T) {
	hub := distribution.NewHub(16, nil)
	up := &fakeUploader{err: errors.New("access denied")}
	cfg := s3Config()
	cfg.MaxBatch = 100
	cfg.SpoolDir = t.TempDir()
	a, err := New(cfg, hub, up, "test")
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))

	publishTrade(t, hub, trade("t1", "BTCUSDT", models.SideBuy, "1", "1"))
	publishTrade(t, hub, trade("t2", "BTCUSDT", models.SideSell, "2", "1"))
	require.Eventually(t, func() bool { return a.Stats().Received == 2 }, time.Second, 5*time.Millisecond)
	a.Stop()

	var files []string
	require.NoError(t, filepath.Walk(cfg.SpoolDir, func(p string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			files = append(files, p)
		}
		return err
	}))
	require.Len(t, files, 1)
	rows := readRows(t, files[0])
	require.Len(t, rows, 2)
	assert.Equal(t, "t2", rows[1].TradeID)

	stats := a.Stats()
	assert.Equal(t, int64(2), stats.Spooled)
	assert.Equal(t, int64(0), stats.Uploaded)
}

func TestArchiverDropsWithoutSpool(t *testing.T) {
	hub := distribution.NewHub(16, nil)
	cfg := s3Config()
	cfg.MaxBatch = 1
	a, err := New(cfg, hub, &fakeUploader{err: errors.New("timeout")}, "test")
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()

	publishTrade(t, hub, trade("t1", "BTCUSDT", models.SideBuy, "1", "1"))
	require.Eventually(t, func() bool { return a.Stats().Failed == 1 }, time.Second, 5*time.Millisecond)
}

func TestObjectKey(t *testing.T) {
	a := &Archiver{cfg: config.S3Config{Prefix: "sim/trades"}}
	key := a.objectKey(time.Date(2024, 3, 9, 7, 5, 1, 0, time.UTC))
	assert.True(t, strings.HasPrefix(key, "sim/trades/date=2024-03-09/hour=07/trades_20240309070501_"), key)
	assert.True(t, strings.HasSuffix(key, ".parquet"))
}

func TestCodec(t *testing.T) {
	assert.Equal(t, "SNAPPY", codec("Snappy").String())
	assert.Equal(t, "GZIP", codec("gzip").String())
	assert.Equal(t, "UNCOMPRESSED", codec("").String())
}
