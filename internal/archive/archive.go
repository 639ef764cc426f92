// Package archive buffers settled trades from the distribution hub and
// writes them to S3 as parquet objects.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"cryptosim/config"
	"cryptosim/internal/distribution"
	"cryptosim/logger"
	"cryptosim/models"
)

// Source is the event feed the archiver reads from.
type Source interface {
	Subscribe(filter distribution.Filter) (<-chan distribution.Event, func())
}

// Uploader is the subset of the S3 client the archiver uses.
type Uploader interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type Stats struct {
	Received int64
	Uploaded int64
	Spooled  int64
	Failed   int64
}

type Archiver struct {
	cfg      config.S3Config
	version  string
	source   Source
	uploader Uploader
	log      *logger.Log
	now      func() time.Time

	mu     sync.Mutex
	buffer []models.Trade
	stats  Stats

	runMu       sync.Mutex
	running     bool
	cancel      context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup
}

// NewS3Client builds an S3 client from cfg. Static keys are used when both
// are set; otherwise the default AWS credential chain applies.
func NewS3Client(ctx context.Context, cfg config.S3Config) (*s3.Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	}), nil
}

func New(cfg config.S3Config, source Source, uploader Uploader, version string) (*Archiver, error) {
	if source == nil {
		return nil, fmt.Errorf("archiver requires an event source")
	}
	if uploader == nil {
		return nil, fmt.Errorf("archiver requires an uploader")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archiver requires a bucket")
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Minute
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 1000
	}
	return &Archiver{
		cfg:      cfg,
		version:  version,
		source:   source,
		uploader: uploader,
		log:      logger.GetLogger(),
		now:      time.Now,
	}, nil
}

func (a *Archiver) Start(ctx context.Context) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return fmt.Errorf("trade archiver already running")
	}
	a.running = true

	ctx, a.cancel = context.WithCancel(ctx)
	events, unsubscribe := a.source.Subscribe(distribution.Named(distribution.TradeExecuted))
	a.unsubscribe = unsubscribe

	a.wg.Add(1)
	go a.loop(ctx, events)

	a.log.WithComponent("archive").WithFields(logger.Fields{
		"bucket":         a.cfg.Bucket,
		"prefix":         a.cfg.Prefix,
		"flush_interval": a.cfg.FlushInterval.String(),
		"max_batch":      a.cfg.MaxBatch,
	}).Info("trade archiver started")
	return nil
}

// Stop ends the loop and flushes whatever is buffered.
func (a *Archiver) Stop() {
	a.runMu.Lock()
	if !a.running {
		a.runMu.Unlock()
		return
	}
	a.running = false
	a.cancel()
	a.runMu.Unlock()

	a.wg.Wait()
	a.unsubscribe()

	stats := a.Stats()
	a.log.WithComponent("archive").WithFields(logger.Fields{
		"received": stats.Received,
		"uploaded": stats.Uploaded,
		"spooled":  stats.Spooled,
		"failed":   stats.Failed,
	}).Info("trade archiver stopped")
}

func (a *Archiver) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

func (a *Archiver) loop(ctx context.Context, events <-chan distribution.Event) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.flush(context.WithoutCancel(ctx), "shutdown")
			return
		case ev, ok := <-events:
			if !ok {
				a.flush(context.WithoutCancel(ctx), "source closed")
				return
			}
			if a.add(ev) >= a.cfg.MaxBatch {
				a.flush(ctx, "batch")
			}
		case <-ticker.C:
			a.flush(ctx, "interval")
		}
	}
}

func (a *Archiver) add(ev distribution.Event) int {
	p, ok := ev.Payload.(distribution.TradeExecutedPayload)
	if !ok {
		a.log.WithComponent("archive").WithFields(logger.Fields{"event": ev.Name}).Warn("unexpected trade event payload")
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buffer = append(a.buffer, p.Trade)
	a.stats.Received++
	return len(a.buffer)
}

func (a *Archiver) flush(ctx context.Context, reason string) {
	a.mu.Lock()
	trades := a.buffer
	a.buffer = nil
	a.mu.Unlock()
	if len(trades) == 0 {
		return
	}

	key := a.objectKey(a.now().UTC())
	log := a.log.WithComponent("archive").WithFields(logger.Fields{
		"s3_key": key,
		"trades": len(trades),
		"reason": reason,
	})

	data, err := encode(trades, a.cfg.Compression)
	if err == nil {
		err = a.upload(ctx, key, data)
	}
	if err == nil {
		a.count(func(s *Stats) { s.Uploaded += int64(len(trades)) })
		logger.IncrementArchiveUpload()
		log.WithFields(logger.Fields{"file_size": len(data)}).Info("trade archive uploaded")
		return
	}

	log.WithError(err).Error("failed to upload trade archive")
	if a.cfg.SpoolDir == "" {
		a.count(func(s *Stats) { s.Failed += int64(len(trades)) })
		return
	}
	spoolPath := filepath.Join(a.cfg.SpoolDir, filepath.FromSlash(key))
	if err := a.spool(spoolPath, trades); err != nil {
		a.count(func(s *Stats) { s.Failed += int64(len(trades)) })
		log.WithError(err).Error("failed to spool trade archive")
		return
	}
	a.count(func(s *Stats) { s.Spooled += int64(len(trades)) })
	log.WithFields(logger.Fields{"path": spoolPath}).Warn("trade archive spooled locally")
}

func (a *Archiver) count(fn func(*Stats)) {
	a.mu.Lock()
	fn(&a.stats)
	a.mu.Unlock()
}

func (a *Archiver) upload(ctx context.Context, key string, data []byte) error {
	_, err := a.uploader.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":      "parquet",
			"compression":       a.cfg.Compression,
			"cryptosim-version": a.version,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", a.cfg.Bucket, err)
	}
	return nil
}

func (a *Archiver) spool(p string, trades []models.Trade) error {
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return writeLocal(p, trades, a.cfg.Compression)
}

// objectKey partitions archives by date and hour of the flush.
func (a *Archiver) objectKey(ts time.Time) string {
	name := fmt.Sprintf("trades_%s_%s.parquet", ts.Format("20060102150405"), uuid.NewString()[:8])
	return path.Join(
		a.cfg.Prefix,
		fmt.Sprintf("date=%s", ts.Format("2006-01-02")),
		fmt.Sprintf("hour=%02d", ts.Hour()),
		name,
	)
}
