package logger

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type counter struct {
	n int64
}

var (
	framesReceived int64
	framesDropped  int64
	reconnects     int64
	controlFrames  int64
	ordersFilled   int64
	ordersRejected int64
	archiveUploads int64
	warnsByComp    sync.Map // map[string]*counter
	errorsByComp   sync.Map // map[string]*counter
)

func bump(m *sync.Map, key string) {
	v, _ := m.LoadOrStore(key, &counter{})
	atomic.AddInt64(&v.(*counter).n, 1)
}

func snapshot(m *sync.Map) map[string]int64 {
	out := map[string]int64{}
	m.Range(func(k, v any) bool {
		out[k.(string)] = atomic.LoadInt64(&v.(*counter).n)
		return true
	})
	return out
}

func recordWarn(component string)  { bump(&warnsByComp, component) }
func recordError(component string) { bump(&errorsByComp, component) }

func IncrementFrameReceived() { atomic.AddInt64(&framesReceived, 1) }
func IncrementFrameDropped()  { atomic.AddInt64(&framesDropped, 1) }
func IncrementReconnect()     { atomic.AddInt64(&reconnects, 1) }
func IncrementControlFrame()  { atomic.AddInt64(&controlFrames, 1) }
func IncrementArchiveUpload() { atomic.AddInt64(&archiveUploads, 1) }

// IncrementOrder counts an execution attempt by outcome.
func IncrementOrder(filled bool) {
	if filled {
		atomic.AddInt64(&ordersFilled, 1)
		return
	}
	atomic.AddInt64(&ordersRejected, 1)
}

// StartReport begins periodic logging of host and pipeline statistics until
// ctx is cancelled.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func reportFields() Fields {
	return Fields{
		"frames_received": atomic.LoadInt64(&framesReceived),
		"frames_dropped":  atomic.LoadInt64(&framesDropped),
		"reconnects":      atomic.LoadInt64(&reconnects),
		"control_frames":  atomic.LoadInt64(&controlFrames),
		"orders_filled":   atomic.LoadInt64(&ordersFilled),
		"orders_rejected": atomic.LoadInt64(&ordersRejected),
		"archive_uploads": atomic.LoadInt64(&archiveUploads),
		"warns":           snapshot(&warnsByComp),
		"errors":          snapshot(&errorsByComp),
		"goroutines":      runtime.NumGoroutine(),
	}
}

func logReport(ctx context.Context, log *Log) {
	fields := reportFields()

	cpuPct := 0.0
	if cpuPercent, err := cpu.Percent(0, false); err == nil && len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}
	memMB := 0.0
	if memStats, err := mem.VirtualMemory(); err == nil {
		memMB = float64(memStats.Used) / 1024 / 1024
	}
	fields["cpu_percent"] = cpuPct
	fields["memory_mb"] = int64(memMB)

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(memMB)},
	}
	counters := map[string]int64{
		"FramesReceived": fields["frames_received"].(int64),
		"FramesDropped":  fields["frames_dropped"].(int64),
		"Reconnects":     fields["reconnects"].(int64),
		"ControlFrames":  fields["control_frames"].(int64),
		"OrdersFilled":   fields["orders_filled"].(int64),
		"OrdersRejected": fields["orders_rejected"].(int64),
	}
	names := make([]string, 0, len(counters))
	for name := range counters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String(name),
			Unit:       cwtypes.StandardUnitCount,
			Value:      aws.Float64(float64(counters[name])),
		})
	}

	publishMetrics(ctx, data)
}
