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
	gnet "github.com/shirou/gopsutil/v3/net"
)

type flowStat struct {
	messages int64
	bytes    int64
}

var (
	warns    sync.Map // component -> *int64
	errs     sync.Map // component -> *int64
	flows    sync.Map // name -> *flowStat
	lastSeen atomic.Int64
)

func bump(m *sync.Map, key string) {
	v, _ := m.LoadOrStore(key, new(int64))
	atomic.AddInt64(v.(*int64), 1)
}

func recordWarn(component string)  { bump(&warns, component) }
func recordError(component string) { bump(&errs, component) }

// RecordFlow counts one message of size bytes passing through name, e.g.
// "binance_spot_frames" or "events_channel".
func RecordFlow(name string, size int) {
	v, _ := flows.LoadOrStore(name, &flowStat{})
	fs := v.(*flowStat)
	atomic.AddInt64(&fs.messages, 1)
	atomic.AddInt64(&fs.bytes, int64(size))
	lastSeen.Store(time.Now().UnixNano())
}

// Counts reports the warnings and errors logged per component so far.
func Counts() (warnings, errors map[string]int64) {
	return snapshotCounts(&warns), snapshotCounts(&errs)
}

func snapshotCounts(m *sync.Map) map[string]int64 {
	out := map[string]int64{}
	m.Range(func(k, v any) bool {
		out[k.(string)] = atomic.LoadInt64(v.(*int64))
		return true
	})
	return out
}

// resetCounts starts a new report window. lastSeen survives so idle time
// spans windows.
func resetCounts() {
	for _, m := range []*sync.Map{&warns, &errs, &flows} {
		m.Range(func(k, _ any) bool {
			m.Delete(k)
			return true
		})
	}
}

// StartReport logs a runtime report every interval until ctx is done. Each
// report covers the warnings, errors and flows of its own interval.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(log)
				resetCounts()
			}
		}
	}()
}

func logReport(log *Log) {
	fields := reportFields()
	if cpuPercent, err := cpu.Percent(0, false); err == nil && len(cpuPercent) > 0 {
		fields["cpu_percent"] = cpuPercent[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		fields["memory_mb"] = int64(vm.Used) / 1024 / 1024
	}
	if netStats, err := gnet.IOCounters(false); err == nil && len(netStats) > 0 {
		fields["net_bytes_sent"] = int64(netStats[0].BytesSent)
		fields["net_bytes_recv"] = int64(netStats[0].BytesRecv)
	}
	log.WithComponent("report").WithFields(fields).Info("runtime report")
}

func reportFields() Fields {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	flowData := map[string]map[string]int64{}
	names := []string{}
	flows.Range(func(k, v any) bool {
		name := k.(string)
		fs := v.(*flowStat)
		flowData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&fs.messages),
			"bytes":    atomic.LoadInt64(&fs.bytes),
		}
		names = append(names, name)
		return true
	})
	sort.Strings(names)

	warnCounts, errCounts := Counts()
	fields := Fields{
		"goroutines": runtime.NumGoroutine(),
		"heap_mb":    int64(ms.HeapAlloc) / 1024 / 1024,
		"warnings":   warnCounts,
		"errors":     errCounts,
		"flows":      flowData,
		"flow_names": names,
	}
	if ns := lastSeen.Load(); ns > 0 {
		fields["idle_ms"] = time.Since(time.Unix(0, ns)).Milliseconds()
	}
	return fields
}
