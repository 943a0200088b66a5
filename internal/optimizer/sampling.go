package optimizer

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// collectSample reads the store's INFO output plus host CPU/memory via
// gopsutil.
func (o *Optimizer) collectSample(ctx context.Context) (Sample, error) {
	if err := o.sampleLimiter.Wait(ctx); err != nil {
		return Sample{}, err
	}

	info, err := o.store.Info(ctx)
	if err != nil {
		return Sample{}, err
	}
	fields := parseInfo(info)

	usedMemory := fields.float("used_memory")
	maxMemory := fields.float("maxmemory")
	usedPercent := 0.0
	if maxMemory > 0 {
		usedPercent = usedMemory / maxMemory * 100
	}

	hits := fields.float("keyspace_hits")
	misses := fields.float("keyspace_misses")
	hitRate := 1.0
	if hits+misses > 0 {
		hitRate = hits / (hits + misses)
	}

	sample := Sample{
		Timestamp:          time.Now().UTC(),
		UsedMemoryPercent:  usedPercent,
		HitRate:            hitRate,
		AverageLatencyMs:   fields.float("instantaneous_latency_ms"),
		ConnectedClients:   fields.float("connected_clients"),
		OpsPerSec:          fields.float("instantaneous_ops_per_sec"),
		EvictedKeys:        fields.float("evicted_keys"),
		FragmentationRatio: fields.float("mem_fragmentation_ratio"),
	}

	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		sample.HostCPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm != nil {
		sample.HostMemoryPercent = vm.UsedPercent
	}

	return sample, nil
}

type infoFields map[string]string

func (f infoFields) float(key string) float64 {
	v, ok := f[key]
	if !ok {
		return 0
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0
	}
	return n
}

// parseInfo parses Redis INFO's "key:value\r\n" line format, ignoring
// section headers ("# Memory") and blank lines.
func parseInfo(raw string) infoFields {
	out := make(infoFields)
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		out[parts[0]] = parts[1]
	}
	return out
}

// meanSample averages a slice of samples field-by-field, used for the
// startup baseline.
func meanSample(samples []Sample) Sample {
	if len(samples) == 0 {
		return Sample{}
	}
	var out Sample
	for _, s := range samples {
		out.UsedMemoryPercent += s.UsedMemoryPercent
		out.HitRate += s.HitRate
		out.AverageLatencyMs += s.AverageLatencyMs
		out.ConnectedClients += s.ConnectedClients
		out.OpsPerSec += s.OpsPerSec
		out.EvictedKeys += s.EvictedKeys
		out.FragmentationRatio += s.FragmentationRatio
		out.HostCPUPercent += s.HostCPUPercent
		out.HostMemoryPercent += s.HostMemoryPercent
	}
	n := float64(len(samples))
	out.UsedMemoryPercent /= n
	out.HitRate /= n
	out.AverageLatencyMs /= n
	out.ConnectedClients /= n
	out.OpsPerSec /= n
	out.EvictedKeys /= n
	out.FragmentationRatio /= n
	out.HostCPUPercent /= n
	out.HostMemoryPercent /= n
	out.Timestamp = samples[len(samples)-1].Timestamp
	return out
}
