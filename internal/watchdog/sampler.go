package watchdog

import (
	"errors"
	"fmt"
	"math"
	"runtime"
	"runtime/debug"

	"github.com/prometheus/procfs"
)

// Memory sources accepted in configuration.
const (
	SourceSystem  = "system"
	SourceProcess = "process"
	SourceRuntime = "runtime"
)

// Sampler reads the current used-memory fraction in [0, 1].
type Sampler interface {
	Sample() (float64, error)
}

// SamplerFunc adapts a function to Sampler.
type SamplerFunc func() (float64, error)

// Sample implements Sampler.
func (f SamplerFunc) Sample() (float64, error) { return f() }

// NewSampler builds the sampler for source. limitBytes is the denominator
// for the process and runtime sources; 0 falls back to total system memory
// or GOMEMLIMIT respectively.
func NewSampler(source string, limitBytes uint64) (Sampler, error) {
	switch source {
	case "", SourceSystem:
		return NewSystemSampler()
	case SourceProcess:
		return NewProcessSampler(limitBytes)
	case SourceRuntime:
		return NewRuntimeSampler(limitBytes)
	default:
		return nil, fmt.Errorf("unknown memory source %q", source)
	}
}

// SystemSampler reports 1 - MemAvailable/MemTotal from /proc/meminfo.
type SystemSampler struct {
	fs procfs.FS
}

// NewSystemSampler opens the default procfs mount.
func NewSystemSampler() (*SystemSampler, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	return &SystemSampler{fs: fs}, nil
}

// Sample implements Sampler.
func (s *SystemSampler) Sample() (float64, error) {
	total, available, err := meminfo(s.fs)
	if err != nil {
		return 0, err
	}
	return 1 - float64(available)/float64(total), nil
}

// ProcessSampler reports this process's resident set size over a limit.
type ProcessSampler struct {
	fs    procfs.FS
	limit uint64
}

// NewProcessSampler uses limitBytes, or total system memory when zero.
func NewProcessSampler(limitBytes uint64) (*ProcessSampler, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	if limitBytes == 0 {
		totalKB, _, err := meminfo(fs)
		if err != nil {
			return nil, err
		}
		limitBytes = totalKB * 1024
	}
	return &ProcessSampler{fs: fs, limit: limitBytes}, nil
}

// Sample implements Sampler.
func (s *ProcessSampler) Sample() (float64, error) {
	proc, err := s.fs.Self()
	if err != nil {
		return 0, fmt.Errorf("read /proc/self: %w", err)
	}
	stat, err := proc.Stat()
	if err != nil {
		return 0, fmt.Errorf("read /proc/self/stat: %w", err)
	}
	return float64(stat.ResidentMemory()) / float64(s.limit), nil
}

// RuntimeSampler reports memory obtained by the Go runtime over a limit.
// It works without procfs.
type RuntimeSampler struct {
	limit uint64
}

// NewRuntimeSampler uses limitBytes, or the GOMEMLIMIT soft limit when zero.
func NewRuntimeSampler(limitBytes uint64) (*RuntimeSampler, error) {
	if limitBytes == 0 {
		if soft := debug.SetMemoryLimit(-1); soft > 0 && soft < math.MaxInt64 {
			limitBytes = uint64(soft)
		}
	}
	if limitBytes == 0 {
		return nil, errors.New("runtime memory source needs memory.limit_mb or GOMEMLIMIT")
	}
	return &RuntimeSampler{limit: limitBytes}, nil
}

// Sample implements Sampler.
func (s *RuntimeSampler) Sample() (float64, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return float64(ms.Sys-ms.HeapReleased) / float64(s.limit), nil
}

func meminfo(fs procfs.FS) (totalKB, availableKB uint64, err error) {
	info, err := fs.Meminfo()
	if err != nil {
		return 0, 0, fmt.Errorf("read /proc/meminfo: %w", err)
	}
	if info.MemTotal == nil || *info.MemTotal == 0 {
		return 0, 0, errors.New("meminfo: MemTotal missing")
	}
	if info.MemAvailable == nil {
		return 0, 0, errors.New("meminfo: MemAvailable missing")
	}
	return *info.MemTotal, *info.MemAvailable, nil
}
