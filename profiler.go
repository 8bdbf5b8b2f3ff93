package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
)

const (
	// memProfileRate is the memory profiling rate while profiling.
	// See also http://golang.org/pkg/runtime/#pkg-variables
	memProfileRate = 4096

	timeFormat = "20060102_150405"
)

// profileKind starts one profile writing to f and returns the func that ends it.
type profileKind struct {
	name  string
	start func(f *os.File) (func(), error)
}

// lookupAtStop writes a named runtime profile when profiling stops.
func lookupAtStop(name string, on, off func()) func(f *os.File) (func(), error) {
	return func(f *os.File) (func(), error) {
		on()
		return func() {
			if p := pprof.Lookup(name); p != nil {
				_ = p.WriteTo(f, 0)
			}
			off()
		}, nil
	}
}

var profileKinds = []profileKind{
	{"cpu", func(f *os.File) (func(), error) {
		if err := pprof.StartCPUProfile(f); err != nil {
			return nil, err
		}
		return pprof.StopCPUProfile, nil
	}},
	{"mem", func(f *os.File) (func(), error) {
		old := runtime.MemProfileRate
		runtime.MemProfileRate = memProfileRate
		return func() {
			_ = pprof.Lookup("heap").WriteTo(f, 0)
			runtime.MemProfileRate = old
		}, nil
	}},
	{"mutex", lookupAtStop("mutex",
		func() { runtime.SetMutexProfileFraction(1) },
		func() { runtime.SetMutexProfileFraction(0) })},
	{"block", lookupAtStop("block",
		func() { runtime.SetBlockProfileRate(1) },
		func() { runtime.SetBlockProfileRate(0) })},
	{"threadcreate", lookupAtStop("threadcreate", func() {}, func() {})},
	{"trace", func(f *os.File) (func(), error) {
		if err := trace.Start(f); err != nil {
			return nil, err
		}
		return trace.Stop, nil
	}},
}

// Profiler is a running set of profiles, toggled by SIGUSR2.
type Profiler struct {
	stops   []func()
	stopped uint32
}

func StartProfiler(dataDir string) *Profiler {
	p := &Profiler{}
	now := time.Now()

	for _, kind := range profileKinds {
		fn := dumpFile(dataDir, kind.name, "pprof", now)
		f, err := os.Create(fn)
		if err != nil {
			glog.Errorf("pprof: could not create %s profile %q: %v", kind.name, fn, err)
			continue
		}

		stop, err := kind.start(f)
		if err != nil {
			glog.Errorf("pprof: could not start %s profile: %v", kind.name, err)
			f.Close()
			continue
		}

		glog.Infof("pprof: %s profiling enabled, %s", kind.name, fn)
		name := kind.name
		p.stops = append(p.stops, func() {
			stop()
			f.Close()
			glog.Infof("pprof: %s profiling disabled, %s", name, fn)
		})
	}
	return p
}

// Stop stops all profiles and flushes unwritten data; only the first call counts.
func (p *Profiler) Stop() {
	if !atomic.CompareAndSwapUint32(&p.stopped, 0, 1) {
		return
	}
	for _, stop := range p.stops {
		stop()
	}
}

func dumpFile(dataDir, kind, ext string, t time.Time) string {
	return filepath.Join(dataDir, fmt.Sprintf("%s-%s.%s", kind, t.Format(timeFormat), ext))
}

// dumpGoroutines writes stacks of all goroutines, triggered by SIGUSR1.
func dumpGoroutines(dataDir string) {
	fn := dumpFile(dataDir, "goroutines", "dump", time.Now())
	glog.Infof("pprof: dumping goroutines to %s", fn)

	f, err := os.Create(fn)
	if err != nil {
		glog.Errorf("pprof: failed to dump goroutines: %v", err)
		return
	}
	defer f.Close()

	if err := pprof.Lookup("goroutine").WriteTo(f, 2); err != nil {
		glog.Errorf("pprof: failed to write goroutines to %s: %v", fn, err)
	}
}
