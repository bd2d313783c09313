package main

import (
	"polymm/internal/ops"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/yanun0323/logs"
)

type pyroscopeLogger struct{}

func (pyroscopeLogger) Infof(format string, args ...any)  { logs.Debugf("pyroscope: "+format, args...) }
func (pyroscopeLogger) Debugf(format string, args ...any) { logs.Debugf("pyroscope: "+format, args...) }
func (pyroscopeLogger) Errorf(format string, args ...any) { logs.Errorf("pyroscope: "+format, args...) }

// startProfiler starts continuous profiling when enabled. The returned stop
// func is safe to call more than once.
func startProfiler(cfg ops.ProfilingConfig) (func(), error) {
	if !cfg.Enabled {
		return func() {}, nil
	}

	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: cfg.ApplicationName,
		ServerAddress:   cfg.ServerAddress,
		Tags:            cfg.Tags,
		Logger:          pyroscopeLogger{},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
			pyroscope.ProfileGoroutines,
		},
	})
	if err != nil {
		return nil, err
	}

	stopped := false
	return func() {
		if stopped {
			return
		}
		stopped = true
		_ = profiler.Stop()
	}, nil
}
