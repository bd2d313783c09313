package main

import (
	"context"
	"flag"
	"os"

	"polymm/internal/ops"

	"github.com/yanun0323/logs"
)

func main() {
	configPath := flag.String("config", "", "Path to JSON or YAML config")
	snapshotPath := flag.String("snapshot", "", "Position snapshot path (overrides snapshot.path)")
	flag.Parse()

	loaded, err := ops.Load(*configPath)
	if err != nil {
		logs.Errorf("config load failed, err: %+v", err)
		os.Exit(1)
	}
	if *snapshotPath != "" {
		loaded.Snapshot.Path = *snapshotPath
	}

	stopProfiler, err := startProfiler(loaded.Profiling)
	if err != nil {
		logs.Errorf("pyroscope start failed, err: %+v", err)
		os.Exit(1)
	}
	defer stopProfiler()

	if err := run(context.Background(), loaded); err != nil {
		logs.Errorf("polymm exited, err: %+v", err)
		stopProfiler()
		os.Exit(1)
	}
}
