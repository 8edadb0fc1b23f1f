package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"DistMR/internal/coordinator"
	"DistMR/internal/discovery"
	httpserver "DistMR/internal/http"
	"DistMR/internal/jobs"
	"DistMR/internal/logger"
	"DistMR/internal/mapreduce"
	"DistMR/internal/raft"
	"DistMR/internal/reader"
)

type flags struct {
	mode     string
	logLevel string

	job           string
	input         string
	output        string
	buckets       int
	mapWorkers    int
	reduceWorkers int
	retries       int
	shardSize     int64
	spillThresh   int
	spillDir      string
	spillBackend  string
	lenient       bool

	nodeID     string
	bindAddr   string
	raftPort   int
	gossipPort int
	httpPort   int
	join       string
	dataDir    string
}

func parseFlags() *flags {
	f := &flags{}
	flag.StringVar(&f.mode, "mode", "local", "Mode: 'local' runs one job, 'cluster' runs a journal node")
	flag.StringVar(&f.logLevel, "log-level", "INFO", "Log level: DEBUG, INFO, WARN, ERROR")

	flag.StringVar(&f.job, "job", "", "Job to run: "+strings.Join(jobs.Names(), ", "))
	flag.StringVar(&f.input, "input", "", "Comma-separated input files or directories")
	flag.StringVar(&f.output, "output", "", "Output file (default stdout)")
	flag.IntVar(&f.buckets, "buckets", 0, "Number of reduce buckets (default 4)")
	flag.IntVar(&f.mapWorkers, "map-workers", 0, "Map worker pool size (default NumCPU)")
	flag.IntVar(&f.reduceWorkers, "reduce-workers", 0, "Reduce worker pool size (default NumCPU)")
	flag.IntVar(&f.retries, "retries", mapreduce.DefaultRetryBound, "Retries per task after the first attempt (0 disables)")
	flag.Int64Var(&f.shardSize, "shard-size", reader.DefaultShardSize, "Input shard size in bytes")
	flag.IntVar(&f.spillThresh, "spill-threshold", 0, "Per-bucket entries kept in memory before spilling (0 disables)")
	flag.StringVar(&f.spillDir, "spill-dir", "", "Directory for spill data (default system temp)")
	flag.StringVar(&f.spillBackend, "spill-backend", mapreduce.SpillFile, "Spill backend: file or bolt")
	flag.BoolVar(&f.lenient, "lenient", false, "Skip malformed input lines instead of failing")

	flag.StringVar(&f.nodeID, "node-id", "", "Node id (default node-<random>)")
	flag.StringVar(&f.bindAddr, "bind", "127.0.0.1", "Address for raft and gossip")
	flag.IntVar(&f.raftPort, "raft-port", 9001, "Raft transport port")
	flag.IntVar(&f.gossipPort, "gossip-port", 7946, "Memberlist gossip port")
	flag.IntVar(&f.httpPort, "http-port", 0, "Status server port (cluster default 8081, 0 in local mode disables)")
	flag.StringVar(&f.join, "join", "", "Comma-separated gossip addresses of existing nodes")
	flag.StringVar(&f.dataDir, "data-dir", "", "Raft data directory (default /tmp/distmr-<node-id>)")
	flag.Parse()
	return f
}

func main() {
	f := parseFlags()
	lg := logger.New(f.logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch f.mode {
	case "local":
		err = runLocal(ctx, f, lg)
	case "cluster":
		err = runCluster(ctx, f, lg)
	default:
		err = fmt.Errorf("unknown mode: %s", f.mode)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (f *flags) controllerConfig(lg *logger.Logger, journal mapreduce.Journal) mapreduce.Config {
	retries := f.retries
	if retries <= 0 {
		retries = mapreduce.NoRetry
	}
	return mapreduce.Config{
		MapWorkers:     f.mapWorkers,
		ReduceWorkers:  f.reduceWorkers,
		NumBuckets:     f.buckets,
		RetryBound:     retries,
		ShardSize:      f.shardSize,
		SpillThreshold: f.spillThresh,
		SpillBackend:   f.spillBackend,
		SpillDir:       f.spillDir,
		Journal:        journal,
		Logger:         lg,
	}
}

// runJob opens the inputs, runs the selected job and writes its output.
func runJob(ctx context.Context, f *flags, lg *logger.Logger, c *mapreduce.Controller) error {
	spec, err := jobs.Lookup(f.job)
	if err != nil {
		return err
	}
	paths := splitList(f.input)
	if len(paths) == 0 {
		return fmt.Errorf("-input is required")
	}

	files, err := reader.OpenFiles(paths)
	if err != nil {
		return err
	}
	defer reader.CloseAll(files)
	sources := make([]reader.Source, len(files))
	for i, file := range files {
		sources[i] = file
	}

	var w io.Writer = os.Stdout
	if f.output != "" {
		out, err := mapreduce.CreateOutput(f.output)
		if err != nil {
			return err
		}
		defer out.Close()
		w = out
	}

	start := time.Now()
	lg.Info("Running job: job=%s inputs=%d buckets=%d", spec.Name, len(sources), c.Config().NumBuckets)
	sum, err := spec.Run(ctx, c, sources, jobs.Options{Lenient: f.lenient, Logger: lg}, w)
	if sum.Skipped > 0 {
		lg.Warn("Skipped malformed lines: job_id=%s count=%d", sum.JobID, sum.Skipped)
	}
	if err != nil {
		return err
	}
	lg.Elapsed(start, fmt.Sprintf("Job %s finished with %d outputs", sum.JobID, sum.Outputs))
	return nil
}

func runLocal(ctx context.Context, f *flags, lg *logger.Logger) error {
	if f.job == "" {
		return fmt.Errorf("-job is required in local mode (available: %s)", strings.Join(jobs.Names(), ", "))
	}
	c, err := mapreduce.NewController(f.controllerConfig(lg, nil))
	if err != nil {
		return err
	}
	defer c.Close()

	if f.httpPort > 0 {
		srv := httpserver.NewServer(httpserver.ServerOpts{ID: "local", Port: f.httpPort, Logger: lg}, c)
		go func() {
			if err := srv.Start(); err != nil {
				lg.Error("Status server failed: %v", err)
			}
		}()
		defer shutdown(srv)
	}

	return runJob(ctx, f, lg, c)
}

func shutdown(srv *httpserver.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
}

func runCluster(ctx context.Context, f *flags, lg *logger.Logger) error {
	if f.nodeID == "" {
		f.nodeID = "node-" + uuid.New().String()[:8]
	}
	if f.dataDir == "" {
		f.dataDir = filepath.Join(os.TempDir(), "distmr-"+f.nodeID)
	}
	if f.httpPort == 0 {
		f.httpPort = 8081
	}
	seeds := splitList(f.join)

	master, err := coordinator.NewMaster(raft.Config{
		NodeID:   f.nodeID,
		BindAddr: f.bindAddr,
		BindPort: f.raftPort,
		DataDir:  f.dataDir,
		Join:     len(seeds) > 0,
		Logger:   lg,
	})
	if err != nil {
		return fmt.Errorf("failed to create master: %w", err)
	}
	defer master.Close()

	disc, err := discovery.NewNodeDiscovery(discovery.Config{
		NodeID:       f.nodeID,
		LocalAddress: f.bindAddr,
		LocalPort:    f.gossipPort,
		RaftAddr:     master.RaftAddr(),
		Logger:       lg,
	})
	if err != nil {
		return err
	}
	defer disc.Shutdown()
	disc.RegisterJoinCallback(func(nodeID, raftAddr string) {
		if err := master.RegisterPeer(nodeID, raftAddr); err != nil {
			lg.Warn("Failed to add peer: peer=%s err=%v", nodeID, err)
		}
	})
	disc.RegisterLeaveCallback(func(nodeID string) {
		if err := master.RemovePeer(nodeID); err != nil {
			lg.Warn("Failed to remove peer: peer=%s err=%v", nodeID, err)
		}
	})
	if len(seeds) > 0 {
		disc.Join(seeds)
	}

	lg.Info("Waiting for leader election...")
	if err := master.WaitForLeader(10 * time.Second); err != nil {
		return err
	}
	lg.Info("Cluster node ready: leader=%s is_leader=%v", master.GetLeader(), master.IsLeader())

	srv := httpserver.NewServer(httpserver.ServerOpts{ID: f.nodeID, Port: f.httpPort, Logger: lg}, master)
	errc := make(chan error, 1)
	go func() { errc <- srv.Start() }()
	defer shutdown(srv)

	if f.job != "" {
		c, err := mapreduce.NewController(f.controllerConfig(lg, master))
		if err != nil {
			return err
		}
		defer c.Close()
		if err := runJob(ctx, f, lg, c); err != nil {
			return err
		}
	}

	select {
	case <-ctx.Done():
		lg.Info("Shutting down node")
	case err := <-errc:
		if err != nil {
			return err
		}
	}
	if err := disc.Leave(time.Second); err != nil {
		lg.Warn("Failed to leave cluster: %v", err)
	}
	return nil
}
