package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/FoCDoT-Tech/quorum/internal/harness"
	"github.com/FoCDoT-Tech/quorum/internal/types"
)

type report struct {
	Scenario   string           `json:"scenario"`
	Nodes      int              `json:"nodes"`
	Ops        int              `json:"ops"`
	Duration   string           `json:"duration"`
	OpsPerSec  float64          `json:"ops_per_sec"`
	AvgLatency string           `json:"avg_latency"`
	Counters   harness.Counters `json:"counters"`
}

func main() {
	nodes := flag.Int("nodes", 3, "cluster size")
	ops := flag.Int("ops", 200, "number of proposals")
	scenario := flag.String("scenario", "steady", "scenario: steady, partition, churn")
	logLevel := flag.String("log-level", "error", "log level for cluster nodes")
	flag.Parse()

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "quorumbench",
		Level: hclog.LevelFromString(*logLevel),
	})

	if err := run(*scenario, *nodes, *ops, logger); err != nil {
		fmt.Fprintln(os.Stderr, "quorumbench:", err)
		os.Exit(1)
	}
}

func run(scenario string, nodes, ops int, logger hclog.Logger) error {
	cluster, err := harness.NewCluster(nodes, harness.Options{Logger: logger})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := cluster.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		cluster.Stop(stopCtx)
	}()

	electCtx, electCancel := context.WithTimeout(ctx, 10*time.Second)
	defer electCancel()
	if _, err := cluster.WaitForLeader(electCtx); err != nil {
		return err
	}

	start := time.Now()
	switch scenario {
	case "steady":
		if err := proposeN(ctx, cluster, ops, 0); err != nil {
			return err
		}
	case "partition":
		if err := runPartition(ctx, cluster, ops); err != nil {
			return err
		}
	case "churn":
		if err := proposeN(ctx, cluster, ops, 5*time.Millisecond); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown scenario %q", scenario)
	}
	elapsed := time.Since(start)

	rep := report{
		Scenario:   scenario,
		Nodes:      nodes,
		Ops:        ops,
		Duration:   elapsed.Round(time.Millisecond).String(),
		OpsPerSec:  float64(ops) / elapsed.Seconds(),
		AvgLatency: (elapsed / time.Duration(ops)).Round(time.Microsecond).String(),
		Counters:   cluster.Counters(),
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}

func proposeN(ctx context.Context, cluster *harness.Cluster, ops int, pause time.Duration) error {
	for i := 0; i < ops; i++ {
		opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, err := cluster.ProposeValue(opCtx, fmt.Sprintf("key-%d", i), fmt.Sprintf("value-%d", i))
		cancel()
		if err != nil {
			return fmt.Errorf("propose %d: %w", i, err)
		}
		if pause > 0 {
			time.Sleep(pause)
		}
	}
	return nil
}

// runPartition isolates the leader mid-run, keeps proposing against the
// majority side, then heals and lets the minority catch up.
func runPartition(ctx context.Context, cluster *harness.Cluster, ops int) error {
	half := ops / 2
	if err := proposeN(ctx, cluster, half, 0); err != nil {
		return err
	}

	leader := cluster.Leader()
	ids := cluster.IDs()
	var rest []types.NodeID
	for _, id := range ids {
		if id != leader {
			rest = append(rest, id)
		}
	}
	cluster.SimulatePartition([]types.NodeID{leader}, rest)

	if err := proposeN(ctx, cluster, ops-half, 0); err != nil {
		return err
	}

	cluster.HealPartition()
	// Allow the isolated node to rejoin and catch up before reporting.
	time.Sleep(500 * time.Millisecond)
	return nil
}
