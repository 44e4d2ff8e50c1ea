package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ghalamif/WaferProbe"
)

// Probes every die of the sample wafer against the simulator and prints the
// resulting map.
func main() {
	cfg, err := waferprobe.LoadConfig("../../data/config.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	cfg.Gateway.Kind = "simulator"
	cfg.Ledger.Dir, err = os.MkdirTemp("", "waferprobe-example-")
	if err != nil {
		log.Fatalf("temp dir: %v", err)
	}
	defer os.RemoveAll(cfg.Ledger.Dir)

	st, err := waferprobe.New(cfg)
	if err != nil {
		log.Fatalf("new station: %v", err)
	}
	defer st.Shutdown(context.Background())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for ctx.Err() == nil {
		att, err := st.RunNext(ctx, waferprobe.Auto())
		if errors.Is(err, waferprobe.ErrOutOfRange) {
			break
		}
		if err != nil {
			log.Fatalf("probe: %v", err)
		}
		fmt.Printf("site %d %s %s\n", att.SiteID, att.Coordinate, att.Outcome)
	}

	// retest the first die and show how the rules differ
	first := waferprobe.Coordinate{Row: 1, Col: 2}
	if _, err := st.RunNext(ctx, waferprobe.Retest(first)); err != nil {
		log.Fatalf("retest: %v", err)
	}

	out, err := st.Map(waferprobe.AggregationRule("BEST"))
	if err != nil {
		log.Fatalf("map: %v", err)
	}
	fmt.Println(out)
}
