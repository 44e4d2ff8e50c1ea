package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ghalamif/WaferProbe"
	"github.com/ghalamif/WaferProbe/internal/app/identity"
	"github.com/ghalamif/WaferProbe/internal/domain"
)

const defaultConfig = "./data/config.yaml"

func main() {
	// .env is optional; PROBE_* variables may also come from the environment
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	var err error

	switch cmd {
	case "serve":
		err = serveCommand(os.Args[2:])
	case "run":
		err = runCommand(os.Args[2:])
	case "map":
		err = mapCommand(os.Args[2:])
	case "history":
		err = historyCommand(os.Args[2:])
	case "validate":
		err = validateCommand(os.Args[2:])
	case "stats":
		err = statsCommand(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		printUsage()
		err = fmt.Errorf("unknown command %q", cmd)
	}

	if err != nil {
		log.Fatalf("probe-station %s: %v", cmd, err)
	}
}

func openStation(cfgPath string) (*waferprobe.Station, *waferprobe.Config, error) {
	cfg, err := waferprobe.LoadConfig(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	st, err := waferprobe.New(cfg)
	if err != nil {
		return nil, nil, err
	}
	return st, cfg, nil
}

func serveCommand(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfig, "Path to station configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	st, _, err := openStation(*cfgPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return st.Run(ctx)
}

func runCommand(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfig, "Path to station configuration file")
	modeName := fs.String("mode", "auto", "Allocation mode: auto, skip, goto or retest")
	row := fs.Int("row", 0, "Die row for goto/retest")
	col := fs.Int("col", 0, "Die column for goto/retest")
	n := fs.Int("n", 1, "Number of die to skip")
	count := fs.Int("count", 1, "Number of auto attempts to run (0 = until the wafer is done)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	kind, err := identity.ParseKind(*modeName)
	if err != nil {
		return err
	}
	coord := domain.Coordinate{Row: *row, Col: *col}

	st, _, err := openStation(*cfgPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Ctrl+C aborts the attempt in flight; power-off still runs
	go func() {
		<-ctx.Done()
		st.Abort()
	}()

	runErr := runAttempts(ctx, st, kind, coord, *n, *count)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return errors.Join(runErr, st.Shutdown(shutdownCtx))
}

func runAttempts(ctx context.Context, st *waferprobe.Station, kind identity.Kind, coord domain.Coordinate, n, count int) error {
	if err := st.Connect(ctx); err != nil {
		return err
	}

	switch kind {
	case identity.KindSkip:
		if _, err := st.RunNext(ctx, waferprobe.Skip(n)); err != nil {
			return err
		}
		if next, ok := st.Peek(); ok {
			fmt.Printf("skipped %d, next die %s\n", n, next)
		} else {
			fmt.Printf("skipped %d, wafer done\n", n)
		}
		return nil
	case identity.KindGoto:
		return runOne(ctx, st, waferprobe.Goto(coord))
	case identity.KindRetest:
		return runOne(ctx, st, waferprobe.Retest(coord))
	}

	for i := 0; count == 0 || i < count; i++ {
		if ctx.Err() != nil {
			return nil
		}
		err := runOne(ctx, st, waferprobe.Auto())
		if errors.Is(err, identity.ErrOutOfRange) && i > 0 {
			fmt.Println("wafer done")
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func runOne(ctx context.Context, st *waferprobe.Station, mode waferprobe.Mode) error {
	att, err := st.RunNext(ctx, mode)
	if err != nil {
		return err
	}
	printAttempt(att)
	return nil
}

func printAttempt(a waferprobe.TestAttempt) {
	line := fmt.Sprintf("site %d %s %-7s stages=%d/%d current=%.3fA",
		a.SiteID, a.Coordinate, a.Outcome, a.PassedStages, len(a.Stages), a.PowerCheck.CurrentMeasured)
	if a.Retest {
		line += " retest"
	}
	if a.FailReason != "" {
		line += " reason=" + a.FailReason
	}
	if !a.PowerOffConfirmed {
		line += " POWER-OFF UNCONFIRMED"
	}
	fmt.Println(line)
}

func mapCommand(args []string) error {
	fs := flag.NewFlagSet("map", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfig, "Path to station configuration file")
	ruleName := fs.String("rule", "", "Aggregation rule: last, best or majority (default from config)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	st, cfg, err := openStation(*cfgPath)
	if err != nil {
		return err
	}
	defer st.Shutdown(context.Background())

	rule := cfg.Rule()
	if *ruleName != "" {
		if rule, err = domain.ParseRule(*ruleName); err != nil {
			return err
		}
	}
	out, err := st.Map(rule)
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}

func historyCommand(args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfig, "Path to station configuration file")
	row := fs.Int("row", 0, "Die row")
	col := fs.Int("col", 0, "Die column")
	if err := fs.Parse(args); err != nil {
		return err
	}

	st, _, err := openStation(*cfgPath)
	if err != nil {
		return err
	}
	defer st.Shutdown(context.Background())

	coord := domain.Coordinate{Row: *row, Col: *col}
	hist := st.History(coord)
	if len(hist) == 0 {
		return fmt.Errorf("no attempts recorded for %s", coord)
	}
	for _, a := range hist {
		fmt.Printf("%s  ", a.FinishedAt.Format(time.RFC3339))
		printAttempt(a)
	}
	for _, rule := range []domain.AggregationRule{domain.RuleLast, domain.RuleBest, domain.RuleMajority} {
		v, err := st.Verdict(coord, rule)
		if err != nil {
			return err
		}
		fmt.Printf("%-8s -> %s (%s)\n", rule, v.Outcome, v.ChosenAttemptID)
	}
	return nil
}

func validateCommand(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	cfgPath := fs.String("config", defaultConfig, "Path to configuration file to validate")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := waferprobe.LoadConfig(*cfgPath)
	if err != nil {
		return err
	}
	fmt.Printf("config %s looks good: %dx%d wafer, %d stages, gateway=%s, ledger=%s\n",
		*cfgPath, cfg.Wafer.Rows, cfg.Wafer.Cols, len(cfg.Stages), cfg.Gateway.Kind, cfg.Ledger.Backend)
	return nil
}

func statsCommand(args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	url := fs.String("url", "http://localhost:9100/metrics", "Prometheus metrics endpoint")
	interval := fs.Duration("interval", 2*time.Second, "Refresh interval")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	fmt.Printf("Streaming metrics from %s (Ctrl+C to stop)\n", *url)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := printMetricsSnapshot(*url); err != nil {
				fmt.Fprintf(os.Stderr, "stats error: %v\n", err)
			}
		}
	}
}

func printMetricsSnapshot(url string) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	outcomes := map[string]float64{}
	targets := map[string]float64{
		"probe_export_written_total":   0,
		"probe_export_queue_length":    0,
		"probe_attempt_log_size_bytes": 0,
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, `probe_attempts_total{outcome="`) {
			var value float64
			rest := strings.TrimPrefix(line, `probe_attempts_total{outcome="`)
			if i := strings.Index(rest, `"} `); i > 0 {
				if _, err := fmt.Sscanf(rest[i+3:], "%f", &value); err == nil {
					outcomes[rest[:i]] = value
				}
			}
			continue
		}
		for key := range targets {
			if strings.HasPrefix(line, key+" ") {
				var value float64
				if _, err := fmt.Sscanf(line, key+" %f", &value); err == nil {
					targets[key] = value
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	fmt.Printf("[%s] pass=%.0f partial=%.0f fail=%.0f error=%.0f aborted=%.0f exported=%.0f queue=%.0f log_bytes=%.0f\n",
		time.Now().Format(time.RFC3339),
		outcomes["PASS"], outcomes["PARTIAL"], outcomes["FAIL"], outcomes["ERROR"], outcomes["ABORTED"],
		targets["probe_export_written_total"],
		targets["probe_export_queue_length"],
		targets["probe_attempt_log_size_bytes"],
	)
	return nil
}

func printUsage() {
	fmt.Printf(`WaferProbe station CLI

Usage:
  probe-station <command> [flags]

Commands:
  serve      Run the station with its HTTP API until interrupted
  run        Probe the next die (or -count die) and exit
  map        Print the wafer map for an aggregation rule
  history    Print every attempt of one die and its verdicts
  validate   Load and validate a config file without touching instruments
  stats      Poll the Prometheus metrics endpoint and print live counters

Examples:
  probe-station serve -config ./data/config.yaml
  probe-station run -config ./data/config.yaml -count 0
  probe-station run -mode retest -row 3 -col 7
  probe-station map -rule best
  probe-station history -row 3 -col 7
  probe-station stats -url http://localhost:9100/metrics -interval 1s
`)
}
