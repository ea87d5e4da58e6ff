package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newBenchCmd() *cobra.Command {
	var benchTime string
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run all benchmarks",
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now()
			fmt.Printf("Running benchmarks (benchtime=%s)...\n\n", benchTime)
			out, runErr := run(projectRoot(), "test", "-bench=.", "-benchmem", "-benchtime="+benchTime, "-run=^$", "./...")
			body := header("Benchmark Report", now, "Bench Time:  "+benchTime+" per benchmark") + out
			if runErr != nil {
				body += fmt.Sprintf("\n[ERROR] %v\n", runErr)
			}
			if err := writeReport("bench.txt", body); err != nil {
				return err
			}
			return runErr
		},
	}
	cmd.Flags().StringVar(&benchTime, "time", envOr("BENCH_TIME", "3s"), "benchtime per benchmark")
	return cmd
}

func newCoverageCmd() *cobra.Command {
	var minimum int
	cmd := &cobra.Command{
		Use:   "coverage",
		Short: "Run tests with coverage and enforce a minimum",
		RunE: func(cmd *cobra.Command, args []string) error {
			root := projectRoot()
			dir := filepath.Join(root, "target", "reports")
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
			profile := filepath.Join(dir, "coverage.out")
			if _, err := run(root, "test", "./internal/...", "./templates/...", "-count=1", "-race", "-coverprofile="+profile); err != nil {
				return fmt.Errorf("tests failed: %w", err)
			}
			if err := filterProfile(profile, isGenerated); err != nil {
				return err
			}
			funcs, err := run(root, "tool", "cover", "-func="+profile)
			if err != nil {
				return fmt.Errorf("generating coverage report: %w", err)
			}
			total, err := totalCoverage(funcs)
			if err != nil {
				return err
			}
			body := header("Coverage Report", time.Now(), fmt.Sprintf("Minimum:     %d%%", minimum)) + funcs
			if err := writeReport("coverage.txt", body); err != nil {
				return err
			}
			if _, err := run(root, "tool", "cover", "-html="+profile, "-o", filepath.Join(dir, "coverage.html")); err != nil {
				fmt.Printf("Warning: could not generate HTML report: %v\n", err)
			}
			fmt.Printf("Total coverage: %.1f%% (minimum %d%%)\n", total, minimum)
			if total < float64(minimum) {
				return fmt.Errorf("coverage %.1f%% is below %d%%", total, minimum)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&minimum, "min", 70, "minimum total coverage percent")
	return cmd
}

// isGenerated reports whether a profile line belongs to generated code.
func isGenerated(line string) bool {
	return strings.Contains(line, "_templ.go:") || strings.Contains(line, "/docs/swagger/")
}

// filterProfile drops lines matching skip, keeping the mode line.
func filterProfile(path string, skip func(string) bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	var kept []string
	for line := range strings.SplitSeq(string(data), "\n") {
		if strings.HasPrefix(line, "mode:") || !skip(line) {
			kept = append(kept, line)
		}
	}
	return os.WriteFile(path, []byte(strings.Join(kept, "\n")), 0o644)
}

// totalCoverage extracts the percentage from the "total:" line of go tool cover -func.
func totalCoverage(funcs string) (float64, error) {
	for line := range strings.SplitSeq(funcs, "\n") {
		if !strings.HasPrefix(line, "total:") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 3 {
			return 0, fmt.Errorf("unexpected total coverage line: %s", line)
		}
		v, err := strconv.ParseFloat(strings.TrimSuffix(parts[2], "%"), 64)
		if err != nil {
			return 0, fmt.Errorf("parsing coverage %q: %w", parts[2], err)
		}
		return v, nil
	}
	return 0, fmt.Errorf("total coverage not found")
}
