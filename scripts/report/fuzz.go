package main

import (
	"bufio"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type fuzzTarget struct {
	Function string
	Package  string
}

type fuzzResult struct {
	Target         fuzzTarget
	Duration       time.Duration
	Execs          int64
	ExecsPerSec    int64
	NewInteresting int
	Passed         bool
	Output         string
}

var (
	reFuzzFunc       = regexp.MustCompile(`^func (Fuzz\w+)\(\w+ \*testing\.F\)`)
	reExecs          = regexp.MustCompile(`execs:\s+(\d+)\s+\((\d+)/sec\)`)
	reNewInteresting = regexp.MustCompile(`new interesting:\s+(\d+)`)
)

func newFuzzCmd() *cobra.Command {
	var fuzzTime, match string
	cmd := &cobra.Command{
		Use:   "fuzz",
		Short: "Run every fuzz target for a fixed time each",
		RunE: func(cmd *cobra.Command, args []string) error {
			root := projectRoot()
			targets, err := discoverFuzzTargets(root)
			if err != nil {
				return err
			}
			if match != "" {
				targets = slices.DeleteFunc(targets, func(t fuzzTarget) bool {
					return !strings.Contains(t.Function, match)
				})
			}
			if len(targets) == 0 {
				return fmt.Errorf("no fuzz targets found")
			}

			fmt.Printf("Running %d fuzz targets (fuzztime=%s each)...\n\n", len(targets), fuzzTime)
			now := time.Now()
			results := make([]fuzzResult, 0, len(targets))
			for _, t := range targets {
				fmt.Printf("--- %s (%s) ---\n", t.Function, t.Package)
				results = append(results, runFuzz(root, t, fuzzTime))
			}

			body := header("Fuzz Testing Report", now, "Fuzz Time:   "+fuzzTime+" per target") + fuzzSummary(results)
			if err := writeReport("fuzz.txt", body); err != nil {
				return err
			}
			if n := countFailed(results); n > 0 {
				return fmt.Errorf("%d fuzz target(s) failed", n)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&fuzzTime, "time", envOr("FUZZ_TIME", "30s"), "fuzz time per target")
	cmd.Flags().StringVar(&match, "match", "", "only run targets whose name contains this")
	return cmd
}

// discoverFuzzTargets finds Fuzz functions in the module's test files.
func discoverFuzzTargets(root string) ([]fuzzTarget, error) {
	var targets []fuzzTarget
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if path != root && (strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") || name == "target") {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, "_test.go") {
			return nil
		}
		funcs, err := fuzzFuncs(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, filepath.Dir(path))
		if err != nil {
			return err
		}
		for _, fn := range funcs {
			targets = append(targets, fuzzTarget{Function: fn, Package: "./" + filepath.ToSlash(rel) + "/"})
		}
		return nil
	})
	slices.SortFunc(targets, func(a, b fuzzTarget) int {
		if c := strings.Compare(a.Package, b.Package); c != 0 {
			return c
		}
		return strings.Compare(a.Function, b.Function)
	})
	return targets, err
}

func fuzzFuncs(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if m := reFuzzFunc.FindStringSubmatch(sc.Text()); m != nil {
			out = append(out, m[1])
		}
	}
	return out, sc.Err()
}

func runFuzz(root string, t fuzzTarget, fuzzTime string) fuzzResult {
	start := time.Now()
	output, err := run(root, "test", "-run=^$", "-fuzz=^"+t.Function+"$", "-fuzztime="+fuzzTime, t.Package)
	res := parseFuzzOutput(output)
	res.Target = t
	res.Duration = time.Since(start)
	// A deadline race at the end of the run is not a finding unless a
	// failing input was written.
	res.Passed = err == nil ||
		(strings.Contains(output, "context deadline exceeded") &&
			!strings.Contains(output, "Failing input written to"))
	return res
}

// parseFuzzOutput reads the final progress line of a fuzz run.
func parseFuzzOutput(output string) fuzzResult {
	var res fuzzResult
	res.Output = output
	lines := strings.Split(output, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := lines[i]
		if !strings.HasPrefix(line, "fuzz: elapsed:") {
			continue
		}
		if m := reExecs.FindStringSubmatch(line); m != nil {
			res.Execs, _ = strconv.ParseInt(m[1], 10, 64)
			res.ExecsPerSec, _ = strconv.ParseInt(m[2], 10, 64)
		}
		if m := reNewInteresting.FindStringSubmatch(line); m != nil {
			res.NewInteresting, _ = strconv.Atoi(m[1])
		}
		break
	}
	return res
}

func fuzzSummary(results []fuzzResult) string {
	var sb strings.Builder
	thin := strings.Repeat("-", 72)
	fmt.Fprintf(&sb, "%s\n  %-40s  %-6s  %12s  %s\n%s\n", thin, "Target", "Status", "Execs", "New Corpus", thin)
	var total int64
	for _, r := range results {
		total += r.Execs
		fmt.Fprintf(&sb, "  %-40s  %-6s  %12d  %d\n", r.Target.Function, passFail(r.Passed), r.Execs, r.NewInteresting)
	}
	fmt.Fprintf(&sb, "%s\n  Total executions: %d\n\n", thin, total)

	for _, r := range results {
		fmt.Fprintf(&sb, "[%s] %s %s (%s)\n", passFail(r.Passed), r.Target.Package, r.Target.Function, r.Duration.Round(time.Millisecond))
		if !r.Passed {
			for line := range strings.SplitSeq(strings.TrimRight(r.Output, "\n"), "\n") {
				fmt.Fprintf(&sb, "    %s\n", line)
			}
		}
	}
	return sb.String()
}

func countFailed(results []fuzzResult) int {
	n := 0
	for _, r := range results {
		if !r.Passed {
			n++
		}
	}
	return n
}

func passFail(ok bool) string {
	if ok {
		return "PASS"
	}
	return "FAIL"
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
