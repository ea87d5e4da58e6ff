// Report tool for PetroWatch test runs.
//
// Runs fuzz targets, benchmarks or coverage and writes a plain-text report
// to target/reports/. Exits non-zero when a run fails or coverage is below
// the minimum.
//
// Usage:
//
//	go run ./scripts/report fuzz --time 60s
//	go run ./scripts/report bench --time 10s
//	go run ./scripts/report coverage --min 75
package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:           "report",
		Short:         "Run fuzz, benchmark and coverage passes and write reports",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newFuzzCmd(), newBenchCmd(), newCoverageCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}

// run executes go with args in dir, teeing output to the terminal.
func run(dir string, args ...string) (string, error) {
	cmd := exec.Command("go", args...)
	cmd.Dir = dir
	var buf bytes.Buffer
	cmd.Stdout = io.MultiWriter(os.Stdout, &buf)
	cmd.Stderr = io.MultiWriter(os.Stderr, &buf)
	err := cmd.Run()
	return buf.String(), err
}

// header is the common preamble of every report.
func header(title string, now time.Time, extra ...string) string {
	var sb strings.Builder
	sep := strings.Repeat("=", 72)
	fmt.Fprintf(&sb, "PetroWatch %s\n%s\n", title, sep)
	fmt.Fprintf(&sb, "Generated:   %s\n", now.Format(time.RFC1123))
	fmt.Fprintf(&sb, "Go Version:  %s\n", goVersion())
	fmt.Fprintf(&sb, "OS/Arch:     %s/%s\n", runtime.GOOS, runtime.GOARCH)
	for _, e := range extra {
		sb.WriteString(e + "\n")
	}
	sb.WriteString(sep + "\n\n")
	return sb.String()
}

func writeReport(name, body string) error {
	dir := filepath.Join(projectRoot(), "target", "reports")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating report directory: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	fmt.Printf("\nReport: %s\n", path)
	return nil
}

func goVersion() string {
	out, err := exec.Command("go", "version").Output()
	if err != nil {
		return "unknown"
	}
	return strings.TrimSpace(string(out))
}

func projectRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return "."
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "."
		}
		dir = parent
	}
}
