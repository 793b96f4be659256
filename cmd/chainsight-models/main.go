// Package main provides a CLI tool for working with Chainsight
// operational model files: validation, listing, and decision matrix
// coverage checks.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"chainsight/internal/dispatch"
	"chainsight/internal/model"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "validate":
		runValidateCmd(os.Args[2:])
	case "list":
		runListCmd(os.Args[2:])
	case "coverage":
		runCoverageCmd(os.Args[2:])
	case "-version", "--version", "-v":
		fmt.Printf("chainsight-models %s\n", version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown subcommand: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: chainsight-models <command> [flags] [args]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  validate  Validate YAML model files or directories\n")
	fmt.Fprintf(os.Stderr, "  list      List models found in files or directories\n")
	fmt.Fprintf(os.Stderr, "  coverage  Report decision matrix gaps and unknown playbook references\n\n")
	fmt.Fprintf(os.Stderr, "Flags:\n")
	fmt.Fprintf(os.Stderr, "  -version  Show version and exit\n")
}

func runValidateCmd(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	verbose := fs.Bool("verbose", false, "Show detailed model information")
	fs.Parse(args)

	paths := fs.Args()
	if len(paths) == 0 {
		fmt.Fprintf(os.Stderr, "Error: at least one path is required\n")
		fmt.Fprintf(os.Stderr, "Usage: chainsight-models validate [--verbose] <path> [<path>...]\n")
		os.Exit(1)
	}

	os.Exit(runValidate(paths, *verbose))
}

func runListCmd(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	builtin := fs.Bool("builtin", false, "Include the builtin models")
	fs.Parse(args)

	paths := fs.Args()
	if len(paths) == 0 && !*builtin {
		paths = []string{"models"}
	}

	os.Exit(runList(paths, *builtin))
}

func runCoverageCmd(args []string) {
	fs := flag.NewFlagSet("coverage", flag.ExitOnError)
	builtin := fs.Bool("builtin", false, "Include the builtin models")
	strict := fs.Bool("strict", false, "Exit non-zero when coverage gaps exist")
	fs.Parse(args)

	paths := fs.Args()
	if len(paths) == 0 && !*builtin {
		paths = []string{"models"}
	}

	os.Exit(runCoverage(paths, *builtin, *strict))
}

func runValidate(paths []string, verbose bool) int {
	var totalFiles, validFiles, invalidFiles int

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s: %v\n", path, err)
			invalidFiles++
			continue
		}

		if info.IsDir() {
			files, err := collectYAMLFiles(path)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error reading directory %s: %v\n", path, err)
				invalidFiles++
				continue
			}
			for _, f := range files {
				totalFiles++
				if validateFile(f, verbose) {
					validFiles++
				} else {
					invalidFiles++
				}
			}
		} else {
			totalFiles++
			if validateFile(path, verbose) {
				validFiles++
			} else {
				invalidFiles++
			}
		}
	}

	fmt.Printf("\nResults: %d files checked, %d valid, %d invalid\n", totalFiles, validFiles, invalidFiles)

	if invalidFiles > 0 {
		return 1
	}
	return 0
}

func validateFile(path string, verbose bool) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Printf("  FAIL  %s: %v\n", path, err)
		return false
	}

	models, err := model.ParseModels(data)
	if err != nil {
		fmt.Printf("  FAIL  %s: %v\n", path, err)
		return false
	}

	fmt.Printf("  OK    %s (%d model(s))\n", path, len(models))

	if verbose {
		for _, m := range models {
			fmt.Printf("        - [%s] %s (severity=%s, phases=%d, min_phases=%d, window=%s)\n",
				m.ID, m.Name, m.Severity, len(m.Phases), m.MinPhases, m.CorrelationWindow)
			fmt.Printf("          correlation_fields: %s\n", strings.Join(m.CorrelationFields, ", "))
			for _, p := range m.Phases {
				fmt.Printf("          phase %-22s sources: %s\n", p.Name, strings.Join(p.SourceTags, ", "))
			}
			for _, row := range m.DecisionMatrix {
				fmt.Printf("          %s -> %s (playbooks: %s)\n",
					row.Confidence, row.ResponsePath, strings.Join(row.Playbooks, ", "))
			}
		}
	}

	return true
}

func runList(paths []string, builtin bool) int {
	models, ok := gatherModels(paths, builtin)
	if !ok {
		return 1
	}

	for _, m := range models {
		fmt.Printf("%-32s  %-8s  phases=%d/%d  window=%-10s  %s\n",
			m.ID, m.Severity, m.MinPhases, len(m.Phases), m.CorrelationWindow, m.Name)
	}
	return 0
}

func runCoverage(paths []string, builtin, strict bool) int {
	models, ok := gatherModels(paths, builtin)
	if !ok {
		return 1
	}
	if len(models) == 0 {
		fmt.Fprintf(os.Stderr, "Error: no models found\n")
		return 1
	}

	failed := false

	catalog := dispatch.BuiltinCatalog()
	if err := dispatch.ValidatePlaybookRefs(models, catalog); err != nil {
		fmt.Printf("  FAIL  %v\n", err)
		failed = true
	}

	gaps := dispatch.Coverage(models)
	for _, gap := range gaps {
		fmt.Printf("  GAP   %s: no decision row for confidence=%s\n", gap.PatternID, gap.Confidence)
	}

	fmt.Printf("\nResults: %d model(s) checked, %d coverage gap(s)\n", len(models), len(gaps))
	if len(gaps) > 0 {
		fmt.Printf("Incidents at a gapped combination are counted but never dispatched.\n")
	}

	if failed || (strict && len(gaps) > 0) {
		return 1
	}
	return 0
}

// gatherModels loads models from the given paths, optionally prepending
// the builtin set. Returns false if any path fails to load.
func gatherModels(paths []string, builtin bool) ([]*model.OperationalModel, bool) {
	var models []*model.OperationalModel
	if builtin {
		models = model.Builtin()
	}

	ok := true
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s: %v\n", path, err)
			ok = false
			continue
		}

		if info.IsDir() {
			fromDir, err := model.LoadDir(path)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				ok = false
				continue
			}
			models = append(models, fromDir...)
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s: %v\n", path, err)
			ok = false
			continue
		}
		fromFile, err := model.ParseModels(data)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s: %v\n", path, err)
			ok = false
			continue
		}
		models = append(models, fromFile...)
	}

	return models, ok
}

func collectYAMLFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}
