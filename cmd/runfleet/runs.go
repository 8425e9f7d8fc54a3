package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/runfleet/pkg/log"
	"github.com/cuemby/runfleet/pkg/runs"
	"github.com/cuemby/runfleet/pkg/storage"
	"github.com/cuemby/runfleet/pkg/types"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect and submit runs in a standalone store",
	Long: `Operate directly on a standalone coordination store. The store file is
locked while runfleet serve is running, so these commands are meant for
seeding and inspecting a stopped instance.`,
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs",
	RunE:  runRunsList,
}

var runsSubmitCmd = &cobra.Command{
	Use:   "submit -f FILE",
	Short: "Queue runs described in a YAML file",
	Long: `Queue one or more runs from a YAML file.

Example:
  runs:
    - name: U123
      group: nightly
      bundle: dev.galasa.example
      test_class: dev.galasa.example.SimpleTest
      requestor: ci
      overrides:
        framework.resultarchive.store: couchdb`,
	RunE: runRunsSubmit,
}

func init() {
	runsSubmitCmd.Flags().StringP("file", "f", "", "YAML file describing the runs (required)")
	_ = runsSubmitCmd.MarkFlagRequired("file")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsSubmitCmd)
}

// RunFile is the document accepted by runs submit
type RunFile struct {
	Runs []RunSpec `yaml:"runs"`
}

// RunSpec describes one run to queue
type RunSpec struct {
	Name      string            `yaml:"name"`
	Local     bool              `yaml:"local"`
	Trace     bool              `yaml:"trace"`
	Group     string            `yaml:"group"`
	Bundle    string            `yaml:"bundle"`
	TestClass string            `yaml:"test_class"`
	Stream    string            `yaml:"stream"`
	Requestor string            `yaml:"requestor"`
	Overrides map[string]string `yaml:"overrides"`
}

func parseRunFile(data []byte) ([]*types.Run, error) {
	var file RunFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if len(file.Runs) == 0 {
		return nil, errors.New("no runs in file")
	}

	seen := make(map[string]bool, len(file.Runs))
	result := make([]*types.Run, 0, len(file.Runs))
	for i, spec := range file.Runs {
		if spec.Name == "" {
			return nil, fmt.Errorf("runs[%d]: name is required", i)
		}
		if seen[spec.Name] {
			return nil, fmt.Errorf("runs[%d]: duplicate name %s", i, spec.Name)
		}
		seen[spec.Name] = true

		result = append(result, &types.Run{
			Name:      spec.Name,
			Local:     spec.Local,
			Trace:     spec.Trace,
			Group:     spec.Group,
			Bundle:    spec.Bundle,
			TestClass: spec.TestClass,
			Stream:    spec.Stream,
			Requestor: spec.Requestor,
			Overrides: spec.Overrides,
		})
	}
	return result, nil
}

func openRegistry(cmd *cobra.Command) (*runs.Registry, func() error, error) {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	if !cfg.Store.Standalone {
		return nil, nil, errors.New("runs commands need a standalone store")
	}
	logger := initLogger(cfg)

	store, err := storage.NewBoltStore(cfg.Store.DataDir, log.Component(logger, "store"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open store: %w", err)
	}
	return runs.NewRegistry(store, log.Component(logger, "runs")), store.Close, nil
}

func runRunsList(cmd *cobra.Command, args []string) error {
	registry, closeStore, err := openRegistry(cmd)
	if err != nil {
		return err
	}
	defer closeStore()

	list, err := registry.List()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTATUS\tLOCAL\tQUEUED\tHEARTBEAT")
	for _, run := range list {
		status := run.Status
		if status == "" {
			status = "-"
		}
		queued := "-"
		if !run.Queued.IsZero() {
			queued = run.Queued.Format(time.RFC3339)
		}
		heartbeat := run.Heartbeat
		if heartbeat == "" {
			heartbeat = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n", run.Name, status, run.Local, queued, heartbeat)
	}
	return w.Flush()
}

func runRunsSubmit(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	toSubmit, err := parseRunFile(data)
	if err != nil {
		return err
	}

	registry, closeStore, err := openRegistry(cmd)
	if err != nil {
		return err
	}
	defer closeStore()

	var failed int
	for _, run := range toSubmit {
		if err := registry.Submit(run); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "✗ %v\n", err)
			failed++
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Queued %s\n", run.Name)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d runs not queued", failed, len(toSubmit))
	}
	return nil
}
