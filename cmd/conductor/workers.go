package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/conductorhq/conductor/internal/catalog"
	"github.com/conductorhq/conductor/internal/config"
)

var workersCmd = &cobra.Command{
	Use:     "workers",
	Aliases: []string{"catalog"},
	Short:   "List registered workers and their track record",
	Long: `List the workers available to the plan builder.

Shows each worker's id, kind, capabilities, and historical success rate.
Workers come from the manifest named in paths.manifest, or from the
built-in catalog when no manifest file exists.`,
	RunE: runWorkers,
}

func runWorkers(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := openStateDB()
	if err != nil {
		return err
	}
	defer db.Close()

	historyPath := cfg.Paths.HistoryDB
	if historyPath == "" {
		historyPath = filepath.Join(filepath.Dir(db.Path()), "history.db")
	}
	history, err := catalog.OpenHistory(historyPath)
	if err != nil {
		return fmt.Errorf("open worker history: %w", err)
	}
	defer history.Close()

	manifest, err := loadManifest(cfg.Paths.Manifest)
	if err != nil {
		return err
	}
	cat := catalog.New(manifest, history)

	bold := color.New(color.Bold)
	faint := color.New(color.Faint)

	for _, w := range cat.List() {
		marker := " "
		if cat.Default() != nil && w.ID == cat.Default().ID {
			marker = "*"
		}
		bold.Printf("%s %s", marker, w.ID)
		fmt.Printf(" (%s)", w.Kind)

		rate, total, err := history.Rate(w.ID)
		if err == nil && total > 0 {
			fmt.Printf("  %.0f%% success over %d executions", rate*100, total)
		} else {
			faint.Print("  no execution history")
		}
		fmt.Println()

		if w.Description != "" {
			fmt.Printf("    %s\n", w.Description)
		}
		if len(w.Capabilities) > 0 {
			faint.Printf("    capabilities: %s\n", strings.Join(w.Capabilities, ", "))
		}
	}
	fmt.Println("\n* default worker")
	return nil
}
