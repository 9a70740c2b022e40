// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pdiddy/book-engine/internal/export"
	"github.com/pdiddy/book-engine/internal/workflow"
	"github.com/pdiddy/book-engine/pkg/types"
)

// --- status subcommand ---

var statusCmd = &cobra.Command{
	Use:   "status [book-id]",
	Short: "Show the state of a build, or list all checkpointed books",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := openStores(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if len(args) == 0 {
		ids, err := a.checkpoints.List(ctx)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			fmt.Println("No books found.")
			return nil
		}
		for _, id := range ids {
			state, err := a.checkpoints.Load(ctx, id)
			if err != nil {
				fmt.Fprintf(os.Stdout, "%-28s  (unreadable: %v)\n", id, err)
				continue
			}
			fmt.Fprintf(os.Stdout, "%-28s  %-12s  %6d words  %s\n", id, state.Status, state.FinalizedWords(), state.Title)
		}
		return nil
	}

	state, err := a.checkpoints.Load(ctx, args[0])
	if err != nil {
		return err
	}
	if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(state)
	}
	printStatus(state)
	if events, _ := cmd.Flags().GetBool("events"); events {
		printEvents(state.BuildLog)
	}
	return nil
}

func printStatus(state *types.BookBuildState) {
	fmt.Fprintf(os.Stdout, "%s  %q  %s\n", state.BookID, state.Title, state.Status)
	fmt.Fprintf(os.Stdout, "%d / %d words, %d chapters\n\n", state.FinalizedWords(), state.TargetTotalWords, len(state.Chapters))

	fmt.Fprintf(os.Stdout, "%-3s  %-40s  %-18s  %7s  %7s  %s\n", "#", "Title", "Status", "Words", "Target", "Notes")
	fmt.Fprintln(os.Stdout, strings.Repeat("-", 100))
	for _, ch := range state.Chapters {
		title := ch.Title
		if len(title) > 40 {
			title = title[:37] + "..."
		}
		var notes []string
		if ch.Supplementary {
			notes = append(notes, "top-up")
		}
		if ch.Placeholder {
			notes = append(notes, "placeholder")
		}
		if n := len(ch.UnresolvedConflicts); n > 0 {
			notes = append(notes, fmt.Sprintf("%d unresolved conflicts", n))
		}
		fmt.Fprintf(os.Stdout, "%-3d  %-40s  %-18s  %7d  %7d  %s\n",
			ch.Index, title, ch.Status, ch.ActualWordCount, ch.TargetWordCount, strings.Join(notes, ", "))
	}
	if state.AbortReason != "" {
		fmt.Fprintf(os.Stdout, "\nAborted: %s\n", state.AbortReason)
	}
	for _, w := range state.Warnings {
		fmt.Fprintf(os.Stdout, "Warning: %s\n", w)
	}
}

func printEvents(events []types.Event) {
	fmt.Fprintln(os.Stdout)
	for _, ev := range events {
		chapter := ""
		if ev.ChapterIndex > 0 {
			chapter = fmt.Sprintf("ch%02d", ev.ChapterIndex)
		}
		fmt.Fprintf(os.Stdout, "%s  %-22s  %-4s  %s\n", ev.Time.Format("15:04:05"), ev.Kind, chapter, ev.Message)
	}
}

// --- assemble subcommand ---

var assembleCmd = &cobra.Command{
	Use:   "assemble <book-id>",
	Short: "Print or write the assembled manuscript",
	Long: `Assemble concatenates the chapters of a finished build in reading order.
A complete book returns the manuscript cached at completion, byte for byte.
A book that is not complete yet is first topped up to the word-count floor.`,
	Args: cobra.ExactArgs(1),
	RunE: runAssemble,
}

func runAssemble(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := openStores(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	state, err := a.checkpoints.Load(ctx, args[0])
	if err != nil {
		return err
	}
	engine := workflow.New(workflow.Deps{
		Checkpoints: a.checkpoints,
		Exporters:   []workflow.Exporter{a.exporter},
		Logger:      a.logger,
	}, a.cfg)
	if state.Status != types.BuildComplete {
		// The word-count floor may still add chapters, which needs the full engine.
		full, err := newApp(ctx, cmd, args[0])
		if err != nil {
			return err
		}
		defer full.Close()
		engine = full.engine
	}
	text, err := engine.Assemble(ctx, args[0])
	if err != nil {
		return err
	}

	out, _ := cmd.Flags().GetString("out")
	if out == "" {
		fmt.Print(text)
		return nil
	}
	if err := os.WriteFile(out, []byte(text), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", out, err)
	}
	fmt.Fprintf(os.Stdout, "Wrote %s (%d words)\n", out, types.WordCount(text))
	return nil
}

// --- export subcommand ---

var exportCmd = &cobra.Command{
	Use:   "export <book-id>",
	Short: "Write a completed book to the configured output formats",
	Args:  cobra.ExactArgs(1),
	RunE:  runExport,
}

func runExport(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := openStores(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	state, err := a.checkpoints.Load(ctx, args[0])
	if err != nil {
		return err
	}
	exporter := a.exporter
	if formats, _ := cmd.Flags().GetStringSlice("format"); len(formats) > 0 {
		cfg := a.cfg.Export
		cfg.Formats = nil
		for _, f := range formats {
			cfg.Formats = append(cfg.Formats, types.ExportFormat(f))
		}
		exporter = export.NewManager(cfg, a.logger)
	}
	paths, err := exporter.Export(ctx, state)
	for _, p := range paths {
		fmt.Fprintf(os.Stdout, "Exported %s\n", p)
	}
	return err
}

func init() {
	statusCmd.Flags().Bool("json", false, "print the full build state as JSON")
	statusCmd.Flags().Bool("events", false, "print the build log")
	exportCmd.Flags().StringSlice("format", nil, "formats to write: markdown, html, json, yaml (default: configured formats)")
	assembleCmd.Flags().String("out", "", "write the manuscript to a file instead of stdout")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(assembleCmd)
	rootCmd.AddCommand(exportCmd)
}
