// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pdiddy/book-engine/internal/ingest"
	"github.com/pdiddy/book-engine/internal/memory"
)

// --- ingest subcommand ---

var ingestCmd = &cobra.Command{
	Use:   "ingest <book-id> <file>...",
	Short: "Add reference files to a book's memory store",
	Long: `Ingest parses Markdown, plain text, HTML and YAML outline files and
stores their chunks as reference material for every chapter of the book.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runIngest,
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := openStores(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	if a.memory, err = openMemory(a.cfg, args[0], a.logger); err != nil {
		return err
	}

	for _, path := range args[1:] {
		if err := ingestFile(ctx, a, path); err != nil {
			return err
		}
	}
	return nil
}

func ingestFile(ctx context.Context, a *app, path string) error {
	docs, err := ingest.Parse(path)
	if err != nil {
		return err
	}
	n, err := a.memory.IngestDocuments(ctx, docs)
	if err != nil {
		return fmt.Errorf("ingesting %s: %w", path, err)
	}
	fmt.Fprintf(os.Stdout, "Ingested %s: %d documents, %d chunks\n", path, len(docs), n)
	return nil
}

// --- query subcommand ---

var queryCmd = &cobra.Command{
	Use:   "query <book-id> <text>...",
	Short: "Search a book's memory store",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runQuery,
}

func runQuery(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := openStores(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	if a.memory, err = openMemory(a.cfg, args[0], a.logger); err != nil {
		return err
	}

	limit, _ := cmd.Flags().GetInt("limit")
	before, _ := cmd.Flags().GetInt("before")
	where, _ := cmd.Flags().GetString("where")

	var filter *memory.Filter
	if before > 0 {
		filter = memory.Before(before)
	}
	if where != "" {
		if filter == nil {
			filter = &memory.Filter{}
		}
		filter.Expr = where
	}

	results, err := a.memory.Query(ctx, strings.Join(args[1:], " "), limit, filter)
	if err != nil {
		return err
	}

	if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}
	if len(results) == 0 {
		fmt.Println("No results found.")
		return nil
	}
	fmt.Fprintf(os.Stdout, "%-4s  %-6s  %-30s  %s\n", "Rank", "Score", "Source", "Text")
	fmt.Fprintln(os.Stdout, strings.Repeat("-", 100))
	for i, r := range results {
		text := strings.Join(strings.Fields(r.Text), " ")
		if len(text) > 55 {
			text = text[:52] + "..."
		}
		source := r.SourceRef
		if len(source) > 30 {
			source = source[:27] + "..."
		}
		fmt.Fprintf(os.Stdout, "%-4d  %-6.3f  %-30s  %s\n", i+1, r.Score, source, text)
	}
	return nil
}

func init() {
	queryCmd.Flags().Int("limit", 5, "maximum results")
	queryCmd.Flags().Int("before", 0, "only chapters before this index and reference material")
	queryCmd.Flags().String("where", "", "CEL filter over chapter_index, source_ref and text")
	queryCmd.Flags().Bool("json", false, "output results as JSON")

	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(queryCmd)
}
