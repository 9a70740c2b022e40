// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"

	"github.com/pdiddy/book-engine/internal/ingest"
	"github.com/pdiddy/book-engine/internal/workflow"
)

// --- build subcommand ---

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Generate a book from a title, theme and word target",
	Long: `Build plans an outline (or reads one with --outline), then runs every
chapter through research, writing, editing and the continuity check. The
finished manuscript is assembled and exported to the configured formats.

Reference files given with --ref are ingested into the book's memory store
before the first chapter. Interrupting the build stops it after the chapter
in progress; continue it with "book-engine resume <book-id>".`,
	RunE: runBuild,
}

func runBuild(cmd *cobra.Command, args []string) error {
	req, err := buildRequestFromFlags(cmd)
	if err != nil {
		return err
	}
	refs, _ := cmd.Flags().GetStringSlice("ref")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cmd, req.BookID)
	if err != nil {
		return err
	}
	defer a.Close()

	for _, path := range refs {
		if err := ingestFile(ctx, a, path); err != nil {
			return err
		}
	}

	fmt.Fprintf(os.Stdout, "Building %q (%s)\n", req.Title, req.BookID)
	id, err := a.engine.StartBuild(ctx, req)
	return reportBuild(ctx, a, id, err)
}

func buildRequestFromFlags(cmd *cobra.Command) (workflow.BuildRequest, error) {
	title, _ := cmd.Flags().GetString("title")
	theme, _ := cmd.Flags().GetString("theme")
	words, _ := cmd.Flags().GetInt("words")
	chapters, _ := cmd.Flags().GetInt("chapters")
	outlinePath, _ := cmd.Flags().GetString("outline")
	bookID, _ := cmd.Flags().GetString("id")

	req := workflow.BuildRequest{Title: title, Theme: theme, TargetWords: words, ChapterCount: chapters, BookID: bookID}
	if outlinePath != "" {
		o, err := ingest.ReadOutline(outlinePath)
		if err != nil {
			return req, err
		}
		req.Outline = o.Chapters
		req.ChapterCount = len(o.Chapters)
		if req.Title == "" {
			req.Title = o.Title
		}
		if req.Theme == "" {
			req.Theme = o.Theme
		}
		if o.TargetWords > 0 && !cmd.Flags().Changed("words") {
			req.TargetWords = o.TargetWords
		}
	}
	if req.Title == "" {
		return req, errors.New("--title is required (or a title in the --outline file)")
	}
	if req.BookID == "" {
		req.BookID = ulid.Make().String()
	}
	return req, nil
}

// reportBuild prints the outcome of a build or resume.
func reportBuild(ctx context.Context, a *app, id string, err error) error {
	if errors.Is(err, workflow.ErrCancelled) {
		fmt.Fprintf(os.Stdout, "Build %s cancelled; resume with: book-engine resume %s\n", id, id)
		return nil
	}
	if err != nil {
		return err
	}
	state, err := a.engine.GetStatus(context.WithoutCancel(ctx), id)
	if err != nil {
		return err
	}
	printStatus(state)
	return nil
}

// --- resume subcommand ---

var resumeCmd = &cobra.Command{
	Use:   "resume <book-id>",
	Short: "Continue a cancelled or aborted build",
	Long: `Resume loads the last checkpoint of a book, keeps its finalized chapters
and restarts every other chapter from the beginning. Finalized chapters
missing from the memory store are ingested again first.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func runResume(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cmd, args[0])
	if err != nil {
		return err
	}
	defer a.Close()

	fmt.Fprintf(os.Stdout, "Resuming %s\n", args[0])
	return reportBuild(ctx, a, args[0], a.engine.ResumeBuild(ctx, args[0]))
}

func init() {
	buildCmd.Flags().String("title", "", "book title")
	buildCmd.Flags().String("theme", "", "book theme")
	buildCmd.Flags().Int("words", 20000, "target total word count")
	buildCmd.Flags().Int("chapters", 10, "number of chapters")
	buildCmd.Flags().String("outline", "", "YAML outline file (skips outline generation)")
	buildCmd.Flags().String("id", "", "book ID (default: a new ULID)")
	buildCmd.Flags().StringSlice("ref", nil, "reference files to ingest before writing (.md, .txt, .html, .yaml)")

	for _, c := range []*cobra.Command{buildCmd, resumeCmd} {
		c.Flags().Int("parallel", 1, "chapters generated concurrently")
		c.Flags().String("policy", "placeholder", "failed chapter policy: placeholder, skip, abort")
	}

	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(resumeCmd)
}
