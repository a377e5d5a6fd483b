package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/book-expert/audiobook-pipeline/internal/fsutil"
	"github.com/book-expert/audiobook-pipeline/internal/pipeline"
)

var errNoListener = errors.New("serve needs [nats] url in the configuration")

func newRootCmd(state *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "audiobook",
		Short: "Render, resume and assemble audiobooks from prepared text chunks",
		Long: `audiobook renders a book's text chunks into per-chunk WAV files with a
TTS inference service, validates every render, and assembles the finished
chunks into a chaptered M4B.

A run can be interrupted at any point. The next run scans the audio
directory and resumes at the first missing chunk.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return state.init(cmd.Context())
		},
	}

	root.PersistentFlags().StringVarP(&state.configPath, "config", "c", "", "path to a TOML configuration file")

	root.AddCommand(
		newRenderCmd(state),
		newCombineCmd(state),
		newStatusCmd(state),
		newAcceptCmd(state),
		newEditCmd(state),
		newServeCmd(state),
	)

	return root
}

func newRenderCmd(state *app) *cobra.Command {
	var (
		opts pipeline.RenderOptions
		from int
	)

	cmd := &cobra.Command{
		Use:   "render <book>",
		Short: "Render the missing chunks of a book and assemble it when complete",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Book = args[0]
			opts.From = startPoint(cmd, from)

			report, err := state.deps.Service.Render(cmd.Context(), opts)
			if report != nil {
				printReport(cmd.OutOrStdout(), report)
			}

			return err
		},
	}

	cmd.Flags().IntVar(&from, "from", 0, "1-based chunk number to start at (default: first missing chunk)")
	cmd.Flags().BoolVar(&opts.Overwrite, "overwrite", false, "re-render chunks that already exist")
	cmd.Flags().IntVarP(&opts.Workers, "workers", "w", 0, "concurrent renders (default: from configuration)")

	return cmd
}

func newCombineCmd(state *app) *cobra.Command {
	return &cobra.Command{
		Use:   "combine <book>",
		Short: "Assemble a book from chunks already on disk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := state.deps.Service.Combine(cmd.Context(), args[0])
			if report != nil {
				printReport(cmd.OutOrStdout(), report)
			}

			return err
		},
	}
}

func newStatusCmd(state *app) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "status <book>",
		Short: "Show which chunks of a book are complete",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			if watch {
				return state.deps.Service.Watch(cmd.Context(), args[0], func(status pipeline.Status) {
					printStatus(out, status)
				})
			}

			status, err := state.deps.Service.Status(args[0])
			if err != nil {
				return err
			}

			printStatus(out, status)

			return nil
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "keep reporting as chunks appear")

	return cmd
}

func newAcceptCmd(state *app) *cobra.Command {
	return &cobra.Command{
		Use:   "accept <book> <chunk>",
		Short: "Promote a staged chunk revision (chunk_NNNNN_rev.wav)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			number, err := parseChunkNumber(args[1])
			if err != nil {
				return err
			}

			archived, err := state.deps.Service.AcceptRevision(args[0], number)
			if err != nil {
				return err
			}

			if archived != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "Accepted chunk %d; previous audio kept at %s\n", number, archived)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Accepted chunk %d\n", number)
			}

			return nil
		},
	}
}

func newEditCmd(state *app) *cobra.Command {
	return &cobra.Command{
		Use:   "edit <book> <chunk> <text>",
		Short: "Replace the text of a chunk; re-render it with --from and --overwrite",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			number, err := parseChunkNumber(args[1])
			if err != nil {
				return err
			}

			err = state.deps.Service.EditChunk(args[0], number, strings.Join(args[2:], " "))
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Updated chunk %d\n", number)

			return nil
		},
	}
}

func newServeCmd(state *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Accept render requests over NATS until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if state.deps.Listener == nil {
				return errNoListener
			}

			state.log.System("Listening for render requests on subject: %s", state.cfg.NATS.RenderSubject)

			return state.deps.Listener.Run(cmd.Context())
		},
	}
}

// startPoint returns nil unless --from was given, so an explicit 0 is
// rejected instead of meaning "resume automatically".
func startPoint(cmd *cobra.Command, from int) *int {
	if !cmd.Flags().Changed("from") {
		return nil
	}

	return &from
}

func parseChunkNumber(raw string) (int, error) {
	number, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("chunk must be a 1-based number, got %q", raw)
	}

	return number, nil
}

func printReport(out io.Writer, report *pipeline.Report) {
	fmt.Fprintf(out, "%s: %d chunks, %d rendered, %d failed, %d skipped in %s\n",
		report.Book,
		report.Total,
		len(report.Summary.Rendered),
		len(report.Summary.Failed),
		len(report.Summary.Skipped),
		fsutil.FormatDuration(report.Elapsed),
	)

	switch {
	case report.Location != "":
		fmt.Fprintf(out, "Published %s\n", report.Location)
	case report.Container != "":
		fmt.Fprintf(out, "Wrote %s\n", report.Container)
	case report.Combined != nil:
		fmt.Fprintf(out, "Wrote %s\n", report.Combined.Path)
	case len(report.Missing) > 0:
		fmt.Fprintf(out, "Incomplete: %d chunk(s) missing, first is chunk %d\n",
			len(report.Missing), report.Missing[0]+1)
	}
}

func printStatus(out io.Writer, status pipeline.Status) {
	analysis := status.Analysis

	fmt.Fprintf(out, "%s: %d/%d chunks (%.1f%%)", status.Book, len(analysis.Completed), analysis.Total,
		analysis.Ratio()*100)

	if analysis.Complete {
		fmt.Fprintln(out, ", complete")
	} else {
		fmt.Fprintf(out, ", resume at chunk %d, %d gap(s)\n", analysis.ResumeIndex+1, len(analysis.Gaps))
	}

	if len(status.Revisions) > 0 {
		fmt.Fprintf(out, "Pending revisions: %d\n", len(status.Revisions))
	}

	if len(analysis.Extraneous) > 0 {
		fmt.Fprintf(out, "Ignored files beyond the last chunk: %d\n", len(analysis.Extraneous))
	}
}
