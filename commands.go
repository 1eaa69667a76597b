package modelsync

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// NewCommand creates a Cobra command tree for model artifact management.
// The returned command should be added to a parent CLI's root command.
//
// Commands provided:
//   - models pull <owner/name> [--force]
//   - models verify <owner/name>
//   - models list
//   - models status <owner/name>
//   - models path <owner/name>
//   - models remove <owner/name> [--yes]
//   - models root
//
// Global flags: --json, --quiet, --verbose
func NewCommand(cfg Config, opts ...Option) *cobra.Command {
	var (
		jsonOutput bool
		quiet      bool
		verbose    bool
	)

	// Engine is created in PersistentPreRunE so flags are parsed first
	var eng Engine

	cmd := &cobra.Command{
		Use:   "models",
		Short: "Manage ML model artifacts",
		Long:  "Download, verify, and manage multi-file ML model artifacts from a remote hub.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" || cmd.Name() == "completion" {
				return nil
			}

			var err error
			eng, err = New(cfg, opts...)
			if err != nil {
				return fmt.Errorf("failed to initialize engine: %w", err)
			}
			return nil
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	cmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Suppress non-essential output")
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")

	cmd.AddCommand(pullCmd(&eng, &quiet))
	cmd.AddCommand(verifyCmd(&eng, &quiet, &verbose))
	cmd.AddCommand(listCmd(&eng, &jsonOutput))
	cmd.AddCommand(statusCmd(&eng, &jsonOutput))
	cmd.AddCommand(pathCmd(&eng))
	cmd.AddCommand(removeCmd(&eng, &quiet))
	cmd.AddCommand(rootCmd(&eng))

	return cmd
}

func pullCmd(eng *Engine, quiet *bool) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "pull <owner/name>",
		Short: "Download a model artifact",
		Long:  "Download every file of a model artifact from the hub into local storage.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			ref, err := ParseArtifactRef(args[0])
			if err != nil {
				return err
			}

			var pullOpts []EnsureOption
			if force {
				pullOpts = append(pullOpts, WithForce())
			}

			var wg sync.WaitGroup
			stop := func() {}
			if !*quiet {
				events, cancel := (*eng).Events().Subscribe(ref)
				stop = cancel

				wg.Add(1)
				go func() {
					defer wg.Done()
					renderPullEvents(cmd.OutOrStdout(), events)
				}()
			}

			outcome, err := (*eng).EnsureDownloaded(ctx, ref, pullOpts...)
			// Terminal events are published before the call returns, and a
			// closed subscription still drains its buffer, so the renderer
			// finishes before the summary line.
			stop()
			wg.Wait()
			if err != nil {
				if outcome == OutcomeCancelled {
					fmt.Fprintf(cmd.OutOrStdout(), "\nCancelled %s\n", ref)
					return nil
				}
				return err
			}

			if !*quiet {
				fmt.Fprintf(cmd.OutOrStdout(), "\nSuccessfully pulled %s\n", ref)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Re-download all files even if present")
	return cmd
}

// renderPullEvents draws an in-place progress bar from the event stream
// until a terminal download event arrives.
func renderPullEvents(w io.Writer, events <-chan Event) {
	started := false
	for e := range events {
		switch ev := e.(type) {
		case DownloadStarted:
			fmt.Fprintf(w, "Downloading %d files (%s)...\n", ev.FileCount, formatSize(ev.TotalBytes))
		case DownloadProgress:
			if ev.Reset {
				fmt.Fprintf(w, "\r\x1b[KStorage location changed, restarting transfer\n")
			}
			renderProgress(w, ev.Fraction, ev.BytesDone, ev.BytesTotal)
			started = true
		case DownloadComplete:
			if started {
				renderProgress(w, 1, ev.Bytes, ev.Bytes)
			}
			fmt.Fprintf(w, "\n%s\n", ev.String())
			return
		case DownloadFailed, DownloadCancelled:
			if started {
				fmt.Fprintln(w)
			}
			fmt.Fprintln(w, e.String())
			return
		}
	}
}

func renderProgress(w io.Writer, fraction float64, done, total int64) {
	const barWidth = 30
	filled := int(fraction * float64(barWidth))
	if filled > barWidth {
		filled = barWidth
	}

	var bar string
	if filled >= barWidth {
		bar = strings.Repeat("=", barWidth)
	} else if filled > 0 {
		bar = strings.Repeat("=", filled) + ">" + strings.Repeat(" ", barWidth-filled-1)
	} else {
		bar = ">" + strings.Repeat(" ", barWidth-1)
	}

	fmt.Fprintf(w, "\r\x1b[K[%s] %.0f%% (%s / %s)", bar, fraction*100, formatSize(done), formatSize(total))
}

func verifyCmd(eng *Engine, quiet, verbose *bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify <owner/name>",
		Short: "Verify and repair a model artifact",
		Long:  "Check every file of a local artifact against the hub manifest and re-download any missing or corrupt files.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			ref, err := ParseArtifactRef(args[0])
			if err != nil {
				return err
			}

			var wg sync.WaitGroup
			stop := func() {}
			if !*quiet {
				events, cancel := (*eng).Events().Subscribe(ref)
				stop = cancel

				wg.Add(1)
				go func() {
					defer wg.Done()
					for e := range events {
						if _, ok := e.(FileScanned); ok && !*verbose {
							continue
						}
						if _, ok := e.(DownloadProgress); ok && !*verbose {
							continue
						}
						fmt.Fprintln(cmd.OutOrStdout(), e.String())
					}
				}()
			}

			status, err := (*eng).Verify(ctx, ref)
			stop()
			wg.Wait()
			if err != nil {
				return err
			}

			if !*quiet {
				switch status {
				case VerifyClean:
					fmt.Fprintf(cmd.OutOrStdout(), "%s is intact\n", ref)
				case VerifyRepaired:
					fmt.Fprintf(cmd.OutOrStdout(), "%s was repaired\n", ref)
				}
			}
			return nil
		},
	}

	return cmd
}

func listCmd(eng *Engine, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List local model artifacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			artifacts, err := (*eng).List()
			if err != nil {
				return err
			}
			return outputArtifacts(cmd.OutOrStdout(), artifacts, *jsonOutput)
		},
	}
}

func statusCmd(eng *Engine, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "status <owner/name>",
		Short: "Show the local status of a model artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := ParseArtifactRef(args[0])
			if err != nil {
				return err
			}

			present, err := (*eng).IsPresent(ref)
			if err != nil {
				return err
			}
			phase, active := (*eng).CurrentPhase(ref)

			if *jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{
					"artifact":  ref.ID(),
					"present":   present,
					"verifying": active,
					"phase":     string(phase),
				})
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Artifact:  %s\n", ref)
			fmt.Fprintf(cmd.OutOrStdout(), "Present:   %v\n", present)
			if active {
				fmt.Fprintf(cmd.OutOrStdout(), "Verifying: %s\n", phase)
			}
			return nil
		},
	}
}

func pathCmd(eng *Engine) *cobra.Command {
	return &cobra.Command{
		Use:   "path <owner/name>",
		Short: "Print the local path of an installed artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := ParseArtifactRef(args[0])
			if err != nil {
				return err
			}

			path, err := (*eng).Path(ref)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
}

func removeCmd(eng *Engine, quiet *bool) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "remove <owner/name>",
		Short: "Remove a local model artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := ParseArtifactRef(args[0])
			if err != nil {
				return err
			}

			if !yes {
				fmt.Fprintf(cmd.OutOrStdout(), "Remove %s and all its files? [y/N] ", ref)
				if !confirmPrompt(cmd.InOrStdin()) {
					fmt.Fprintln(cmd.OutOrStdout(), "Aborted")
					return nil
				}
			}

			if err := (*eng).Remove(ref); err != nil {
				if errors.Is(err, ErrNotInstalled) {
					fmt.Fprintf(cmd.OutOrStdout(), "%s is not installed\n", ref)
					return nil
				}
				return err
			}

			if !*quiet {
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", ref)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip confirmation prompt")
	return cmd
}

func rootCmd(eng *Engine) *cobra.Command {
	return &cobra.Command{
		Use:   "root",
		Short: "Print the resolved storage root",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := (*eng).Root()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), root)
			return nil
		},
	}
}

// confirmPrompt reads from stdin and returns true only if the user
// answers affirmatively.
func confirmPrompt(r io.Reader) bool {
	scanner := bufio.NewScanner(r)
	if scanner.Scan() {
		response := strings.TrimSpace(strings.ToLower(scanner.Text()))
		return response == "y" || response == "yes"
	}
	return false
}

func outputArtifacts(w io.Writer, artifacts []LocalArtifact, jsonOutput bool) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(artifacts)
	}

	if len(artifacts) == 0 {
		fmt.Fprintln(w, "No artifacts installed")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ARTIFACT\tFILES\tSIZE\tDOWNLOADED")
	for _, a := range artifacts {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n",
			a.Ref,
			a.FileCount,
			formatSize(a.TotalSize),
			a.DownloadedAt.Format(time.RFC3339),
		)
	}
	return tw.Flush()
}

func formatSize(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
