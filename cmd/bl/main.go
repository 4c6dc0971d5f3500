package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"batchline/internal/graph"
	"batchline/internal/journal"
	"batchline/internal/ledger"
	"batchline/internal/resolver"
	"batchline/internal/scheduler"
)

var rootCmd = &cobra.Command{
	Use:   "bl",
	Short: "Batchline CLI",
	Long: `Batchline schedules issue work across dependency-ordered batches.
It reads the static graph from .batchline/dependency-graph.yml, tracks progress
in .batchline/progress.json, and gates dispatch on hard dependencies, batch
ordering, conflicts, and per-batch parallelism limits.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("BATCHLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("project-root", "C", ".", "project root directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier recorded in the journal")
	_ = viper.BindPFlag("project-root", rootCmd.PersistentFlags().Lookup("project-root"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(checkCmd())
	rootCmd.AddCommand(updateCmd())
	rootCmd.AddCommand(readyCmd())
	rootCmd.AddCommand(blockedCmd())
	rootCmd.AddCommand(conflictsCmd())
	rootCmd.AddCommand(resolveCmd())
	rootCmd.AddCommand(resetCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(logCmd())
}

func checkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check <issue>",
		Short: "Check whether an issue can start",
		Long:  "Exit 0 when the issue can start, 1 when it is blocked or on error.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseIssueID(args[0])
			if err != nil {
				return err
			}
			return withScheduler(cmd.Context(), func(ctx context.Context, s scheduler.Scheduler) error {
				verbose := viper.GetBool("verbose")
				if verbose {
					if err := printIssueDetail(ctx, s, id); err != nil {
						return err
					}
				}
				ok, reason, err := s.CanStart(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					out := map[string]any{"issue": id, "can_start": ok}
					if reason != "" {
						out["reason"] = reason
					}
					if err := printJSON(out); err != nil {
						return err
					}
					if !ok {
						os.Exit(1)
					}
					return nil
				}
				if !ok {
					fmt.Printf("issue %d BLOCKED: %s\n", id, reason)
					if verbose {
						printConflictDetail(ctx, s, id)
					}
					os.Exit(1)
				}
				fmt.Printf("issue %d can start\n", id)
				if verbose {
					if soft, err := s.IncompleteSoftDeps(ctx, id); err == nil && len(soft) > 0 {
						fmt.Printf("warning: soft dependencies not complete: %v (not blocking)\n", soft)
					}
				}
				return nil
			})
		},
	}
	return cmd
}

func updateCmd() *cobra.Command {
	var status, prURL, reason string
	cmd := &cobra.Command{
		Use:   "update <issue>",
		Short: "Update issue progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseIssueID(args[0])
			if err != nil {
				return err
			}
			parsed, err := ledger.ParseStatus(status)
			if err != nil {
				return err
			}
			actor := viper.GetString("actor-id")
			return withJournaledScheduler(cmd.Context(), func(ctx context.Context, s scheduler.Scheduler) error {
				switch parsed {
				case ledger.StatusComplete:
					res, err := s.MarkComplete(ctx, id, prURL, actor)
					if err != nil {
						return err
					}
					return reportComplete(ctx, s, res)
				case ledger.StatusInProgress:
					if err := s.MarkInProgress(ctx, id, actor); err != nil {
						return err
					}
					fmt.Printf("issue %d marked in progress\n", id)
					return nil
				case ledger.StatusFailed:
					if reason == "" {
						return fmt.Errorf("--reason is required for --status failed")
					}
					if err := s.MarkFailed(ctx, id, reason, actor); err != nil {
						return err
					}
					fmt.Printf("issue %d marked failed: %s\n", id, reason)
					return nil
				}
				return fmt.Errorf("status %s cannot be set directly (use bl reset for pending)", parsed)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "new status (complete, in_progress, failed)")
	cmd.Flags().StringVar(&prURL, "pr-url", "", "pull request URL")
	cmd.Flags().StringVar(&reason, "reason", "", "failure reason (required with --status failed)")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func reportComplete(ctx context.Context, s scheduler.Scheduler, res scheduler.CompleteResult) error {
	if viper.GetBool("json") {
		return printJSON(res)
	}
	if res.AlreadyComplete {
		fmt.Printf("issue %d already complete\n", res.IssueID)
		return nil
	}
	fmt.Printf("issue %d marked complete\n", res.IssueID)
	if res.CompletedBatch != "" {
		fmt.Printf("batch %s complete\n", res.CompletedBatch)
		for _, b := range res.ReadyBatches {
			fmt.Printf("batch %s is now ready\n", b)
		}
	}
	if len(res.NewlyReady) > 0 {
		fmt.Printf("issues now ready to start: %v\n", res.NewlyReady)
	}
	if viper.GetBool("verbose") {
		sum, err := s.Progress(ctx)
		if err != nil {
			return err
		}
		for _, b := range sum.Batches {
			if containsIssue(s.Graph.Batches[b.ID].Issues, res.IssueID) {
				fmt.Printf("batch %s (%s): %d/%d issues complete\n", b.ID, b.Name, b.Complete, b.Total)
			}
		}
	}
	return nil
}

func readyCmd() *cobra.Command {
	var batchID string
	cmd := &cobra.Command{
		Use:   "ready",
		Short: "List issues ready to start",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withScheduler(cmd.Context(), func(ctx context.Context, s scheduler.Scheduler) error {
				ready, err := s.ReadyIssues(ctx, batchID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"ready": ready})
				}
				if len(ready) == 0 {
					fmt.Println("no ready issues")
					return nil
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Issue", "Batch", "Files"})
				for _, id := range ready {
					iss := s.Graph.Issues[id]
					tw.AppendRow(table.Row{id, iss.Batch, strings.Join(iss.Files, ", ")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&batchID, "batch", "", "restrict to one batch")
	return cmd
}

func blockedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "blocked",
		Short: "List blocked issues with reasons",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withScheduler(cmd.Context(), func(ctx context.Context, s scheduler.Scheduler) error {
				blocked, err := s.BlockedIssues(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"blocked": blocked})
				}
				if len(blocked) == 0 {
					fmt.Println("no blocked issues")
					return nil
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Issue", "Batch", "Reason"})
				for _, b := range blocked {
					tw.AppendRow(table.Row{b.IssueID, b.Batch, b.Reason})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func conflictsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts <issue>",
		Short: "Show conflicts with in-progress issues",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseIssueID(args[0])
			if err != nil {
				return err
			}
			return withScheduler(cmd.Context(), func(ctx context.Context, s scheduler.Scheduler) error {
				conflicts, err := s.Conflicts(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"issue": id, "conflicts": conflicts})
				}
				if len(conflicts) == 0 {
					fmt.Printf("no conflicts for issue %d\n", id)
					return nil
				}
				fmt.Printf("conflicts for issue %d:\n", id)
				for _, c := range conflicts {
					fmt.Printf("  #%d: %s\n", c.IssueID, c.Reason)
					if len(c.Files) > 0 {
						fmt.Printf("    files: %s\n", strings.Join(c.Files, ", "))
					}
				}
				return nil
			})
		},
	}
	return cmd
}

func resolveCmd() *cobra.Command {
	var strategy string
	var issues []int
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Plan execution for a conflicting issue set",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(issues) == 0 {
				return fmt.Errorf("--issue required (repeatable)")
			}
			strat, err := resolver.ParseStrategy(strategy)
			if err != nil {
				return err
			}
			return withScheduler(cmd.Context(), func(ctx context.Context, s scheduler.Scheduler) error {
				res, err := resolver.Resolve(s.Graph, issues, strat)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Println(res.Message)
				for _, a := range res.Actions {
					line := fmt.Sprintf("  #%d: %s", a.IssueID, a.Action)
					if len(a.Files) > 0 {
						line += " (" + strings.Join(a.Files, ", ") + ")"
					}
					fmt.Println(line)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&strategy, "strategy", "sequential", "resolution strategy (sequential, partition, human)")
	cmd.Flags().IntSliceVar(&issues, "issue", nil, "conflicting issue id (repeatable)")
	return cmd
}

func resetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset <issue>",
		Short: "Reset a failed issue to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseIssueID(args[0])
			if err != nil {
				return err
			}
			return withJournaledScheduler(cmd.Context(), func(ctx context.Context, s scheduler.Scheduler) error {
				if err := s.Reset(ctx, id, viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Printf("issue %d reset to pending\n", id)
				return nil
			})
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show project progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withScheduler(cmd.Context(), func(ctx context.Context, s scheduler.Scheduler) error {
				sum, err := s.Progress(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sum)
				}
				fmt.Printf("%s progress\n", sum.Project)
				fmt.Printf("  total: %d  complete: %d (%.1f%%)  in progress: %d  blocked: %d  pending: %d  failed: %d\n",
					sum.TotalIssues, sum.Complete, sum.CompletionPct, sum.InProgress, sum.Blocked, sum.Pending, sum.Failed)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Batch", "Name", "Complete", "Status"})
				for _, b := range sum.Batches {
					tw.AppendRow(table.Row{b.ID, b.Name, fmt.Sprintf("%d/%d", b.Complete, b.Total), b.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func validateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the dependency graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := graph.Load(viper.GetString("project-root"))
			if viper.GetBool("json") {
				out := map[string]any{"ok": err == nil}
				if err != nil {
					out["error"] = err.Error()
				} else {
					out["warnings"] = g.Warnings
				}
				if jerr := printJSON(out); jerr != nil {
					return jerr
				}
				if err != nil {
					os.Exit(1)
				}
				return nil
			}
			if err != nil {
				return err
			}
			for _, w := range g.Warnings {
				fmt.Println("warning:", w)
			}
			fmt.Printf("graph OK: %d issues in %d batches\n", len(g.Issues), len(g.Batches))
			return nil
		},
	}
	return cmd
}

func initCmd() *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter dependency graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := graph.Path(viper.GetString("project-root"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(graph.GenerateDefault(project)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&project, "project", "my-project", "project name")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Transition journal",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent transitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := journal.Open(viper.GetString("project-root"))
			if err != nil {
				return err
			}
			defer db.Close()
			entries, err := journal.Tail(cmd.Context(), db, n)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(entries)
			}
			if len(entries) == 0 {
				fmt.Println("no transitions recorded")
				return nil
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"TS", "Type", "Issue", "From", "To", "Actor"})
			for _, e := range entries {
				tw.AppendRow(table.Row{e.TS, e.Type, e.IssueID, e.From, e.To, e.ActorID})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	return cmd
}

// --- helpers ---

func withScheduler(ctx context.Context, fn func(context.Context, scheduler.Scheduler) error) error {
	root := viper.GetString("project-root")
	g, err := graph.Load(root)
	if err != nil {
		return err
	}
	store := ledger.NewFileStore(ledger.Path(root))
	return fn(ctx, scheduler.New(g, store))
}

func withJournaledScheduler(ctx context.Context, fn func(context.Context, scheduler.Scheduler) error) error {
	root := viper.GetString("project-root")
	g, err := graph.Load(root)
	if err != nil {
		return err
	}
	db, err := journal.Open(root)
	if err != nil {
		return err
	}
	defer db.Close()
	s := scheduler.New(g, ledger.NewFileStore(ledger.Path(root)))
	s.Journal = &journal.Writer{DB: db}
	return fn(ctx, s)
}

func printIssueDetail(ctx context.Context, s scheduler.Scheduler, id int) error {
	iss, ok := s.Graph.Issues[id]
	if !ok {
		return fmt.Errorf("issue %d not found in dependency graph", id)
	}
	st, err := s.Store.Load(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("issue #%d\n", id)
	fmt.Printf("  batch: %s\n", iss.Batch)
	fmt.Printf("  status: %s\n", st.IssueStatus(id))
	if len(iss.DependsOn) > 0 {
		parts := make([]string, len(iss.DependsOn))
		for i, dep := range iss.DependsOn {
			parts[i] = fmt.Sprintf("#%d (%s)", dep, st.IssueStatus(dep))
		}
		fmt.Printf("  hard dependencies: %s\n", strings.Join(parts, ", "))
	}
	if len(iss.SoftDependsOn) > 0 {
		fmt.Printf("  soft dependencies: %v\n", iss.SoftDependsOn)
	}
	if len(iss.ConflictsWith) > 0 {
		fmt.Printf("  conflicts with: %v\n", iss.ConflictsWith)
	}
	if len(iss.Files) > 0 {
		fmt.Printf("  files: %s\n", strings.Join(iss.Files, ", "))
	}
	return nil
}

func printConflictDetail(ctx context.Context, s scheduler.Scheduler, id int) {
	conflicts, err := s.Conflicts(ctx, id)
	if err != nil || len(conflicts) == 0 {
		return
	}
	fmt.Printf("conflicts with %d in-progress issues:\n", len(conflicts))
	for _, c := range conflicts {
		fmt.Printf("  #%d: %s\n", c.IssueID, c.Reason)
		if len(c.Files) > 0 {
			fmt.Printf("    files: %s\n", strings.Join(c.Files, ", "))
		}
	}
}

func parseIssueID(arg string) (int, error) {
	id, err := strconv.Atoi(arg)
	if err != nil {
		return 0, fmt.Errorf("issue id must be an integer, got %q", arg)
	}
	return id, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func containsIssue(ids []int, id int) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
