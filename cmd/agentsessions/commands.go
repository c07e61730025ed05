package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChamsBouzaiene/agentsessions/internal/analytics"
	"github.com/ChamsBouzaiene/agentsessions/internal/indexer"
	"github.com/ChamsBouzaiene/agentsessions/internal/session"
	"github.com/ChamsBouzaiene/agentsessions/internal/store"
)

var (
	dbPath    string
	configDir string
	verbose   bool
)

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "agentsessions",
		Short: "Index and analyze AI coding agent sessions",
		Long: `agentsessions indexes the session logs written by local AI coding agents
(Claude Code, Codex, Gemini CLI, OpenCode, Copilot CLI, Droid) and answers
questions about them: what ran, where, for how long.`,
		Version:       "0.1.0",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if !verbose {
				log.SetOutput(io.Discard)
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Path to index database (default: user cache dir)")
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "", "Directory holding config.json (default: user config dir)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log indexing progress to stderr")

	rootCmd.AddCommand(
		newRefreshCommand(),
		newListCommand(),
		newShowCommand(),
		newSearchCommand(),
		newStatsCommand(),
		newWatchCommand(),
	)

	return rootCmd
}

// filterFlags are shared by commands that select sessions.
type filterFlags struct {
	sources      []string
	from         string
	to           string
	all          bool
	withCommands bool
}

func (f *filterFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringSliceVarP(&f.sources, "source", "s", nil, "Only these sources (claude, codex, gemini, opencode, copilot, droid)")
	cmd.Flags().StringVar(&f.from, "from", "", "First day to include (YYYY-MM-DD)")
	cmd.Flags().StringVar(&f.to, "to", "", "Last day to include (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&f.all, "all", false, "Include sessions hidden by the visibility preferences")
}

// registerCommandFilter adds --with-commands to list-style commands.
func (f *filterFlags) registerCommandFilter(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.withCommands, "with-commands", false, "Only sessions that ran at least one tool or command")
}

func (f *filterFlags) minCommands() int {
	if f.withCommands {
		return 1
	}
	return 0
}

func (f *filterFlags) parse() ([]session.Source, store.DayRange, error) {
	var sources []session.Source
	for _, name := range f.sources {
		src, err := session.ParseSource(name)
		if err != nil {
			return nil, store.DayRange{}, err
		}
		sources = append(sources, src)
	}
	for _, day := range []string{f.from, f.to} {
		if day == "" {
			continue
		}
		if _, err := time.Parse(store.DayLayout, day); err != nil {
			return nil, store.DayRange{}, fmt.Errorf("invalid day %q: expected YYYY-MM-DD", day)
		}
	}
	if f.from != "" && f.to != "" && f.from > f.to {
		return nil, store.DayRange{}, fmt.Errorf("--from %s is after --to %s", f.from, f.to)
	}
	return sources, store.DayRange{Start: f.from, End: f.to}, nil
}

func (f *filterFlags) policy(env *runtimeEnv) session.VisibilityPolicy {
	if f.all {
		return session.VisibilityPolicy{}
	}
	return env.Config.Policy()
}

func withEnv(ctx context.Context, watch bool, fn func(env *runtimeEnv) error) error {
	env, err := prepareRuntimeEnv(ctx, envOptions{dbPath: dbPath, configDir: configDir, fileWatcher: watch})
	if err != nil {
		return err
	}
	defer env.Close()
	return fn(env)
}

func newRefreshCommand() *cobra.Command {
	var full, recent bool

	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Bring the index up to date with the session logs on disk",
		Example: `  # Rescan every source
  agentsessions refresh

  # Only look at files touched in the recent window
  agentsessions refresh --recent`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if full && recent {
				return fmt.Errorf("--full and --recent are mutually exclusive")
			}
			return withEnv(cmd.Context(), false, func(env *runtimeEnv) error {
				mode := indexer.ModeFull
				if recent {
					mode = indexer.ModeRecent(env.Config.RecentDays())
				}
				result, err := env.Manager.RefreshMode(cmd.Context(), mode)
				if result != nil {
					renderRefresh(cmd.OutOrStdout(), result)
				}
				return err
			})
		},
	}

	cmd.Flags().BoolVar(&full, "full", false, "Rescan every file (default)")
	cmd.Flags().BoolVar(&recent, "recent", false, "Only rescan files with recent activity")
	return cmd
}

func newListCommand() *cobra.Command {
	var filters filterFlags
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List indexed sessions, most recent first",
		Example: `  agentsessions list --source claude --limit 10
  agentsessions list --from 2025-06-01 --to 2025-06-07`,
		RunE: func(cmd *cobra.Command, args []string) error {
			sources, days, err := filters.parse()
			if err != nil {
				return err
			}
			return withEnv(cmd.Context(), false, func(env *runtimeEnv) error {
				sessions, err := env.Manager.List(cmd.Context(), indexer.ListOptions{
					Sources:     sources,
					Range:       days,
					MinMessages: filters.policy(env).MinMessages(),
					MinCommands: filters.minCommands(),
					Limit:       limit,
				})
				if err != nil {
					return fmt.Errorf("failed to list sessions: %w", err)
				}
				renderSessions(cmd.OutOrStdout(), sessions)
				return nil
			})
		},
	}

	filters.register(cmd)
	filters.registerCommandFilter(cmd)
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of sessions to list (0 for all)")
	return cmd
}

func newShowCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print the full transcript of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), false, func(env *runtimeEnv) error {
				s, err := env.Manager.Hydrate(cmd.Context(), args[0], force)
				if err != nil {
					return err
				}
				renderTranscript(cmd.OutOrStdout(), s)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Re-read the log even if it is already loaded")
	return cmd
}

func newSearchCommand() *cobra.Command {
	var filters filterFlags
	var hydrate bool
	var limit int

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search session transcripts",
		Long: `Search matches transcript text, so only sessions whose transcripts are loaded
can match. Use --hydrate to load every visible session in the filter first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sources, days, err := filters.parse()
			if err != nil {
				return err
			}
			return withEnv(cmd.Context(), false, func(env *runtimeEnv) error {
				ctx := cmd.Context()
				opts := indexer.ListOptions{
					Sources:     sources,
					Range:       days,
					MinMessages: filters.policy(env).MinMessages(),
					MinCommands: filters.minCommands(),
				}
				if hydrate {
					candidates, err := env.Manager.List(ctx, opts)
					if err != nil {
						return fmt.Errorf("failed to list sessions: %w", err)
					}
					for _, s := range candidates {
						if _, err := env.Manager.Hydrate(ctx, s.ID, false); err != nil {
							log.Printf("⚠️  Failed to load %s: %v", s.ID, err)
						}
					}
				}
				opts.Limit = limit
				sessions, err := env.Manager.Search(ctx, args[0], opts)
				if err != nil {
					return err
				}
				if len(sessions) == 0 && !hydrate {
					fmt.Fprintln(cmd.OutOrStdout(), dimStyle.Render("No loaded transcript matches. Try --hydrate."))
					return nil
				}
				renderSessions(cmd.OutOrStdout(), sessions)
				return nil
			})
		},
	}

	filters.register(cmd)
	filters.registerCommandFilter(cmd)
	cmd.Flags().BoolVar(&hydrate, "hydrate", false, "Load transcripts of matching sessions before searching")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of results")
	return cmd
}

func newStatsCommand() *cobra.Command {
	var filters filterFlags

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize agent activity",
		Example: `  agentsessions stats
  agentsessions stats --source codex --from 2025-06-01`,
		RunE: func(cmd *cobra.Command, args []string) error {
			sources, days, err := filters.parse()
			if err != nil {
				return err
			}
			return withEnv(cmd.Context(), false, func(env *runtimeEnv) error {
				if env.Store.IsEmpty(cmd.Context()) {
					fmt.Fprintln(cmd.OutOrStdout(), dimStyle.Render("The index is empty. Run `agentsessions refresh` first."))
					return nil
				}
				snap := env.Analytics.Snapshot(cmd.Context(), analytics.Query{
					Sources: sources,
					Range:   days,
					Policy:  filters.policy(env),
				})
				renderSnapshot(cmd.OutOrStdout(), snap)
				return nil
			})
		},
	}

	filters.register(cmd)
	return cmd
}

func newWatchCommand() *cobra.Command {
	var files bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep the index fresh until interrupted",
		Long: `Watch runs a full refresh, then refreshes the recent window on the configured
interval. With --files, writes under the source roots trigger an early refresh.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// Progress is the point of this command.
			log.SetOutput(os.Stderr)

			return withEnv(ctx, files, func(env *runtimeEnv) error {
				if err := env.Manager.Start(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Watching %d sources, refreshing every %v. Press Ctrl+C to stop.\n",
					len(env.Manager.Sources()), env.Config.Interval())
				<-ctx.Done()
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&files, "files", false, "Refresh early when session files change")
	return cmd
}
