package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"quorum/internal/app"
	"quorum/internal/config"
	"quorum/internal/db"
	"quorum/internal/domain"
	"quorum/internal/engine"
	"quorum/internal/repo"
	"quorum/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "qm",
	Short: "Quorum CLI",
	Long: `Quorum escalates low-confidence AI decisions to human voters.
Core concepts:
- Task: one yes/no question, opened when the AI's confidence is too low to act alone.
- Phases: three voting rounds; each round asks a smaller, more accurate slice of voters.
- Consensus: enough same-way votes against the required-voter target ends the task early.
- Points and ranks: correct voters earn points and climb CADET -> OFFICER -> ARBITER.
- Rewards: when configured, winners split a payout recorded in the ledger.
- Event log: diary of everything, view with 'qm log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("QUORUM")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(leaderboardCmd())
	rootCmd.AddCommand(ranksCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default quorum.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if projectID == "" {
				projectID = "default"
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(projectID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "id", "", "project id")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.ResolveConfig(viper.GetString("workspace"), viper.GetString("project"))
			if err != nil {
				return err
			}
			return printJSONOrIndent(cfg)
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show engine status",
		Long:  "The scoreboard: task counts per status and the number of registered voters.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				counts := map[string]int{}
				for _, st := range []string{domain.TaskPending, domain.TaskResolved, domain.TaskFailed} {
					items, err := env.Engine.Repo.ListTasks(ctx, repo.TaskFilters{Status: st})
					if err != nil {
						return err
					}
					counts[st] = len(items)
				}
				users, err := env.Engine.Repo.ListActiveUserIDs(ctx)
				if err != nil {
					return err
				}
				return printJSONOrIndent(map[string]any{
					"project_id":   env.Config.Project.ID,
					"task_counts":  counts,
					"active_users": len(users),
				})
			})
		},
	}
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Manage consensus tasks"}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskVoteCmd())
	task.AddCommand(taskCheckCmd())
	task.AddCommand(taskTerminateCmd())
	task.AddCommand(taskTransitionsCmd())
	task.AddCommand(taskPayoutsCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var id, query, requester string
	var confidence float64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Escalate a decision to human voters",
		RunE: func(cmd *cobra.Command, args []string) error {
			if query == "" {
				return fmt.Errorf("--query required")
			}
			if confidence < 0 || confidence > 1 {
				return fmt.Errorf("--confidence must be between 0 and 1")
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				t, err := env.Engine.CreateTask(ctx, engine.TaskCreateOptions{
					ID:          id,
					Query:       query,
					Confidence:  confidence,
					RequesterID: requester,
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrIndent(t)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "task id (generated when omitted)")
	cmd.Flags().StringVar(&query, "query", "", "the yes/no question for voters")
	cmd.Flags().Float64Var(&confidence, "confidence", 0, "AI confidence in [0,1]")
	cmd.Flags().StringVar(&requester, "requester", "", "requester id")
	_ = cmd.MarkFlagRequired("query")
	_ = cmd.MarkFlagRequired("confidence")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				t, err := env.Engine.Repo.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrIndent(t)
			})
		},
	}
	return cmd
}

func taskListCmd() *cobra.Command {
	var status string
	var phase int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				filters := repo.TaskFilters{Status: status}
				if cmd.Flags().Changed("phase") {
					p := domain.Phase(phase)
					filters.Phase = &p
				}
				tasks, err := env.Engine.Repo.ListTasks(ctx, filters)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Query", "Phase", "Status", "Votes", "Target", "Threshold"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{
						t.ID, truncate(t.Query, 48), t.CurrentPhase.String(), t.Status,
						fmt.Sprintf("%d/%d", t.YesVotes, t.NoVotes), t.RequiredVoters,
						fmt.Sprintf("%.0f%%", t.ConsensusThreshold*100),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (pending, resolved, failed)")
	cmd.Flags().IntVar(&phase, "phase", 0, "phase filter (1-3)")
	return cmd
}

func taskVoteCmd() *cobra.Command {
	var userID, decision string
	cmd := &cobra.Command{
		Use:   "vote <task-id>",
		Short: "Cast a vote",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				opts := engine.VoteOptions{
					TaskID:   args[0],
					Decision: decision,
					ActorID:  viper.GetString("actor-id"),
				}
				if userID != "" {
					opts.UserID = &userID
				}
				v, eval, err := env.Engine.CastVote(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrIndent(map[string]any{
					"vote":    v,
					"outcome": eval.Outcome.String(),
					"reason":  eval.Reason,
				})
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "voter id (omit for anonymous test traffic)")
	cmd.Flags().StringVar(&decision, "decision", "", "yes or no")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func taskCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check <task-id>",
		Short: "Re-evaluate a task's phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				eval, err := env.Engine.CheckForPhaseTransition(ctx, args[0])
				if err != nil {
					return err
				}
				t, err := env.Engine.Repo.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrIndent(map[string]any{
					"outcome": eval.Outcome.String(),
					"reason":  eval.Reason,
					"task":    t,
				})
			})
		},
	}
	return cmd
}

func taskTerminateCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "terminate <task-id>",
		Short: "Terminate voting on a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				if reason == "" {
					reason = "terminated by operator"
				}
				if err := env.Engine.TerminateVoting(ctx, args[0], reason); err != nil {
					return err
				}
				t, err := env.Engine.Repo.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrIndent(t)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "termination reason")
	return cmd
}

func taskTransitionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transitions <task-id>",
		Short: "Phase transition history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				items, err := env.Engine.Repo.ListPhaseTransitions(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"From", "To", "Reason", "Voters", "At"})
				for _, tr := range items {
					to := ""
					if tr.ToPhase != nil {
						to = tr.ToPhase.String()
					}
					tw.AppendRow(table.Row{tr.FromPhase.String(), to, tr.Reason, tr.VoterCount, tr.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func taskPayoutsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "payouts <task-id>",
		Short: "Reward payouts for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				items, err := env.Engine.Repo.ListPayouts(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrIndent(items)
			})
		},
	}
	return cmd
}

func userCmd() *cobra.Command {
	user := &cobra.Command{Use: "user", Short: "Manage voters"}
	user.AddCommand(userRegisterCmd())
	user.AddCommand(userShowCmd())
	user.AddCommand(userListCmd())
	user.AddCommand(userBanCmd())
	user.AddCommand(userWalletCmd())
	return user
}

func userRegisterCmd() *cobra.Command {
	var id, wallet string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a voter",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				opts := engine.UserCreateOptions{ID: id}
				if wallet != "" {
					opts.WalletAddress = &wallet
				}
				u, err := env.Engine.RegisterUser(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrIndent(u)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "user id (generated when omitted)")
	cmd.Flags().StringVar(&wallet, "wallet", "", "payout address")
	return cmd
}

func userShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <user-id>",
		Short: "Show a voter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				u, err := env.Engine.Repo.GetUser(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrIndent(u)
			})
		},
	}
	return cmd
}

func userListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List voters ordered by points",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				users, err := env.Engine.Repo.ListUsers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Points", "Rank", "Votes", "Correct", "Banned"})
				for _, u := range users {
					tw.AppendRow(table.Row{u.ID, u.Points, u.Rank, u.TotalVotes, u.CorrectVotes, u.Banned})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func userBanCmd() *cobra.Command {
	var unban bool
	cmd := &cobra.Command{
		Use:   "ban <user-id>",
		Short: "Ban or unban a voter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				if err := env.Engine.Repo.SetBanned(ctx, args[0], !unban); err != nil {
					return err
				}
				u, err := env.Engine.Repo.GetUser(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrIndent(u)
			})
		},
	}
	cmd.Flags().BoolVar(&unban, "unban", false, "lift the ban instead")
	return cmd
}

func userWalletCmd() *cobra.Command {
	var address string
	cmd := &cobra.Command{
		Use:   "wallet <user-id>",
		Short: "Set a voter's payout address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if address == "" {
				return fmt.Errorf("--address required")
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				if err := env.Engine.Repo.SetWalletAddress(ctx, args[0], address); err != nil {
					return err
				}
				u, err := env.Engine.Repo.GetUser(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrIndent(u)
			})
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "payout address")
	_ = cmd.MarkFlagRequired("address")
	return cmd
}

func leaderboardCmd() *cobra.Command {
	var top int
	var percentile float64
	cmd := &cobra.Command{
		Use:   "leaderboard",
		Short: "Voters ranked by accuracy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				var (
					ranked []domain.RankedVoter
					err    error
				)
				switch {
				case cmd.Flags().Changed("percentile"):
					ranked, err = env.Ranker.TopPercentile(ctx, percentile)
				case top > 0:
					ranked, err = env.Ranker.TopN(ctx, top)
				default:
					ranked, err = env.Ranker.Ranking(ctx)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ranked)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Rank", "User", "Accuracy", "Votes", "Percentile"})
				for _, v := range ranked {
					tw.AppendRow(table.Row{
						v.Rank, v.UserID,
						fmt.Sprintf("%.1f%%", v.Accuracy*100),
						v.TotalVotes,
						fmt.Sprintf("%.2f", v.Percentile),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&top, "top", 0, "show only the top N voters")
	cmd.Flags().Float64Var(&percentile, "percentile", 0, "show only the top fraction (0,1]")
	return cmd
}

func ranksCmd() *cobra.Command {
	ranks := &cobra.Command{Use: "ranks", Short: "Rank buckets"}
	ranks.AddCommand(&cobra.Command{
		Use:   "recompute",
		Short: "Recompute every voter's rank bucket",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				env.Ranker.InvalidateCache()
				if err := env.Settle.UpdateAllUserRanks(ctx); err != nil {
					return err
				}
				users, err := env.Engine.Repo.ListUsers(ctx)
				if err != nil {
					return err
				}
				return printJSONOrIndent(users)
			})
		},
	})
	return ranks
}

func apikeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "apikey", Short: "API keys for the HTTP API"}
	keys.AddCommand(apikeyCreateCmd())
	keys.AddCommand(apikeyRevokeCmd())
	return keys
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				return fmt.Errorf("--actor required")
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				raw := make([]byte, 24)
				if _, err := rand.Read(raw); err != nil {
					return err
				}
				secret := "qm_" + hex.EncodeToString(raw)
				tx, err := env.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				key := domain.APIKey{
					ID:        uuid.New().String(),
					ActorID:   actor,
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := env.Engine.Repo.InsertAPIKey(ctx, tx, key); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				// The secret is shown once and never stored.
				return printJSONOrIndent(map[string]string{
					"id":      key.ID,
					"actor":   key.ActorID,
					"api_key": secret,
				})
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				return env.Engine.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: tasks, votes, transitions, settlements, payouts.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				events, err := env.Engine.Repo.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrIndent(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Advance stalled tasks once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				sweeper := engine.NewSweeper(env.Engine)
				advanced, err := sweeper.Sweep(ctx)
				if err != nil {
					return err
				}
				return printJSONOrIndent(map[string]int{"advanced": advanced})
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := app.Open(cmd.Context(), viper.GetString("workspace"), viper.GetString("project"))
			if err != nil {
				return err
			}
			defer env.Close()
			authCfg := server.AuthConfig{
				JWTSecret:        os.Getenv("QUORUM_JWT_SECRET"),
				AllowActorHeader: allowActorHeader,
				Logger:           env.Log,
			}
			if authCfg.JWTSecret == "" && !allowActorHeader {
				return fmt.Errorf("QUORUM_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: env.Engine, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			sweeper := engine.NewSweeper(env.Engine)
			sweeper.Start()
			defer sweeper.Stop()
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Quorum API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "accept X-Actor-Id without credentials (dev only)")
	return cmd
}

// --- helpers ---

func withEnv(ctx context.Context, fn func(context.Context, *app.Env) error) error {
	env, err := app.Open(ctx, viper.GetString("workspace"), viper.GetString("project"))
	if err != nil {
		return err
	}
	defer env.Close()
	return fn(ctx, env)
}

func printJSONOrIndent(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
