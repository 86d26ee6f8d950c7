package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"escrowline/internal/config"
	"escrowline/internal/custody"
	"escrowline/internal/db"
	"escrowline/internal/engine"
	"escrowline/internal/extract"
	"escrowline/internal/migrate"
	"escrowline/internal/notify"
	"escrowline/internal/offramp"
	"escrowline/internal/repo"
	"escrowline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "esl",
	Short: "Escrowline CLI",
	Long: `Escrowline coordinates freelance projects between a client and a
freelancer: terms capture, invitations, escrow funding, milestone
negotiation, work submission and payout release, with every money
movement recorded in a hash-chained event ledger.`,
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
	_ = godotenv.Load()
	viper.SetEnvPrefix("ESCROWLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("party-id", "local-user", "acting party identifier")
	rootCmd.PersistentFlags().String("handle", "", "acting party handle")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("party-id", rootCmd.PersistentFlags().Lookup("party-id"))
	_ = viper.BindPFlag("handle", rootCmd.PersistentFlags().Lookup("handle"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(eventCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(timelineCmd())
	rootCmd.AddCommand(inviteCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write the default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
}

func eventCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "event <kind> [text...]",
		Short: "Apply a workflow event as the acting party",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ev := engine.Event{Kind: args[0], Text: strings.Join(args[1:], " ")}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				out, err := e.Apply(ctx, viper.GetString("party-id"), viper.GetString("handle"), ev)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Println(out.Reply)
				return nil
			})
		},
	}
	return cmd
}

func sessionCmd() *cobra.Command {
	sess := &cobra.Command{Use: "session", Short: "Inspect sessions"}
	sess.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the acting party's session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				s, err := e.Session(ctx, viper.GetString("party-id"))
				if err != nil {
					return err
				}
				return printJSON(s)
			})
		},
	})
	sess.AddCommand(&cobra.Command{
		Use:   "summary",
		Short: "Narrative status of the current project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				text, err := e.Summary(ctx, viper.GetString("party-id"))
				if err != nil {
					return err
				}
				fmt.Println(text)
				return nil
			})
		},
	})
	return sess
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Inspect projects"}
	prj.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Client", "Freelancer", "Status", "Budget", "Mode"})
				for _, p := range items {
					tw.AppendRow(table.Row{
						p.ID, p.Client.Handle, p.Freelancer.Handle, p.Status,
						fmt.Sprintf("%d %s", p.Terms.BudgetCents, p.Terms.Currency), p.PaymentMode,
					})
				}
				tw.Render()
				return nil
			})
		},
	})
	prj.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.Project(ctx, args[0], viper.GetString("party-id"))
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	})
	return prj
}

func timelineCmd() *cobra.Command {
	tl := &cobra.Command{Use: "timeline", Short: "Project event ledger"}
	tl.AddCommand(&cobra.Command{
		Use:   "show <project-id>",
		Short: "Show the ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				entries, err := e.Timeline(ctx, args[0], viper.GetString("party-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "Event", "Actor", "Time", "Hash"})
				for _, en := range entries {
					hash := en.Hash
					if len(hash) > 16 {
						hash = hash[:16] + "..."
					}
					tw.AppendRow(table.Row{en.Seq, en.EventType, en.ActorID, en.TS, hash})
				}
				tw.Render()
				return nil
			})
		},
	})
	tl.AddCommand(&cobra.Command{
		Use:   "verify <project-id>",
		Short: "Verify the hash chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				ok, err := e.VerifyTimeline(ctx, args[0], viper.GetString("party-id"))
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("chain verification FAILED for project %s", args[0])
				}
				fmt.Println("Verified: all hashes link back to genesis.")
				return nil
			})
		},
	})
	tl.AddCommand(&cobra.Command{
		Use:   "proof <project-id>",
		Short: "Render the chain-of-custody document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				doc, err := e.Proof(ctx, args[0], viper.GetString("party-id"))
				if err != nil {
					return err
				}
				fmt.Println(doc)
				return nil
			})
		},
	})
	return tl
}

func inviteCmd() *cobra.Command {
	inv := &cobra.Command{Use: "invite", Short: "Redeem invitations"}
	inv.AddCommand(&cobra.Command{
		Use:   "show <token>",
		Short: "Preview an invitation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				i, p, err := e.Invitation(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"invitation": i, "terms": p.Terms, "inviter": p.Client.Handle})
			})
		},
	})
	redeem := func(use, short string, accept bool) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
					out, err := e.RedeemInvitation(ctx, args[0], viper.GetString("party-id"), viper.GetString("handle"), accept)
					if err != nil {
						return err
					}
					fmt.Println(out.Reply)
					return nil
				})
			},
		}
	}
	inv.AddCommand(redeem("accept <token>", "Accept an invitation", true))
	inv.AddCommand(redeem("decline <token>", "Decline an invitation", false))
	return inv
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				authCfg := server.AuthConfig{
					JWTSecret:              e.Config.Server.JWTSecret,
					AllowLegacyActorHeader: e.Config.Server.AllowLegacyActorHeader,
				}
				if authCfg.JWTSecret == "" {
					authCfg.JWTSecret = os.Getenv("ESCROWLINE_JWT_SECRET")
				}
				if authCfg.JWTSecret == "" && !authCfg.AllowLegacyActorHeader {
					return fmt.Errorf("a JWT secret is required; set server.jwt_secret or ESCROWLINE_JWT_SECRET")
				}
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				server.StartWebhookDispatcher(ctx, e)
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(sctx)
				}()
				fmt.Printf("Serving Escrowline API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	client := extract.NewClient(cfg)
	e := engine.New(conn, cfg, engine.Deps{
		Extractor:  client,
		Summarizer: client,
		Custody:    custody.New(cfg),
		OffRamp:    offramp.New(cfg),
		Delivery: notify.Directory{
			Resolver: func(handle string) (string, error) {
				id, err := r.LookupHandle(ctx, handle)
				if errors.Is(err, repo.ErrNotFound) {
					return "", notify.ErrUndeliverable
				}
				return id, err
			},
		},
	})
	return fn(ctx, e)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
