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
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskflow/internal/app"
	"taskflow/internal/config"
	"taskflow/internal/db"
	"taskflow/internal/domain"
	"taskflow/internal/engine"
	"taskflow/internal/migrate"
	"taskflow/internal/repo"
	"taskflow/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "tf",
	Short: "Taskflow CLI",
	Long: `Taskflow tracks hierarchical work (project -> feature -> task) with
tag-selected workflows, BLOCKS dependencies and automatic status cascades.
- Flows: each item's tags pick its workflow (bug, hotfix, docs or default).
- Triggers: start, submit, complete move items forward; block, hold, cancel
  are emergency exits from any non-terminal status.
- Dependencies: a task is blocked until every predecessor completes.
- Cascades: when all of a feature's tasks complete, the feature completes;
  terminal features clean up their tasks except retained ones (bug/hotfix).
- Verification: items flagged requires-verification cannot complete until
  every required criterion is recorded.`,
}

func main() {
	cobra.OnInitialize(initViper)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("TASKFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(transitionCmd())
	rootCmd.AddCommand(nextCmd())
	rootCmd.AddCommand(depCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(flowsCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace with the default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if err := os.MkdirAll(workspace, 0o755); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			conn, err := db.Open(workspace)
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			fmt.Printf("initialized %s (db at %s)\n", path, db.Path(workspace))
			return nil
		},
	}
}

func itemCmd() *cobra.Command {
	item := &cobra.Command{Use: "item", Short: "Manage work items"}
	item.AddCommand(itemCreateCmd())
	item.AddCommand(itemShowCmd())
	item.AddCommand(itemListCmd())
	item.AddCommand(itemDeleteCmd())
	return item
}

func itemCreateCmd() *cobra.Command {
	var id, kind, title, parent string
	var tags []string
	var requiresVerification bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a work item",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, o *engine.Orchestrator) error {
				w, err := o.CreateItem(ctx, engine.CreateOptions{
					ID:                   id,
					Kind:                 domain.Kind(kind),
					Title:                title,
					Tags:                 tags,
					ParentID:             parent,
					RequiresVerification: requiresVerification,
					ActorID:              viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSON(w)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "item id (generated when empty)")
	cmd.Flags().StringVar(&kind, "kind", "task", "project, feature or task")
	cmd.Flags().StringVar(&title, "title", "", "item title")
	cmd.Flags().StringSliceVar(&tags, "tags", nil, "tags (select the flow)")
	cmd.Flags().StringVar(&parent, "parent", "", "owning feature or project id")
	cmd.Flags().BoolVar(&requiresVerification, "requires-verification", false, "gate completion on verification criteria")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func itemShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, o *engine.Orchestrator) error {
				w, err := o.Repo.GetItem(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(w)
			})
		},
	}
}

func itemListCmd() *cobra.Command {
	var kind, status, parent, tag string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, o *engine.Orchestrator) error {
				items, err := o.Repo.ListItems(ctx, repo.ItemFilters{
					Kind:     domain.Kind(kind),
					Status:   status,
					ParentID: parent,
					Tag:      tag,
					Limit:    limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Title", "Status", "Tags", "Parent"})
				for _, it := range items {
					parentID := ""
					if it.ParentID != nil {
						parentID = *it.ParentID
					}
					tw.AppendRow(table.Row{it.ID, it.Kind, it.Title, it.Status, strings.Join(it.Tags, ","), parentID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "filter by kind")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&parent, "parent", "", "filter by parent id")
	cmd.Flags().StringVar(&tag, "tag", "", "filter by tag")
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows")
	return cmd
}

func itemDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a work item and its dependency edges",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, o *engine.Orchestrator) error {
				return o.DeleteItem(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
}

func transitionCmd() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "transition <id> <trigger>",
		Short: "Request a status transition",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, o *engine.Orchestrator) error {
				res, err := o.RequestTransition(ctx, args[0], domain.Kind(kind), domain.Trigger(args[1]), viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "expected item kind")
	return cmd
}

func nextCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "next <id>",
		Short: "Recommend the next status without mutating",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, o *engine.Orchestrator) error {
				rec, err := o.NextStatus(ctx, args[0], "")
				if err != nil {
					return err
				}
				return printJSON(rec)
			})
		},
	}
}

func depCmd() *cobra.Command {
	dep := &cobra.Command{Use: "dep", Short: "Manage task dependencies"}
	dep.AddCommand(&cobra.Command{
		Use:   "add <from> <to>",
		Short: "Add a BLOCKS edge (from must finish before to starts)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, o *engine.Orchestrator) error {
				edge, err := o.AddDependency(ctx, args[0], args[1], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(edge)
			})
		},
	})
	dep.AddCommand(&cobra.Command{
		Use:   "batch <linear|fan-out|fan-in> <task>...",
		Short: "Add a batch of BLOCKS edges atomically",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, o *engine.Orchestrator) error {
				edges, err := o.AddDependencyBatch(ctx, domain.BatchPattern(args[0]), args[1:], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(edges)
			})
		},
	})
	dep.AddCommand(&cobra.Command{
		Use:   "blocked <task>",
		Short: "Is the task blocked",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, o *engine.Orchestrator) error {
				blocked, err := o.QueryBlocked(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(map[string]bool{"blocked": blocked})
			})
		},
	})
	dep.AddCommand(&cobra.Command{
		Use:   "blockers <task>",
		Short: "List transitive blockers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, o *engine.Orchestrator) error {
				blockers, err := o.QueryBlockers(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(blockers)
			})
		},
	})
	return dep
}

func verifyCmd() *cobra.Command {
	verify := &cobra.Command{Use: "verify", Short: "Manage verification criteria"}
	verify.AddCommand(&cobra.Command{
		Use:   "require <item> <criterion>",
		Short: "Require a completion criterion",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, o *engine.Orchestrator) error {
				return o.RequireCriterion(ctx, args[0], args[1])
			})
		},
	})
	verify.AddCommand(&cobra.Command{
		Use:   "add <item> <criterion>",
		Short: "Record a satisfied criterion",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, o *engine.Orchestrator) error {
				v, err := o.RecordVerification(ctx, args[0], args[1], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(v)
			})
		},
	})
	verify.AddCommand(&cobra.Command{
		Use:   "list <item>",
		Short: "List recorded verifications",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, o *engine.Orchestrator) error {
				vs, err := o.Repo.ListVerifications(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(vs)
			})
		},
	})
	return verify
}

func flowsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flows",
		Short: "Show loaded flow definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg.Flows)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Flow", "Entry", "Statuses", "Terminal"})
			for name, f := range cfg.Flows {
				tw.AppendRow(table.Row{name, f.Entry, strings.Join(f.Statuses, " -> "), strings.Join(f.Terminal, ",")})
			}
			tw.Render()
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Item counts per kind and status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, o *engine.Orchestrator) error {
				out := map[string]map[string]int{}
				for _, kind := range []domain.Kind{domain.KindProject, domain.KindFeature, domain.KindTask} {
					counts, err := o.Repo.CountItemsByStatus(ctx, kind)
					if err != nil {
						return err
					}
					out[string(kind)] = counts
				}
				return printJSON(out)
			})
		},
	}
}

func logCmd() *cobra.Command {
	var item string
	var limit int
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show latest audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, o *engine.Orchestrator) error {
				evts, err := o.Repo.LatestEvents(ctx, limit, item)
				if err != nil {
					return err
				}
				return printJSON(evts)
			})
		},
	}
	cmd.Flags().StringVar(&item, "item", "", "filter by item id")
	cmd.Flags().IntVar(&limit, "limit", 50, "max events")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacyActor bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, o *engine.Orchestrator) error {
				authCfg := server.AuthConfig{
					JWTSecret:              os.Getenv("TASKFLOW_JWT_SECRET"),
					AllowLegacyActorHeader: allowLegacyActor,
				}
				if authCfg.JWTSecret == "" && !allowLegacyActor {
					return fmt.Errorf("TASKFLOW_JWT_SECRET is required for bearer auth (or pass --allow-legacy-actor)")
				}
				handler, err := server.New(server.Config{Engine: o, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Taskflow API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8734", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacyActor, "allow-legacy-actor", false, "accept X-Actor-Id without auth")
	return cmd
}

func withEngine(ctx context.Context, fn func(context.Context, *engine.Orchestrator) error) error {
	env, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer env.Close()
	return fn(ctx, env.Engine)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
