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

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"lattice/internal/config"
	"lattice/internal/domain"
	"lattice/internal/engine"
	"lattice/internal/ids"
	"lattice/internal/server"
	"lattice/internal/shortid"
	"lattice/internal/stats"
	"lattice/internal/storage"
)

var rootCmd = &cobra.Command{
	Use:   "lattice",
	Short: "Lattice task tracker",
	Long: `Lattice is a file-resident, event-sourced task tracker.
Every change is an append-only event in a per-task JSONL log; task
snapshots are derived caches that can always be rebuilt by replaying
the log. State lives in a .lattice directory, safe to commit alongside
the code it describes. No server process and no database: concurrent
writers coordinate through advisory file locks.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	cobra.OnInitialize(initViper)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		if viper.GetBool("json") {
			_ = printJSON(map[string]any{
				"ok": false,
				"error": map[string]string{
					"code":    string(domain.CodeOf(err)),
					"message": err.Error(),
				},
			})
		} else {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("LATTICE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("path", "p", ".", "directory to search for the .lattice root")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "print only essential output")
	rootCmd.PersistentFlags().String("actor", "", "acting identity as kind:name (default from config)")
	rootCmd.PersistentFlags().String("model", "", "model identifier recorded on events")
	rootCmd.PersistentFlags().String("session", "", "session identifier recorded on events")
	_ = viper.BindPFlag("path", rootCmd.PersistentFlags().Lookup("path"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("quiet", rootCmd.PersistentFlags().Lookup("quiet"))
	_ = viper.BindPFlag("actor", rootCmd.PersistentFlags().Lookup("actor"))
	_ = viper.BindPFlag("model", rootCmd.PersistentFlags().Lookup("model"))
	_ = viper.BindPFlag("session", rootCmd.PersistentFlags().Lookup("session"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(createCmd())
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(listCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(assignCmd())
	rootCmd.AddCommand(setCmd())
	rootCmd.AddCommand(tagCmd())
	rootCmd.AddCommand(untagCmd())
	rootCmd.AddCommand(linkCmd())
	rootCmd.AddCommand(unlinkCmd())
	rootCmd.AddCommand(branchLinkCmd())
	rootCmd.AddCommand(branchUnlinkCmd())
	rootCmd.AddCommand(attachCmd())
	rootCmd.AddCommand(commentCmd())
	rootCmd.AddCommand(noteCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(recordCmd())
	rootCmd.AddCommand(archiveCmd())
	rootCmd.AddCommand(unarchiveCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(repairCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(setProjectCodeCmd())
	rootCmd.AddCommand(dashboardCmd())
}

const contextTemplate = `# Project Context

Describe the project this lattice root tracks: goals, conventions,
and anything an agent or teammate should read before picking up work.
`

func initCmd() *cobra.Command {
	var name, actor, projectCode string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a .lattice root in the target directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := viper.GetString("path")
			root := storage.NewRoot(joinMarker(dir))
			if _, err := os.Stat(root.ConfigPath()); err == nil {
				return domain.Errf(domain.CodeConflict, "%s already initialized", dir)
			}
			if err := root.EnsureDirs(); err != nil {
				return err
			}
			cfg := config.Default()
			cfg.InstanceID = ids.NewInstanceID()
			cfg.InstanceName = name
			if actor != "" {
				if err := ids.CheckActor(actor); err != nil {
					return domain.Errf(domain.CodeValidation, "%v", err)
				}
				cfg.DefaultActor = actor
			}
			if projectCode != "" {
				code := ids.NormalizeProjectCode(projectCode)
				if !ids.ValidProjectCode(code) {
					return domain.Errf(domain.CodeValidation, "invalid project code %q: expected 1-5 letters", projectCode)
				}
				cfg.ProjectCode = code
			}
			if err := cfg.Save(root); err != nil {
				return err
			}
			if _, err := os.Stat(root.ContextPath()); errors.Is(err, os.ErrNotExist) {
				if err := storage.AtomicWrite(root.ContextPath(), []byte(contextTemplate)); err != nil {
					return err
				}
			}
			return emit(map[string]string{"root": root.Dir, "instance_id": cfg.InstanceID}, func() {
				fmt.Printf("Initialized lattice root at %s\n", root.Dir)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "instance name")
	cmd.Flags().StringVar(&actor, "actor", "", "default actor as kind:name")
	cmd.Flags().StringVar(&projectCode, "project-code", "", "short id project code (1-5 letters)")
	return cmd
}

func setProjectCodeCmd() *cobra.Command {
	var sub string
	cmd := &cobra.Command{
		Use:   "set-project-code <code>",
		Short: "Set the project code used for short IDs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(e engine.Engine) error {
				code := ids.NormalizeProjectCode(args[0])
				if !ids.ValidProjectCode(code) {
					return domain.Errf(domain.CodeValidation, "invalid project code %q: expected 1-5 letters", args[0])
				}
				e.Config.ProjectCode = code
				if sub != "" {
					subCode := ids.NormalizeProjectCode(sub)
					if !ids.ValidProjectCode(subCode) {
						return domain.Errf(domain.CodeValidation, "invalid subproject code %q: expected 1-5 letters", sub)
					}
					e.Config.SubprojectCode = subCode
				}
				if err := e.Config.Save(e.Root); err != nil {
					return err
				}
				return emit(map[string]string{
					"project_code":    e.Config.ProjectCode,
					"subproject_code": e.Config.SubprojectCode,
				}, func() {
					fmt.Printf("Project code set to %s\n", e.Config.ProjectCode)
				})
			})
		},
	}
	cmd.Flags().StringVar(&sub, "sub", "", "subproject code (1-5 letters)")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect and exchange configuration"}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configExportCmd())
	cfg.AddCommand(configImportCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the active configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(e engine.Engine) error {
				return emit(e.Config, func() {
					b, _ := json.MarshalIndent(e.Config, "", "  ")
					fmt.Println(string(b))
				})
			})
		},
	}
}

func configExportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(e engine.Engine) error {
				data, err := e.Config.ToYAML()
				if err != nil {
					return err
				}
				if out == "" {
					fmt.Print(string(data))
					return nil
				}
				if err := os.WriteFile(out, data, 0o644); err != nil {
					return domain.WrapIO("write yaml export", err)
				}
				return emit(map[string]string{"path": out}, func() {
					fmt.Printf("Exported configuration to %s\n", out)
				})
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "destination file (default stdout)")
	return cmd
}

func configImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Replace configuration from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(e engine.Engine) error {
				data, err := os.ReadFile(args[0])
				if err != nil {
					return domain.WrapIO("read yaml import", err)
				}
				next, err := config.FromYAML(data)
				if err != nil {
					return err
				}
				// Identity fields stay with the instance even when the
				// imported file omits them.
				if next.InstanceID == "" {
					next.InstanceID = e.Config.InstanceID
				}
				if err := next.Validate(); err != nil {
					return err
				}
				if err := next.Save(e.Root); err != nil {
					return err
				}
				return emit(next, func() {
					fmt.Println("Configuration imported")
				})
			})
		},
	}
	return cmd
}

func statsCmd() *cobra.Command {
	var windowDays int
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show aggregate statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(e engine.Engine) error {
				summary, err := stats.Collect(e.Root, e.Now(), time.Duration(windowDays)*24*time.Hour)
				if err != nil {
					return err
				}
				return emit(summary, func() {
					printStats(summary)
				})
			})
		},
	}
	cmd.Flags().IntVar(&windowDays, "window-days", 7, "recent-activity window in days")
	return cmd
}

func dashboardCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Serve the read-only dashboard API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(e engine.Engine) error {
				authCfg := server.AuthConfig{JWTSecret: os.Getenv("LATTICE_JWT_SECRET")}
				if authCfg.JWTSecret == "" && !isLoopback(addr) {
					return fmt.Errorf("LATTICE_JWT_SECRET is required when binding beyond loopback")
				}
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-cmd.Context().Done()
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(ctx)
				}()
				fmt.Printf("Serving lattice dashboard on http://%s%s\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:7733", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func isLoopback(addr string) bool {
	return strings.HasPrefix(addr, "127.") || strings.HasPrefix(addr, "localhost:") ||
		strings.HasPrefix(addr, "[::1]")
}

func joinMarker(dir string) string {
	if strings.HasSuffix(dir, storage.MarkerDir) {
		return dir
	}
	return dir + string(os.PathSeparator) + storage.MarkerDir
}

// withEngine locates the root, loads configuration, and hands a ready
// engine to fn.
func withEngine(fn func(engine.Engine) error) error {
	root, err := storage.Locate(viper.GetString("path"))
	if err != nil {
		return err
	}
	cfg, err := config.Load(root)
	if err != nil {
		return err
	}
	return fn(engine.New(root, cfg))
}

// metaFrom resolves the acting identity: the --actor flag wins, then
// the configured default.
func metaFrom(e engine.Engine) (engine.Meta, error) {
	actor := viper.GetString("actor")
	if actor == "" {
		actor = e.Config.DefaultActor
	}
	if actor == "" {
		return engine.Meta{}, domain.Errf(domain.CodeValidation,
			"no actor: pass --actor kind:name or set default_actor in config")
	}
	return engine.Meta{
		Actor:   actor,
		Model:   viper.GetString("model"),
		Session: viper.GetString("session"),
	}, nil
}

// resolveTask accepts a full task id or a short id like LAT-42.
func resolveTask(e engine.Engine, ref string) (string, error) {
	return shortid.Resolve(e.Root, ref)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// emit prints the JSON envelope under --json, otherwise runs the human
// renderer. --quiet suppresses the human output entirely.
func emit(v any, human func()) error {
	if viper.GetBool("json") {
		return printJSON(map[string]any{"ok": true, "data": v})
	}
	if viper.GetBool("quiet") {
		return nil
	}
	human()
	return nil
}
