// Command wtm-ops runs maintenance against a weekly task manager data
// directory or storage backend.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/kay0530/weekly-task-manager/internal/config"
	"github.com/kay0530/weekly-task-manager/internal/model"
	"github.com/kay0530/weekly-task-manager/internal/ops"
	"github.com/kay0530/weekly-task-manager/internal/serverapp"
	"github.com/kay0530/weekly-task-manager/internal/task"
)

var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type globals struct {
	configPath string
}

func rootCmd() *cobra.Command {
	g := &globals{}
	cmd := &cobra.Command{
		Use:           "wtm-ops",
		Short:         "Weekly task manager maintenance",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "wtm.yaml", "config file path (YAML)")

	cmd.AddCommand(
		backupCmd(g),
		restoreCmd(),
		drillCmd(g),
		exportCmd(g),
		importCmd(g),
		snapshotCmd(g),
		migrateCmd(g),
		syncCmd(g),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintln(cmd.OutOrStdout(), Version)
			},
		},
	)
	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	config.LoadDotEnv(".env")
	return config.Load(path)
}

// openApp assembles the same store the server runs on, without serving.
func openApp(ctx context.Context, g *globals) (*serverapp.App, error) {
	cfg, err := loadConfig(g.configPath)
	if err != nil {
		return nil, err
	}
	lvl, err := config.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	return serverapp.New(ctx, serverapp.Options{Config: cfg, Logger: logger})
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func backupCmd(g *globals) *cobra.Command {
	var dataDir, out string
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Archive the data directory as .tar.gz",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dataDir == "" {
				cfg, err := loadConfig(g.configPath)
				if err != nil {
					return err
				}
				dataDir = cfg.Server.DataDir
			}
			if out == "" {
				ts := time.Now().UTC().Format("20060102T150405Z")
				out = filepath.Join("backups", "wtm-"+ts+".tar.gz")
			}
			m, err := ops.BackupDataDir(dataDir, out)
			if err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), m)
		},
	}
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "path to data directory (default: server.data_dir)")
	cmd.Flags().StringVar(&out, "out", "", "output archive path (.tar.gz)")
	return cmd
}

func restoreCmd() *cobra.Command {
	var in, target string
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Extract a backup archive into a directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			if in == "" {
				return fmt.Errorf("--in is required")
			}
			if err := ops.RestoreDataDir(in, target); err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "restore complete: %s -> %s\n", in, target)
			return nil
		},
	}
	cmd.Flags().StringVar(&in, "in", "", "input archive path (.tar.gz)")
	cmd.Flags().StringVar(&target, "target-dir", "data-restore", "restore target directory")
	return cmd
}

func drillCmd(g *globals) *cobra.Command {
	var dataDir, workDir string
	cmd := &cobra.Command{
		Use:   "drill",
		Short: "Back up, restore and verify the data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dataDir == "" {
				cfg, err := loadConfig(g.configPath)
				if err != nil {
					return err
				}
				dataDir = cfg.Server.DataDir
			}
			res, err := ops.Drill(dataDir, workDir, time.Now())
			if err != nil {
				return fmt.Errorf("drill failed: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "path to data directory (default: server.data_dir)")
	cmd.Flags().StringVar(&workDir, "work-dir", filepath.Join("backups", "drill"), "drill workspace")
	return cmd
}

func exportCmd(g *globals) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write every task and snapshot as a JSON document",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd.Context(), g)
			if err != nil {
				return err
			}
			defer app.Close()

			w := cmd.OutOrStdout()
			if out != "" && out != "-" {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			return app.Store.ExportJSON(w)
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default stdout)")
	return cmd
}

func importCmd(g *globals) *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Load a JSON export document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := task.ParseImportMode(mode)
			if err != nil {
				return err
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			app, err := openApp(cmd.Context(), g)
			if err != nil {
				return err
			}
			defer app.Close()

			res, err := app.Store.ImportJSON(cmd.Context(), f, m)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&mode, "mode", string(task.ImportReplace), "replace or merge")
	return cmd
}

func snapshotCmd(g *globals) *cobra.Command {
	var weekKey, savedBy string
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Save the weekly progress snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd.Context(), g)
			if err != nil {
				return err
			}
			defer app.Close()

			snap, err := app.Store.SaveWeeklySnapshot(cmd.Context(), weekKey, savedBy)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), snap)
		},
	}
	cmd.Flags().StringVar(&weekKey, "week", "", "ISO week key such as 2026-W09 (default: current week)")
	cmd.Flags().StringVar(&savedBy, "saved-by", "wtm-ops", "recorded as the snapshot author")
	return cmd
}

func migrateCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate FILE",
		Short: "Import a legacy device-storage dump once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var dump model.LegacyDump
			if err := json.Unmarshal(b, &dump); err != nil {
				return fmt.Errorf("parse legacy dump: %w", err)
			}

			app, err := openApp(cmd.Context(), g)
			if err != nil {
				return err
			}
			defer app.Close()

			marker, migrated, err := app.Store.Migrate(cmd.Context(), dump)
			if err != nil {
				return err
			}
			if !migrated {
				fmt.Fprintln(cmd.ErrOrStderr(), "already migrated; nothing imported")
			}
			return printJSON(cmd.OutOrStdout(), marker)
		},
	}
	return cmd
}

func syncCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Salesforce synchronisation",
	}
	run := func(pull bool) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd.Context(), g)
			if err != nil {
				return err
			}
			defer app.Close()

			op := app.Syncer.Push
			if pull {
				op = app.Syncer.Pull
			}
			res, err := op(cmd.Context())
			if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
				return perr
			}
			return err
		}
	}
	cmd.AddCommand(
		&cobra.Command{Use: "push", Short: "Upsert active tasks into Salesforce", RunE: run(false)},
		&cobra.Command{Use: "pull", Short: "Replace active tasks from Salesforce", RunE: run(true)},
	)
	return cmd
}
