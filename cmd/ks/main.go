package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"keepsake/internal/app"
	"keepsake/internal/command"
	"keepsake/internal/config"
	"keepsake/internal/db"
	"keepsake/internal/engine"
	"keepsake/internal/fsutil"
)

var rootCmd = &cobra.Command{
	Use:   "ks",
	Short: "Keepsake backup CLI",
	Long: `Keepsake copies files and folders onto registered backup devices and keeps a catalog
of what went where.
- Workspace: the .keepsake directory holding the catalog database and shell history.
- Devices: registered mount points; a device manager arbitrates their free space so
  concurrent backups never overcommit a device.
- Actions: one file or folder copy each, run by an elastic pool of executors.
- Event log: catalog changes, view with 'ks log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("KEEPSAKE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/keepsake.yml)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(deviceCmd())
	rootCmd.AddCommand(listDevicesCmd())
	rootCmd.AddCommand(filesCmd())
	rootCmd.AddCommand(managerCmd())
	rootCmd.AddCommand(addCmd())
	rootCmd.AddCommand(interactiveCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(remoteCmd())
	rootCmd.AddCommand(logCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the workspace, its config and catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				fmt.Printf("Config already exists at %s (use --force to overwrite)\n", path)
			} else {
				if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", path)
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				fmt.Printf("Catalog ready at %s\n", db.Path(workspace))
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func configCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	})
	cfgCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	return cfgCmd
}

func deviceCmd() *cobra.Command {
	dev := &cobra.Command{Use: "device", Short: "Manage backup devices"}
	dev.AddCommand(deviceRegisterCmd())
	dev.AddCommand(deviceListCmd())
	dev.AddCommand(deviceRemoveCmd())
	return dev
}

func deviceRegisterCmd() *cobra.Command {
	var opts engine.DeviceOptions
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a backup device",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				d, err := env.Engine.RegisterDevice(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(d)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "device name")
	cmd.Flags().StringVar(&opts.MountPath, "mount", "", "absolute mount path")
	cmd.Flags().StringVar(&opts.IdentifierType, "id-type", "path", "identifier type (uuid, label, serial, path)")
	cmd.Flags().StringVar(&opts.Identifier, "id", "", "identifier value (defaults to the mount path)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("mount")
	return cmd
}

func deviceListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List devices with free space and file counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				devices, err := env.Engine.ListDevices(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(devices)
				}
				counts, err := env.Engine.Repo.CountFilesByDevice(ctx)
				if err != nil {
					return err
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"NAME", "MOUNT", "IDENTIFIER", "FREE", "FILES"})
				for _, d := range devices {
					free := "unavailable"
					if n, err := fsutil.FreeSpace(d.MountPath); err == nil {
						free = humanize.IBytes(n)
					}
					t.AppendRow(table.Row{d.Name, d.MountPath, d.IdentifierType + ":" + d.Identifier, free, counts[d.ID]})
				}
				t.Render()
				return nil
			})
		},
	}
}

func deviceRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove NAME|MOUNT",
		Short: "Remove a device and its catalog entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				if err := env.Engine.RemoveDevice(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Removed %s\n", args[0])
				return nil
			})
		},
	}
}

func listDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-devices",
		Short: "Show registered devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				c := &command.ListDevices{Catalog: env.Engine}
				c.Validate(ctx)
				c.Actions(ctx)
				for _, m := range c.Messages() {
					fmt.Println(m)
				}
				return c.Err()
			})
		},
	}
}

func filesCmd() *cobra.Command {
	var device string
	var n int
	cmd := &cobra.Command{
		Use:   "files",
		Short: "List backed up files, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				files, err := env.Engine.ListFiles(ctx, device, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(files)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"PATH", "BACKUP", "SIZE", "MODE", "OWNER", "CREATED"})
				for _, f := range files {
					t.AppendRow(table.Row{f.Path, f.BackupPath, humanize.IBytes(uint64(f.Size)),
						f.Security.Permissions, f.Security.Owner + ":" + f.Security.Group, f.CreatedAt})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&device, "device", "", "only files on this device (name or mount path)")
	cmd.Flags().IntVar(&n, "n", 50, "number of files (0 for all)")
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Catalog event log"}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				events, err := env.Engine.Repo.LatestEvents(ctx, n, 0, evtType)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ID", "TS", "TYPE", "ENTITY", "PAYLOAD"})
				for _, e := range events {
					t.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + ":" + e.EntityID, e.Payload})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	if path := viper.GetString("config"); path != "" {
		return config.FromFile(path)
	}
	return config.LoadOptional(viper.GetString("workspace"))
}

func withEnv(ctx context.Context, fn func(context.Context, *app.Env) error) error {
	env, err := app.Open(ctx, viper.GetString("workspace"), app.Options{ConfigPath: viper.GetString("config")})
	if err != nil {
		return err
	}
	defer env.Close()
	return fn(ctx, env)
}

func printJSONOrTable(v any) error {
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
