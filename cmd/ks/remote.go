package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"keepsake/internal/app"
	"keepsake/internal/domain"
	"keepsake/internal/repo"
	"keepsake/internal/server"
	keepsakesdk "keepsake/sdk/go"
)

func apiKeyCmd() *cobra.Command {
	keys := &cobra.Command{Use: "apikey", Short: "Manage control API keys"}

	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the key is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				secret := "ks_" + strings.ReplaceAll(uuid.NewString(), "-", "")
				key := domain.APIKey{
					ID:        uuid.NewString(),
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := env.Engine.Repo.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "name": key.Name, "key": secret})
				}
				fmt.Printf("Created API key %s\n%s\n", key.ID, secret)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "label for the key")
	keys.AddCommand(create)

	keys.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				items, err := env.Engine.Repo.ListAPIKeys(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"ID", "NAME", "CREATED"})
				for _, k := range items {
					t.AppendRow(table.Row{k.ID, k.Name, k.CreatedAt})
				}
				t.Render()
				return nil
			})
		},
	})

	keys.AddCommand(&cobra.Command{
		Use:   "revoke ID",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				if err := env.Engine.Repo.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Revoked %s\n", args[0])
				return nil
			})
		},
	})
	return keys
}

func tokenCmd() *cobra.Command {
	var subject string
	var perms []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with KEEPSAKE_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := server.SignToken(viper.GetString("jwt-secret"), subject, perms, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject")
	cmd.Flags().StringSliceVar(&perms, "permission", nil, "granted permission, e.g. "+server.PermQueueWrite)
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for none)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func remoteCmd() *cobra.Command {
	remote := &cobra.Command{Use: "remote", Short: "Drive a running shell's queue over the control API"}
	remote.PersistentFlags().String("api-url", "http://127.0.0.1:8080", "control API address")
	remote.PersistentFlags().String("api-key", "", "API key (or KEEPSAKE_API_KEY)")
	remote.PersistentFlags().String("token", "", "bearer token (or KEEPSAKE_TOKEN)")
	_ = viper.BindPFlag("api-url", remote.PersistentFlags().Lookup("api-url"))
	_ = viper.BindPFlag("api-key", remote.PersistentFlags().Lookup("api-key"))
	_ = viper.BindPFlag("token", remote.PersistentFlags().Lookup("token"))

	remote.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the remote queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := remoteClient().Queue(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(st)
			}
			n := st.Counts
			fmt.Printf("queued %d, running %d, done %d (%d failed), executors %d/%d, avg %s\n",
				n.Pending, n.Running, n.Completed, n.Failed, n.Executors, n.PoolSize, st.AverageCompletionTime.Round(time.Millisecond))
			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"#", "STATE", "ACTION", "TOOK"})
			for _, it := range st.Running {
				t.AppendRow(table.Row{"-", it.State, it.Name, ""})
			}
			for _, it := range st.Pending {
				t.AppendRow(table.Row{it.Position, it.State, it.Name, ""})
			}
			for _, it := range st.Completed {
				t.AppendRow(table.Row{"-", it.State, it.Name, it.Duration.Round(time.Millisecond).String()})
			}
			t.Render()
			return nil
		},
	})
	remote.AddCommand(&cobra.Command{
		Use:   "reorder POSITIONS top|bottom|N",
		Short: "Move pending actions",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			pending, err := retryBusy(cmd.Context(), func() ([]string, error) {
				return remoteClient().Reorder(cmd.Context(), args[0], args[1])
			})
			if err != nil {
				return err
			}
			for i, name := range pending {
				fmt.Printf("%d. %s\n", i+1, name)
			}
			return nil
		},
	})
	remote.AddCommand(&cobra.Command{
		Use:   "dequeue POSITIONS",
		Short: "Remove pending actions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			removed, err := retryBusy(cmd.Context(), func() ([]string, error) {
				return remoteClient().Dequeue(cmd.Context(), args[0])
			})
			if err != nil {
				return err
			}
			for _, name := range removed {
				fmt.Printf("removed %s\n", name)
			}
			return nil
		},
	})
	remote.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Forget completed actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := retryBusy(cmd.Context(), func() (int, error) {
				return remoteClient().ClearCompleted(cmd.Context())
			})
			if err != nil {
				return err
			}
			fmt.Printf("cleared %d completed action(s)\n", n)
			return nil
		},
	})
	remote.AddCommand(&cobra.Command{
		Use:   "pool-size N",
		Short: "Resize the remote executor pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil || n < 0 {
				return fmt.Errorf("%q is not a valid pool size", args[0])
			}
			size, err := retryBusy(cmd.Context(), func() (int, error) {
				return remoteClient().SetPoolSize(cmd.Context(), n)
			})
			if err != nil {
				return err
			}
			fmt.Printf("pool size set to %d\n", size)
			return nil
		},
	})
	remote.AddCommand(&cobra.Command{
		Use:   "devices",
		Short: "List devices known to the remote catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, err := remoteClient().Devices(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(devices)
			}
			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"NAME", "MOUNT", "FREE"})
			for _, d := range devices {
				t.AppendRow(table.Row{d.Name, d.MountPath, d.Free})
			}
			t.Render()
			return nil
		},
	})
	var n int
	events := &cobra.Command{
		Use:   "events",
		Short: "Show recent remote catalog events",
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := remoteClient().Events(cmd.Context(), n)
			if err != nil {
				return err
			}
			return printJSONOrTable(items)
		},
	}
	events.Flags().IntVar(&n, "n", 20, "number of events")
	remote.AddCommand(events)
	return remote
}

func remoteClient() *keepsakesdk.Client {
	c := keepsakesdk.New(viper.GetString("api-url"))
	c.APIKey = viper.GetString("api-key")
	c.BearerToken = viper.GetString("token")
	return c
}

// retryBusy repeats a queue mutation the server rejected because the queue
// was momentarily locked.
func retryBusy[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	const attempts = 5
	var (
		out T
		err error
	)
	for i := 0; i < attempts; i++ {
		out, err = fn()
		var apiErr *keepsakesdk.APIError
		if !errors.As(err, &apiErr) || !apiErr.Busy() {
			return out, err
		}
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case <-time.After(time.Duration(i+1) * 50 * time.Millisecond):
		}
	}
	return out, err
}
