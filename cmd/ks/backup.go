package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"keepsake/internal/action"
	"keepsake/internal/app"
	"keepsake/internal/command"
	"keepsake/internal/controller"
	"keepsake/internal/db"
	"keepsake/internal/devicemgr"
	"keepsake/internal/engine"
	"keepsake/internal/fsutil"
	"keepsake/internal/queue"
	"keepsake/internal/server"
)

func managerCmd() *cobra.Command {
	mgr := &cobra.Command{Use: "manager", Short: "Run or stop the device manager"}
	mgr.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Serve device allocation on the manager socket until stopped",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				m := newManager(env)
				fmt.Printf("Device manager on %s (stop with 'ks manager stop')\n", env.Config.Manager.SocketPath)
				return m.Serve(ctx)
			})
		},
	})
	mgr.AddCommand(&cobra.Command{
		Use:   "stop",
		Short: "Stop a running device manager over its control channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			socket := cfg.Manager.SocketPath
			token, err := devicemgr.ReadControlToken(socket)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			if err := devicemgr.StopManager(ctx, socket, app.CodecFor(cfg.Manager), token); err != nil {
				return err
			}
			fmt.Printf("Stopped device manager on %s\n", socket)
			return nil
		},
	})
	return mgr
}

func addCmd() *cobra.Command {
	var files, folders, devices []string
	var threads int
	var yes bool
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Back up a file or folder now",
		Long: `Resolves a device, copies the file or folder with a private executor pool and
records the result in the catalog. Uses the running device manager when there is
one and starts a private manager otherwise.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				var stopper queue.Stopper
				socket := env.Config.Manager.SocketPath
				client, err := devicemgr.Dial(ctx, socket, env.Codec())
				if err != nil {
					m := newManager(env)
					if err := m.Start(ctx); err != nil {
						return err
					}
					defer func() {
						m.Stop()
						<-m.Done()
					}()
					stopper = m
					if client, err = devicemgr.Dial(ctx, socket, env.Codec()); err != nil {
						return err
					}
				}
				defer client.Close()

				add := &command.Add{
					Files:     files,
					Folders:   folders,
					Devices:   devices,
					Allocator: client,
					Catalog:   env.Engine,
					Prompter:  &stdinPrompter{in: bufio.NewReader(os.Stdin), out: os.Stdout, yes: yes},
				}
				add.Validate(ctx)
				actions := add.Actions(ctx)
				for _, m := range add.Messages() {
					fmt.Println(m)
				}
				if err := add.Err(); err != nil {
					return err
				}
				if len(actions) == 0 {
					return nil
				}

				q := queue.New(context.WithoutCancel(ctx), queue.Config{
					PoolSize:     threads,
					PollInterval: env.Config.Queue.PollInterval,
					Stopper:      stopper,
					OnComplete:   recordOutcome(env),
					Logger:       env.Logger,
				})
				q.Enqueue(actions...)
				waitErr := drain(ctx, q, env.Config.Queue.PollInterval)
				client.Close()
				if err := q.Exit(context.WithoutCancel(ctx)); err != nil {
					return err
				}
				if err := reportCompleted(os.Stdout, q.Completed()); err != nil {
					return err
				}
				return waitErr
			})
		},
	}
	cmd.Flags().StringArrayVar(&files, "file", nil, "absolute path of a file to back up")
	cmd.Flags().StringArrayVar(&folders, "folder", nil, "absolute path of a folder to back up")
	cmd.Flags().StringArrayVar(&devices, "device", nil, "device name or mount path")
	cmd.Flags().IntVar(&threads, "threads", 2, "executors copying in parallel")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "accept a substitute device without asking")
	return cmd
}

func interactiveCmd() *cobra.Command {
	var apiAddr string
	var threads int
	cmd := &cobra.Command{
		Use:   "interactive",
		Short: "Start the device manager and an interactive backup shell",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				m := newManager(env)
				if err := m.Start(ctx); err != nil {
					return err
				}
				defer func() {
					m.Stop()
					<-m.Done()
				}()
				session := devicemgr.NewSession(m.SocketPath(), env.Codec())
				defer session.Close()

				pool := env.Config.Queue.PoolSize
				if cmd.Flags().Changed("threads") {
					pool = threads
				}
				q := queue.New(context.WithoutCancel(ctx), queue.Config{
					PoolSize:     pool,
					PollInterval: env.Config.Queue.PollInterval,
					Stopper:      m,
					OnComplete:   recordOutcome(env),
					Logger:       env.Logger,
				})
				rl, err := controller.NewReadline(filepath.Join(db.StateDir(env.Workspace), "history"), deviceNames(m))
				if err != nil {
					return err
				}
				shell := controller.New(controller.Config{
					Queue:          q,
					Catalog:        env.Engine,
					Allocator:      session,
					Reader:         rl,
					Out:            rl.Stdout(),
					StatusInterval: env.Config.Queue.StatusInterval,
					Logger:         env.Logger,
				})

				if apiAddr == "" {
					apiAddr = env.Config.API.Addr
				}
				g, gctx := errgroup.WithContext(ctx)
				runCtx, cancel := context.WithCancel(gctx)
				defer cancel()
				g.Go(func() error {
					defer cancel()
					return shell.Run(runCtx)
				})
				g.Go(func() error {
					<-runCtx.Done()
					rl.Close()
					return nil
				})
				if apiAddr != "" {
					g.Go(func() error { return serveAPI(runCtx, env, q, apiAddr) })
				}
				if len(env.Config.Webhooks) > 0 {
					g.Go(func() error {
						return server.NewWebhookDispatcher(env.Engine.Repo, env.Config.Webhooks, env.Logger).Run(runCtx)
					})
				}
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&apiAddr, "api-addr", "", "serve the control API on this address (e.g. 127.0.0.1:8080)")
	cmd.Flags().IntVar(&threads, "threads", 2, "initial executor count (overrides queue.pool_size)")
	return cmd
}

func serveAPI(ctx context.Context, env *app.Env, q *queue.Coordinator, addr string) error {
	secret := viper.GetString("jwt-secret")
	if secret == "" {
		env.Logger.Warn("KEEPSAKE_JWT_SECRET not set, only API keys are accepted")
	}
	handler, err := server.New(server.Config{
		Engine:    env.Engine,
		Queue:     q,
		FreeSpace: fsutil.FreeSpace,
		BasePath:  env.Config.API.BasePath,
		Auth:      server.AuthConfig{JWTSecret: secret, Logger: env.Logger},
		Logger:    env.Logger,
	})
	if err != nil {
		return err
	}
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	env.Logger.Info("control api listening", "addr", addr, "base_path", env.Config.API.BasePath)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newManager(env *app.Env) *devicemgr.Manager {
	return devicemgr.New(env.ManagerConfig(), env.Engine, fsutil.FreeSpace, clock.WallClock, env.Logger)
}

func deviceNames(m *devicemgr.Manager) func() []string {
	return func() []string {
		entries := m.Devices()
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Device.Name)
		}
		return names
	}
}

func recordOutcome(env *app.Env) func(*action.Action) {
	return func(a *action.Action) {
		ok, _ := a.Success()
		err := env.Engine.RecordActionOutcome(context.Background(), engine.ActionOutcome{
			ID:        a.ID(),
			Name:      a.Name(),
			Succeeded: ok,
			Duration:  a.Duration(),
			Errors:    a.Errors(),
		})
		if err != nil {
			env.Logger.Warn("recording action outcome failed", "action", a.Name(), "err", err)
		}
	}
}

// drain keeps the pool staffed until nothing is pending or running.
func drain(ctx context.Context, q *queue.Coordinator, poll time.Duration) error {
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		q.Maintain()
		if n := q.Counts(); n.Pending == 0 && n.Running == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func reportCompleted(w io.Writer, completed []*action.Action) error {
	failed := 0
	for _, a := range completed {
		if ok, _ := a.Success(); ok {
			fmt.Fprintf(w, "ok      %s (%s)\n", a.Name(), a.Duration().Round(time.Millisecond))
			continue
		}
		failed++
		fmt.Fprintf(w, "FAILED  %s: %s\n", a.Name(), strings.Join(a.Errors(), "; "))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d action(s) failed", failed, len(completed))
	}
	return nil
}

// stdinPrompter answers substitution questions on the terminal.
type stdinPrompter struct {
	in  *bufio.Reader
	out io.Writer
	yes bool
}

func (p *stdinPrompter) Confirm(question string) (bool, error) {
	if p.yes {
		fmt.Fprintf(p.out, "%s yes\n", question)
		return true, nil
	}
	fmt.Fprintf(p.out, "%s [y/N] ", question)
	answer, err := p.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}
