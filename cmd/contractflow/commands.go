package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"contractflow/alert"
	"contractflow/config"
	"contractflow/db"
	"contractflow/httpapi"
	"contractflow/lifecycle"
	"contractflow/outbox"
	"contractflow/sweeper"
)

const shutdownTimeout = 15 * time.Second

func tenantFlag() cli.Flag {
	return &cli.StringFlag{Name: "tenant", Usage: "Tenant id", Required: true}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "Run the HTTP API with the sweep scheduler and outbox relay",
		Action: withRuntime(serve),
	}
}

func serve(ctx context.Context, rt *runtime, _ *cli.Context) error {
	if rt.cfg.HTTP.JWTSecret == "" {
		return cli.Exit("http.jwt_secret is required to serve (or set LIFECYCLE_JWT_SECRET)", 2)
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	api := httpapi.NewServer(httpapi.Deps{
		Lifecycle:      rt.lifecycle,
		Alerts:         rt.alerts,
		Sweeper:        rt.sweeper,
		Query:          rt.query,
		Verifier:       httpapi.NewTokenVerifier(rt.cfg.HTTP.JWTSecret),
		Logger:         rt.logger,
		RequestTimeout: rt.cfg.HTTP.RequestTimeout.Duration,
	})
	srv := &http.Server{
		Addr:              rt.cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rt.logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if rt.cfg.Sweeper.Enabled {
		scheduler := sweeper.NewScheduler(rt.sweeper, rt.cfg.Sweeper.TenantIDs(), rt.cfg.Sweeper.Interval.Duration).
			WithLogger(rt.logger)
		g.Go(func() error { return scheduler.Run(ctx) })
	}

	if rt.cfg.Outbox.Enabled {
		publisher, err := outbox.NewRedisPublisher(outbox.RedisConfig{
			URL:           rt.cfg.Redis.URL,
			ChannelPrefix: rt.cfg.Outbox.ChannelPrefix,
			Retries:       rt.cfg.Outbox.Retries,
		})
		if err != nil {
			return err
		}
		defer publisher.Close()
		relay := outbox.NewRelay(rt.pool, nil, publisher).
			WithBatchSize(rt.cfg.Outbox.BatchSize).
			WithMaxAttempts(rt.cfg.Outbox.MaxAttempts).
			WithInterval(rt.cfg.Outbox.Interval.Duration).
			WithLogger(rt.logger)
		g.Go(func() error { return relay.Run(ctx) })
	}

	err := g.Wait()
	rt.logger.Info("contractflow stopped", zap.Error(err))
	return err
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply pending schema migrations",
		Action: withRuntime(func(ctx context.Context, rt *runtime, c *cli.Context) error {
			applied, err := db.Migrate(ctx, rt.pool)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(c.App.Writer, "schema up to date")
				return nil
			}
			for _, v := range applied {
				fmt.Fprintf(c.App.Writer, "applied %s\n", v)
			}
			return nil
		}),
	}
}

func sweepCommand() *cli.Command {
	return &cli.Command{
		Name:  "sweep",
		Usage: "Expire overdue contracts for one tenant",
		Flags: []cli.Flag{tenantFlag()},
		Action: withRuntime(func(ctx context.Context, rt *runtime, c *cli.Context) error {
			res, err := rt.sweeper.ProcessExpiredContracts(ctx, lifecycle.TenantID(c.String("tenant")))
			if err != nil {
				return err
			}
			return printJSON(c, res)
		}),
	}
}

func alertsCommand() *cli.Command {
	return &cli.Command{
		Name:  "alerts",
		Usage: "Raise renewal or expiration alerts for one tenant",
		Flags: []cli.Flag{
			tenantFlag(),
			&cli.StringFlag{Name: "type", Usage: "renewal or expiration", Value: string(alert.TypeRenewal)},
			&cli.IntFlag{Name: "days", Usage: "Lookahead in days", Value: 30},
		},
		Action: withRuntime(func(ctx context.Context, rt *runtime, c *cli.Context) error {
			t := alert.Type(c.String("type"))
			if t != alert.TypeRenewal && t != alert.TypeExpiration {
				return cli.Exit(fmt.Sprintf("unknown alert type %q", t), 2)
			}
			alerts, err := rt.alerts.Raise(ctx, lifecycle.TenantID(c.String("tenant")), t, c.Int("days"))
			if err != nil {
				return err
			}
			return printJSON(c, alerts)
		}),
	}
}

func verifyCommand() *cli.Command {
	return &cli.Command{
		Name:  "verify",
		Usage: "Rebuild a contract's state from its event log and compare it with the stored row",
		Flags: []cli.Flag{
			tenantFlag(),
			&cli.StringFlag{Name: "contract", Usage: "Contract id", Required: true},
		},
		Action: withRuntime(func(ctx context.Context, rt *runtime, c *cli.Context) error {
			snap, err := rt.lifecycle.VerifyProjection(ctx, lifecycle.TenantID(c.String("tenant")), c.String("contract"))
			if err != nil {
				return cli.Exit(fmt.Sprintf("verification failed: %s: %v", lifecycle.Reason(err), err), 1)
			}
			return printJSON(c, snap)
		}),
	}
}

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "Issue an API bearer token",
		Flags: []cli.Flag{
			tenantFlag(),
			&cli.StringFlag{Name: "actor", Usage: "Actor id recorded on events"},
			&cli.DurationFlag{Name: "ttl", Usage: "Token lifetime", Value: 24 * time.Hour},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return cli.Exit(err.Error(), 2)
			}
			if cfg.HTTP.JWTSecret == "" {
				return cli.Exit("http.jwt_secret is required (or set LIFECYCLE_JWT_SECRET)", 2)
			}
			token, err := httpapi.NewTokenVerifier(cfg.HTTP.JWTSecret).
				Issue(lifecycle.TenantID(c.String("tenant")), c.String("actor"), c.Duration("ttl"))
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, token)
			return nil
		},
	}
}

func printJSON(c *cli.Context, v any) error {
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
