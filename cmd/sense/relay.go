package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sukesh-kandasamy/sense/internal/relay"
)

func NewRelayCmd(deps *Dependencies) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the signaling relay and analysis hub",
		Long: `Serve /ws/<room> (two-party signaling), /ws/emotion/<room> (analysis
frames), /ws/insights/<room> (insight stream) and /emotion/status.

With relay.secret set, every websocket must carry a valid session cookie.
With relay.redis_url set, the latest insight per room lives in Redis.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rc := deps.Config.Relay
			if addr != "" {
				rc.Addr = addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			var store relay.InsightStore
			if rc.RedisURL != "" {
				rs, err := relay.NewRedisStore(ctx, rc.RedisURL, rc.InsightTTL)
				if err != nil {
					return err
				}
				store = rs
				log.Info().Str("module", "main").Msg("insights stored in redis")
			} else {
				store = relay.NewMemoryStore(rc.InsightTTL)
			}

			srv := relay.New(relay.Options{
				Mode:       rc.Mode,
				Secret:     rc.Secret,
				CookieName: deps.Config.SessionCookie,
				ReadLimit:  rc.ReadLimit,
			}, store, relay.StandIn{})

			if err := srv.Serve(ctx, rc.Addr); err != nil {
				return err
			}
			log.Info().Str("module", "main").Msg("relay exited gracefully")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides relay.addr)")

	cmd.AddCommand(newRelayTokenCmd(deps))
	return cmd
}

func newRelayTokenCmd(deps *Dependencies) *cobra.Command {
	var (
		role string
		ttl  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token <subject>",
		Short: "Sign a session token accepted by this relay",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := relay.IssueToken(deps.Config.Relay.Secret, args[0], role, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}
