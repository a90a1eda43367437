// Package game parses game command flags and starts the service runtime.
package game

import (
	"context"
	"flag"

	entrypoint "github.com/Daakon/stone-caster-2-sub003/internal/platform/cmd"
	server "github.com/Daakon/stone-caster-2-sub003/internal/services/game/app"
)

// Config holds game command configuration.
type Config struct {
	HTTPAddr string `env:"STONECASTER_GAME_HTTP_ADDR" envDefault:":8080"`
	GRPCAddr string `env:"STONECASTER_GAME_GRPC_ADDR" envDefault:":9090"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "The game HTTP listen address")
	fs.StringVar(&cfg.GRPCAddr, "grpc-addr", cfg.GRPCAddr, "The game gRPC health listen address")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the game service.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceGame, func(ctx context.Context) error {
		return server.Run(ctx, cfg.HTTPAddr, cfg.GRPCAddr)
	})
}
