// Package server assembles and hosts the StoneCaster game service: the REST
// API over the turn pipeline plus a gRPC health endpoint for orchestration
// probes.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/Daakon/stone-caster-2-sub003/internal/platform/config"
	"github.com/Daakon/stone-caster-2-sub003/internal/platform/timeouts"
	"github.com/Daakon/stone-caster-2-sub003/internal/services/game/api/rest"
	"github.com/Daakon/stone-caster-2-sub003/internal/services/game/applier"
	"github.com/Daakon/stone-caster-2-sub003/internal/services/game/assembler"
	"github.com/Daakon/stone-caster-2-sub003/internal/services/game/engine"
	"github.com/Daakon/stone-caster-2-sub003/internal/services/game/generation"
	"github.com/Daakon/stone-caster-2-sub003/internal/services/game/idempotency"
	"github.com/Daakon/stone-caster-2-sub003/internal/services/game/ledger"
	"github.com/Daakon/stone-caster-2-sub003/internal/services/game/normalizer"
	"github.com/Daakon/stone-caster-2-sub003/internal/services/game/pricing"
	storagesqlite "github.com/Daakon/stone-caster-2-sub003/internal/services/game/storage/sqlite"
	"github.com/Daakon/stone-caster-2-sub003/internal/telemetry"
)

// serverEnv holds environment-backed server configuration.
type serverEnv struct {
	DBPath          string `env:"STONECASTER_GAME_DB_PATH"`
	PricingPath     string `env:"STONECASTER_PRICING_PATH"`
	GenerationURL   string `env:"STONECASTER_GENERATION_URL"`
	GenerationKey   string `env:"STONECASTER_GENERATION_API_KEY"`
	GenerationModel string `env:"STONECASTER_GENERATION_MODEL" envDefault:"gpt-4o-mini"`
	BudgetTokens    int    `env:"STONECASTER_PROMPT_BUDGET_TOKENS"`
	GuestGrant      int    `env:"STONECASTER_GUEST_GRANT"`
	LegacyPipeline  bool   `env:"STONECASTER_GAME_LEGACY_PIPELINE"`
}

// Server hosts the StoneCaster game service.
type Server struct {
	httpListener net.Listener
	grpcListener net.Listener
	httpServer   *http.Server
	grpcServer   *grpc.Server
	health       *health.Server
	store        *storagesqlite.Store
}

// New creates a configured game server listening on the provided addresses.
func New(httpAddr, grpcAddr string) (server *Server, err error) {
	var srvEnv serverEnv
	if err := config.ParseEnv(&srvEnv); err != nil {
		return nil, err
	}

	httpListener, err := net.Listen("tcp", httpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", httpAddr, err)
	}
	defer func() {
		if err != nil {
			_ = httpListener.Close()
		}
	}()

	grpcListener, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", grpcAddr, err)
	}
	defer func() {
		if err != nil {
			_ = grpcListener.Close()
		}
	}()

	store, err := openGameStore(srvEnv.DBPath)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = store.Close()
		}
	}()

	resolver, err := pricing.Load(srvEnv.PricingPath, pricing.DefaultTurnCost)
	if err != nil {
		return nil, fmt.Errorf("load pricing: %w", err)
	}

	grants, err := rest.LoadGrantConfigFromEnv(nil)
	if err != nil {
		return nil, err
	}

	invoker := generation.NewOpenAIInvoker(generation.OpenAIConfig{
		ResponsesURL: srvEnv.GenerationURL,
		APIKey:       srvEnv.GenerationKey,
	})
	ledgerService := ledger.NewService(store, srvEnv.GuestGrant)

	turnEngine := engine.New(engine.Config{
		Sessions:       store,
		Turns:          store,
		Guard:          idempotency.NewGuard(store),
		Ledger:         ledgerService,
		Pricing:        resolver,
		Assembler:      assembler.New(),
		Generator:      generation.NewClient(invoker, srvEnv.GenerationModel),
		Normalizer:     normalizer.New(),
		Applier:        applier.New(store),
		Emitter:        telemetry.NewEmitter(store),
		BudgetTokens:   srvEnv.BudgetTokens,
		LegacyPipeline: srvEnv.LegacyPipeline,
	})

	handler := rest.New(rest.Config{
		Executor: turnEngine,
		Sessions: store,
		Turns:    store,
		Ledger:   ledgerService,
		Grants:   grants,
	})

	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	return &Server{
		httpListener: httpListener,
		grpcListener: grpcListener,
		httpServer: &http.Server{
			Handler:           handler.Routes(),
			ReadHeaderTimeout: timeouts.ReadHeader,
		},
		grpcServer: grpcServer,
		health:     healthServer,
		store:      store,
	}, nil
}

// Addr returns the HTTP listener address.
func (s *Server) Addr() string {
	if s == nil || s.httpListener == nil {
		return ""
	}
	return s.httpListener.Addr().String()
}

// GRPCAddr returns the gRPC listener address.
func (s *Server) GRPCAddr() string {
	if s == nil || s.grpcListener == nil {
		return ""
	}
	return s.grpcListener.Addr().String()
}

// Run creates and serves a game server until the context ends.
func Run(ctx context.Context, httpAddr, grpcAddr string) error {
	server, err := New(httpAddr, grpcAddr)
	if err != nil {
		return err
	}
	return server.Serve(ctx)
}

// Serve starts both listeners and blocks until one fails or the context ends.
func (s *Server) Serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	defer s.closeStore()

	log.Printf("game http listening at %v", s.httpListener.Addr())
	log.Printf("game grpc listening at %v", s.grpcListener.Addr())

	serveErr := make(chan error, 2)
	go func() {
		err := s.httpServer.Serve(s.httpListener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		serveErr <- err
	}()
	go func() {
		err := s.grpcServer.Serve(s.grpcListener)
		if errors.Is(err, grpc.ErrServerStopped) {
			err = nil
		}
		serveErr <- err
	}()

	select {
	case <-ctx.Done():
		s.shutdown()
		<-serveErr
		<-serveErr
		return nil
	case err := <-serveErr:
		s.shutdown()
		<-serveErr
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	}
}

func (s *Server) shutdown() {
	if s.health != nil {
		s.health.Shutdown()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
	defer cancel()
	_ = s.httpServer.Shutdown(shutdownCtx)
	s.grpcServer.GracefulStop()
}

func (s *Server) closeStore() {
	if s == nil || s.store == nil {
		return
	}
	if err := s.store.Close(); err != nil {
		log.Printf("close game store: %v", err)
	}
}

func openGameStore(path string) (*storagesqlite.Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = filepath.Join("data", "game.db")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}

	store, err := storagesqlite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	return store, nil
}
