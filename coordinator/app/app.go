package app

import (
	"context"
	"net"
	"time"

	reuse "github.com/libp2p/go-reuseport"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/pg-sharding/reshard/coordinator"
	"github.com/pg-sharding/reshard/coordinator/provider"
	"github.com/pg-sharding/reshard/pkg/config"
	"github.com/pg-sharding/reshard/pkg/rslog"
)

type App struct {
	coordinator coordinator.Coordinator
}

func NewApp(c coordinator.Coordinator) *App {
	return &App{
		coordinator: c,
	}
}

func (app *App) Run(ctx context.Context) error {
	rslog.Zero.Info().Msg("running coordinator app")

	// the api answers reads while another coordinator holds the lock
	go app.coordinator.RunCoordinator(ctx)

	err := app.ServeGrpcApi(ctx)
	rslog.Zero.Debug().Msg("exit coordinator app")
	return err
}

func (app *App) ServeGrpcApi(ctx context.Context) error {
	serv := grpc.NewServer()
	reflection.Register(serv)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(serv, hs)
	provider.RegisterReshardService(serv, provider.NewReshardService(app.coordinator))

	address := net.JoinHostPort(config.CoordinatorConfig().Host, config.CoordinatorConfig().GrpcApiPort)
	listener, err := reuse.Listen("tcp", address)
	if err != nil {
		rslog.Zero.Error().
			Err(err).
			Msg("error serve grpc coordinator service")
		return err
	}

	go func() {
		t := time.NewTicker(time.Second)
		defer t.Stop()
		for {
			status := healthpb.HealthCheckResponse_SERVING
			if app.coordinator.IsReadOnly() {
				status = healthpb.HealthCheckResponse_NOT_SERVING
			}
			hs.SetServingStatus("", status)

			select {
			case <-ctx.Done():
				hs.Shutdown()
				serv.GracefulStop()
				return
			case <-t.C:
			}
		}
	}()

	rslog.Zero.Info().
		Str("address", address).
		Msg("serve grpc coordinator service")

	return serv.Serve(listener)
}
