package app

import (
	"context"
	"net"

	reuse "github.com/libp2p/go-reuseport"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/pg-sharding/reshard/pkg/config"
	"github.com/pg-sharding/reshard/pkg/participant"
	"github.com/pg-sharding/reshard/pkg/rslog"
)

type App struct {
	node *participant.Node
}

func NewApp(node *participant.Node) *App {
	return &App{
		node: node,
	}
}

// Run resumes the node's operations and serves the participant api until
// ctx is done.
func (app *App) Run(ctx context.Context) error {
	rslog.Zero.Info().Str("shard", app.node.ShardID).Msg("running participant app")

	if err := app.node.Recover(ctx); err != nil {
		return err
	}
	defer func() {
		if err := app.node.Close(); err != nil {
			rslog.Zero.Error().Err(err).Msg("failed to close participant")
		}
	}()
	return app.ServeGrpcApi(ctx)
}

func (app *App) ServeGrpcApi(ctx context.Context) error {
	serv := grpc.NewServer()
	reflection.Register(serv)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(serv, hs)
	participant.RegisterService(serv, app.node)

	address := net.JoinHostPort(config.ParticipantConfig().Host, config.ParticipantConfig().GrpcApiPort)
	listener, err := reuse.Listen("tcp", address)
	if err != nil {
		rslog.Zero.Error().
			Err(err).
			Msg("error serve grpc participant service")
		return err
	}

	go func() {
		<-ctx.Done()
		hs.Shutdown()
		serv.GracefulStop()
	}()

	rslog.Zero.Info().
		Str("address", address).
		Str("shard", app.node.ShardID).
		Msg("serve grpc participant service")

	return serv.Serve(listener)
}
