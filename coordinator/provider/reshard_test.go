package provider_test

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/pg-sharding/reshard/coordinator"
	coord "github.com/pg-sharding/reshard/coordinator/pkg"
	"github.com/pg-sharding/reshard/coordinator/provider"
	"github.com/pg-sharding/reshard/pkg/models/rserror"
	"github.com/pg-sharding/reshard/pkg/participant"
	"github.com/pg-sharding/reshard/qdb"
)

func serve(t *testing.T, impl coordinator.Coordinator) *provider.Client {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server := grpc.NewServer()
	provider.RegisterReshardService(server, provider.NewReshardService(impl))
	go func() {
		_ = server.Serve(lis)
	}()
	t.Cleanup(server.Stop)

	client, err := provider.Dial(lis.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestReshardServiceRoundTrip(t *testing.T) {
	assert := assert.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := qdb.NewMemQDB("")
	require.NoError(t, err)
	qc := coord.NewReshardCoordinator(db, participant.NewPool(nil, nil), coord.Options{Addr: "localhost:7002"})
	client := serve(t, qc)

	_, err = client.ShardCollection(ctx, &coordinator.ShardRequest{
		Namespace:    "db.orders",
		PartitionKey: qdb.PartitionKey{Field: "_id", Hash: "ident"},
		Shards:       []string{"sh1"},
	})
	assert.True(rserror.IsRetryable(err), "writes are refused before the lock is taken")

	qc.RunCoordinator(ctx)
	md, err := client.ShardCollection(ctx, &coordinator.ShardRequest{
		Namespace:    "db.orders",
		PartitionKey: qdb.PartitionKey{Field: "_id", Hash: "ident"},
		Shards:       []string{"sh1"},
	})
	require.NoError(t, err)
	assert.Equal(uint64(1), md.Version)
	assert.Equal("db.orders", md.Namespace)

	_, err = client.ShardCollection(ctx, &coordinator.ShardRequest{
		Namespace:    "db.orders",
		PartitionKey: qdb.PartitionKey{Field: "_id", Hash: "ident"},
		Shards:       []string{"sh1"},
	})
	assert.Error(err)

	_, err = client.GetReshardStatus(ctx, "missing")
	assert.True(rserror.HasCode(err, rserror.RS_NO_SUCH_OPERATION))

	err = client.AbortReshard(ctx, "missing")
	assert.True(rserror.HasCode(err, rserror.RS_NO_SUCH_OPERATION))

	_, err = client.ReshardCollection(ctx, &coordinator.ReshardRequest{
		Namespace:       "db.orders",
		NewPartitionKey: qdb.PartitionKey{Field: "customer", Hash: "sha"},
	})
	assert.True(rserror.HasCode(err, rserror.RS_INVALID_REQUEST))

	ops, err := client.ListOperations(ctx)
	require.NoError(t, err)
	assert.Empty(ops)

	stats, err := client.GetStatistics(ctx)
	require.NoError(t, err)
	assert.NotNil(stats)
}
