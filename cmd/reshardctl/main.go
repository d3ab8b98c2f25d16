package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/pg-sharding/reshard/coordinator"
	"github.com/pg-sharding/reshard/coordinator/provider"
	"github.com/pg-sharding/reshard/qdb"
)

var (
	endpoint   string
	timeout    time.Duration
	hash       string
	recipients []string
	shards     []string
	chunkFlags []string
)

// parseChunks reads "<lower bound>:<shard>" pairs, the first chunk has an
// empty lower bound. Each chunk ends where the next one starts.
func parseChunks(specs []string) ([]qdb.Chunk, error) {
	type start struct {
		lower string
		shard string
	}
	starts := make([]start, 0, len(specs))
	for _, spec := range specs {
		i := strings.LastIndex(spec, ":")
		if i < 0 || i == len(spec)-1 {
			return nil, errors.Errorf("chunk %q is not <lower bound>:<shard>", spec)
		}
		starts = append(starts, start{lower: spec[:i], shard: spec[i+1:]})
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i].lower < starts[j].lower })

	chunks := make([]qdb.Chunk, len(starts))
	for i, st := range starts {
		if st.lower != "" {
			chunks[i].Range.LowerBound = []byte(st.lower)
		}
		if i+1 < len(starts) {
			chunks[i].Range.UpperBound = []byte(starts[i+1].lower)
		}
		chunks[i].ShardID = st.shard
	}
	return chunks, nil
}

func withClient(f func(ctx context.Context, c *provider.Client) (any, error)) error {
	c, err := provider.Dial(endpoint)
	if err != nil {
		return errors.Wrapf(err, "connect to coordinator at %s", endpoint)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	res, err := f(ctx, c)
	if err != nil {
		return err
	}
	if res == nil {
		return nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

var rootCmd = &cobra.Command{
	Use:   "reshardctl",
	Short: "manage resharding operations",
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	SilenceUsage: true,
}

var startCmd = &cobra.Command{
	Use:   "start <namespace> <field>",
	Short: "reshard a namespace by a new partition key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		chunks, err := parseChunks(chunkFlags)
		if err != nil {
			return err
		}
		return withClient(func(ctx context.Context, c *provider.Client) (any, error) {
			id, err := c.ReshardCollection(ctx, &coordinator.ReshardRequest{
				Namespace:       args[0],
				NewPartitionKey: qdb.PartitionKey{Field: args[1], Hash: hash},
				Recipients:      recipients,
				Chunks:          chunks,
			})
			if err != nil {
				return nil, errors.Wrap(err, "start resharding")
			}
			return map[string]string{"operation_id": id}, nil
		})
	},
}

var abortCmd = &cobra.Command{
	Use:   "abort <operation-id>",
	Short: "abort a resharding operation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *provider.Client) (any, error) {
			return nil, errors.Wrap(c.AbortReshard(ctx, args[0]), "abort resharding")
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <operation-id>",
	Short: "show the state of a resharding operation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *provider.Client) (any, error) {
			return c.GetReshardStatus(ctx, args[0])
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "list resharding operations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *provider.Client) (any, error) {
			return c.ListOperations(ctx)
		})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "show phase and qdb timings of the coordinator",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *provider.Client) (any, error) {
			return c.GetStatistics(ctx)
		})
	},
}

var shardCmd = &cobra.Command{
	Use:   "shard <namespace> <field>",
	Short: "register the initial ownership of a namespace",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		chunks, err := parseChunks(chunkFlags)
		if err != nil {
			return err
		}
		if len(shards) == 0 && len(chunks) == 0 {
			return fmt.Errorf("at least one --shards or --chunk value is required")
		}
		return withClient(func(ctx context.Context, c *provider.Client) (any, error) {
			md, err := c.ShardCollection(ctx, &coordinator.ShardRequest{
				Namespace:    args[0],
				PartitionKey: qdb.PartitionKey{Field: args[1], Hash: hash},
				Chunks:       chunks,
				Shards:       shards,
			})
			return md, errors.Wrap(err, "shard collection")
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&endpoint, "endpoint", "e", "localhost:7002", "coordinator gRPC address")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "request timeout")

	for _, cmd := range []*cobra.Command{startCmd, shardCmd} {
		cmd.Flags().StringVar(&hash, "hash", "ident", "hash function of the key: "+strings.Join([]string{"ident", "murmur", "city"}, ", "))
		cmd.Flags().StringArrayVar(&chunkFlags, "chunk", nil, "chunk as <lower bound>:<shard>, the first one with an empty bound")
	}
	startCmd.Flags().StringSliceVar(&recipients, "recipients", nil, "shards to own the namespace afterwards")
	shardCmd.Flags().StringSliceVar(&shards, "shards", nil, "shards owning the namespace")

	rootCmd.AddCommand(startCmd, abortCmd, statusCmd, listCmd, statsCmd, shardCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
