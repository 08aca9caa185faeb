package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/urfave/cli/v2"

	"github.com/alfredolopez80/vector/pkg/chain"
	"github.com/alfredolopez80/vector/pkg/engine"
	"github.com/alfredolopez80/vector/pkg/events"
	"github.com/alfredolopez80/vector/pkg/execution"
	"github.com/alfredolopez80/vector/pkg/messaging"
	"github.com/alfredolopez80/vector/pkg/metrics"
	"github.com/alfredolopez80/vector/pkg/signer"
	"github.com/alfredolopez80/vector/pkg/storage"
	"github.com/alfredolopez80/vector/pkg/types"
)

var daemonFlags = []cli.Flag{
	&cli.StringFlag{
		Name:     "key",
		Usage:    "hex-encoded secp256k1 private key for commitment signing",
		Required: true,
		EnvVars:  []string{"VECTOR_KEY"},
	},
	&cli.StringFlag{
		Name:     "identifier",
		Usage:    "public identifier used to route protocol messages",
		Required: true,
		EnvVars:  []string{"VECTOR_IDENTIFIER"},
	},
	&cli.StringFlag{
		Name:        "chains",
		Usage:       "comma separated chainId=rpcUrl pairs. Example: 1=https://mainnet.example,5=https://goerli.example",
		DefaultText: "no chains configured",
		EnvVars:     []string{"VECTOR_CHAINS"},
	},
	&cli.DurationFlag{
		Name:    "messaging-timeout",
		Usage:   "consider a protocol round failed after not receiving a reply for this amount of time",
		Value:   engine.DefaultMessagingTimeout,
		EnvVars: []string{"VECTOR_MESSAGING_TIMEOUT"},
	},
	&cli.IntFlag{
		Name:    "messaging-retries",
		Usage:   "number of re-sends with a fresh inbox after a reply timeout",
		Value:   engine.DefaultMessagingRetries,
		EnvVars: []string{"VECTOR_MESSAGING_RETRIES"},
	},
	FlagExposeMetrics,
	FlagMetricsPort,
	FlagMetricsAddress,
	FlagVerbose,
	FlagVeryVerbose,
}

var daemonCmd = &cli.Command{
	Name:   "daemon",
	Usage:  "Starts a vector protocol node",
	Flags:  daemonFlags,
	Action: daemonCommand,
}

func daemonCommand(cctx *cli.Context) error {
	keyHex := strings.TrimPrefix(cctx.String("key"), "0x")
	identifier := types.PublicIdentifier(cctx.String("identifier"))
	exposeMetrics := cctx.Bool("expose-metrics")
	metricsPort := cctx.Uint("metrics-port")
	metricsAddress := cctx.String("metrics-address")
	messagingTimeout := cctx.Duration("messaging-timeout")
	messagingRetries := cctx.Int("messaging-retries")

	sig, err := signer.NewInMemorySignerFromHex(keyHex)
	if err != nil {
		return fmt.Errorf("parsing signing key: %w", err)
	}

	endpoints, err := parseChains(cctx.String("chains"))
	if err != nil {
		return err
	}
	reader, err := chain.DialEthReader(cctx.Context, endpoints)
	if err != nil {
		return err
	}

	store := storage.NewDatastoreStore(dssync.MutexWrap(datastore.NewMapDatastore()))
	messenger := messaging.NewMemoryMessenger()
	executor := execution.NewFallbackExecutor(reader)

	eng, err := engine.New(
		cctx.Context,
		identifier,
		sig,
		messenger,
		store,
		reader,
		executor,
		engine.WithMessagingTimeout(messagingTimeout),
		engine.WithMessagingRetries(messagingRetries),
	)
	if err != nil {
		return err
	}
	defer eng.Stop()

	unsubscribe := eng.RegisterSubscriber(func(event events.ChannelEvent) {
		logger.Infow("channel event", "code", event.Code(), "channelAddress", event.ChannelAddress().Hex(), "nonce", event.Nonce())
	})
	defer unsubscribe()

	fmt.Printf("Vector daemon running as %s (%s)\n", identifier, sig.Address().Hex())
	fmt.Println("Hit CTRL-C to stop the daemon")

	metricsServerErrChan := make(chan error, 1)
	var metricsServer *metrics.MetricsServer
	if exposeMetrics {
		metricsServer, err = metrics.NewHttpServer(cctx.Context, metricsAddress, metricsPort)
		if err != nil {
			logger.Errorw("failed to create metrics server", "err", err)
			return err
		}
		go func() {
			fmt.Printf("Vector metrics listening on address %s\n", metricsServer.Addr())
			metricsServerErrChan <- metricsServer.Start()
		}()
	}

	select {
	case <-cctx.Done(): // command was cancelled
	case err = <-metricsServerErrChan: // error from server
		logger.Errorw("failed to start metrics server", "err", err)
	}

	fmt.Println("Shutting down Vector daemon")
	if exposeMetrics {
		if cerr := metricsServer.Close(); cerr != nil {
			logger.Errorw("failed to close metrics server", "err", cerr)
		}
	}
	// give the event loop a moment to drain
	time.Sleep(100 * time.Millisecond)
	return err
}

func parseChains(v string) (map[uint64]string, error) {
	endpoints := make(map[uint64]string)
	if v == "" {
		return endpoints, nil
	}
	for _, pair := range strings.Split(v, ",") {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed chain pair: %s", pair)
		}
		chainID, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed chain id %q: %w", parts[0], err)
		}
		endpoints[chainID] = parts[1]
	}
	return endpoints, nil
}
