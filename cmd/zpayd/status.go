package zpayd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hussein-aitlahcen/requestNetwork/pkg/chain"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/common"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/config"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/db"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/devnet"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/lightclient"
	"github.com/hussein-aitlahcen/requestNetwork/pkg/readiness"
)

var (
	statusAddr     *string
	statusDst      *string
	statusClientID *uint32
	statusInterval *time.Duration
)

func init() {
	statusAddr = StatusCmd.Flags().String("statusAddr", "", "Listen address for the /readyz and /metrics status server, e.g. [::]:6060")
	statusDst = StatusCmd.Flags().String("dst", "", "Destination chain to probe (default: the registry's only chain)")
	statusClientID = StatusCmd.Flags().Uint32("clientId", 0, "Light client to probe (default: the destination's loopback client)")
	statusInterval = StatusCmd.Flags().Duration("probeInterval", 15*time.Second, "Interval between readiness probes")
}

var StatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show stored payments and light clients, and optionally serve readiness and metrics",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	env, err := environment()
	if err != nil {
		return err
	}
	logger, err := newLogger()
	if err != nil {
		return err
	}

	database, err := openDatabase(logger)
	if err != nil {
		return err
	}
	if database != nil {
		defer database.Close()
		if err := printRecords(cmd.OutOrStdout(), database); err != nil {
			return err
		}
	}

	if *statusAddr == "" {
		return nil
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	registry, err := loadRegistry(env)
	if err != nil {
		return err
	}
	dst, err := chainID(registry, *statusDst)
	if err != nil {
		return err
	}
	probes, err := statusProbes(ctx, logger, env, registry, dst)
	if err != nil {
		return err
	}

	// Use a custom router instead of http.DefaultServeMux to avoid exposing packages
	// that register themselves with it.
	router := mux.NewRouter()
	router.HandleFunc("/readyz", readiness.Handler)
	router.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: *statusAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	errC := make(chan error, 1)
	common.RunWithScissors(ctx, errC, "status server", func(ctx context.Context) error {
		logger.Info("status server listening", zap.String("addr", *statusAddr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	common.RunWithScissors(ctx, errC, "readiness probes", func(ctx context.Context) error {
		runProbes(ctx, logger, readiness.Default, probes, *statusInterval)
		return nil
	})

	select {
	case <-ctx.Done():
	case err = <-errC:
		logger.Error("status server stopped", zap.Error(err))
	}
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Warn("status server shutdown", zap.Error(shutdownErr))
	}
	return err
}

// probe returns nil once its component is ready.
type probe func(ctx context.Context) error

func statusProbes(ctx context.Context, logger *zap.Logger, env common.Environment, registry *common.ChainRegistry, dst common.UniversalChainID) (map[readiness.Component]probe, error) {
	info, err := registry.Lookup(dst)
	if err != nil {
		return nil, err
	}
	clientID := *statusClientID
	if clientID == 0 {
		clientID = info.LightClientID
	}

	if env == common.UnsafeDevNet {
		n, err := devnet.NewNetwork(ctx, logger)
		if err != nil {
			return nil, err
		}
		bridge, err := lightclient.NewBridge(logger, n.Registry, common.DevnetChainID, n.Client, n.Wallet,
			lightclient.WithSource(common.DevnetChainID, n.Client))
		if err != nil {
			return nil, err
		}
		return map[readiness.Component]probe{
			common.ReadinessChainRPC: chainProbe(n.Client),
			common.ReadinessLightClient: func(ctx context.Context) error {
				_, err := bridge.Sync(ctx, n.ClientID, common.DevnetChainID)
				return err
			},
			common.ReadinessProver:   func(context.Context) error { return nil },
			common.ReadinessAttestor: func(context.Context) error { return nil },
		}, nil
	}

	secrets, err := config.LoadSecrets()
	if err != nil {
		return nil, err
	}
	probes := map[readiness.Component]probe{}
	if secrets.RPC != "" {
		client, err := chain.DialEVM(ctx, logger, secrets.RPC, info)
		if err != nil {
			return nil, err
		}
		probes[common.ReadinessChainRPC] = chainProbe(client)
		probes[common.ReadinessLightClient] = func(ctx context.Context) error {
			h, err := client.GetLatestVerifiedHeight(ctx, clientID)
			if err != nil {
				return err
			}
			if h == 0 {
				return fmt.Errorf("light client %d is not initialized", clientID)
			}
			return nil
		}
	}
	if secrets.ProverURL != "" {
		probes[common.ReadinessProver] = httpProbe(secrets.ProverURL)
	}
	if secrets.AttestorURL != "" {
		probes[common.ReadinessAttestor] = httpProbe(secrets.AttestorURL)
	}
	return probes, nil
}

func chainProbe(c chain.HeightReader) probe {
	return func(ctx context.Context) error {
		_, err := c.LatestHeight(ctx)
		return err
	}
}

// httpProbe treats any HTTP response as reachable.
func httpProbe(url string) probe {
	client := &http.Client{Timeout: 5 * time.Second}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		return resp.Body.Close()
	}
}

// runProbes marks components ready as their probes first succeed.
func runProbes(ctx context.Context, logger *zap.Logger, r *readiness.Registry, probes map[readiness.Component]probe, interval time.Duration) {
	pending := make(map[readiness.Component]probe, len(probes))
	for c, p := range probes {
		r.RegisterComponent(c)
		pending[c] = p
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		for c, p := range pending {
			if err := p(ctx); err != nil {
				logger.Debug("component not ready", zap.String("component", string(c)), zap.Error(err))
				continue
			}
			logger.Info("component ready", zap.String("component", string(c)))
			r.SetReady(c)
			delete(pending, c)
		}
		if len(pending) == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func printRecords(w io.Writer, database *db.Database) error {
	payments, err := database.Payments()
	if err != nil {
		return err
	}
	clients, err := database.LightClients()
	if err != nil {
		return err
	}
	spent, err := database.SpentNullifiers()
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PAYMENT\tDEPOSIT ADDRESS\tDST\tAMOUNT\tSTATUS\tTX")
	for _, p := range payments {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", p.ID, p.DepositAddress, p.DestinationChainID, p.Amount, p.Status, p.TxHash)
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "CLIENT\tSRC\tDST\tHEIGHT\tSTATUS")
	for _, c := range clients {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\n", c.ClientID, c.SourceChainID, c.DestinationChainID, c.Height, c.Status)
	}
	fmt.Fprintln(tw)
	fmt.Fprintf(tw, "spent nullifiers:\t%d\n", len(spent))
	return tw.Flush()
}
