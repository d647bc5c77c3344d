// Package agent wires every other package into the one process every
// cluster node runs: load configuration, open the coordination-store
// session and local database connection, resolve this node's group,
// and run its membership engine — plus, on whichever node becomes the
// CN group's primary, the cluster-wide bootstrap, supplement, and
// health responsibilities. Grounded on the teacher's main.go wiring
// order: open connections, ensure persistent state, start managers,
// block on a signal.
package agent

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"falcon-cm/internal/alerts"
	"falcon-cm/internal/bootstrap"
	"falcon-cm/internal/config"
	"falcon-cm/internal/dbdriver"
	"falcon-cm/internal/groupjoin"
	"falcon-cm/internal/health"
	"falcon-cm/internal/logging"
	"falcon-cm/internal/membership"
	"falcon-cm/internal/metrics"
	"falcon-cm/internal/store"
	"falcon-cm/internal/supplement"
	"falcon-cm/internal/topology"
)

// clusterGroups derives the full group list from the bootstrap
// partitioning arithmetic, so the CN-leader-only reactors know every
// group to watch without waiting on a live read of the cluster
// directory (which doesn't exist until bootstrap creates it).
func clusterGroups(cfg *config.Config) []supplement.GroupRef {
	groups := []supplement.GroupRef{{Name: topology.CNGroup, IsCN: true}}
	groupSize := topology.GroupSize(cfg.ReplicaServerNum)
	usable := cfg.DNNum - cfg.DNSupplementNum
	dnClusterNum := 0
	if groupSize > 0 {
		dnClusterNum = usable / groupSize
	}
	for i := 0; i < dnClusterNum; i++ {
		groups = append(groups, supplement.GroupRef{Name: topology.GroupName(i + 1), IsCN: false})
	}
	return groups
}

// Run loads configuration for the given role and runs the agent until
// ctx is cancelled.
func Run(ctx context.Context, isCN bool) error {
	cfg, err := config.Load(isCN)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(false)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	mx := metrics.New()
	startMetricsServer(ctx, mx, cfg.MetricsPort, logger)

	gw, err := store.NewEtcdGateway(strings.Split(cfg.ZKEndpoint, ","), cfg.StoreTimeout, logger)
	if err != nil {
		return fmt.Errorf("open coordination store session: %w", err)
	}
	defer gw.Close()

	hostNodeName := cfg.HostNodeName()
	selfEndpoint := cfg.Endpoint()

	if err := gw.Create(ctx, topology.Presence(cfg.ClusterName, isCN, hostNodeName), selfEndpoint, true); err != nil {
		logger.Warn("presence registration failed (may already be registered)", zap.Error(err))
	}

	driver, err := dbdriver.New(ctx, dbdriver.Config{
		DataDir:      cfg.DataDir,
		UserName:     cfg.UserName,
		MetaPort:     cfg.MetaPort,
		HostNodeName: hostNodeName,
	}, logger)
	if err != nil {
		return fmt.Errorf("open local database connection: %w", err)
	}
	defer driver.Close()

	res, err := groupjoin.Join(ctx, gw, driver, logger, cfg.ClusterName, hostNodeName, selfEndpoint, isCN)
	if err != nil {
		return fmt.Errorf("resolve group membership: %w", err)
	}
	logger.Info("group resolved", zap.String("group", res.Group), zap.Int("group_id", res.GroupID))

	sink := alerts.NewTelegramSink(cfg.TelegramBotToken, cfg.TelegramChatID)

	engine := membership.New(gw, driver, logger, mx, cfg.ClusterName, res.Group, res.GroupID, selfEndpoint, hostNodeName, isCN, cfg.ReplicaServerNum)
	defer engine.Close()

	if isCN && res.Group == topology.CNGroup {
		var once sync.Once
		engine.SetOnPrimary(func(ctx context.Context) {
			once.Do(func() {
				logger.Info("became cn primary, starting cluster-wide responsibilities")

				bctrl := bootstrap.New(gw, driver, logger, bootstrap.Spec{
					Root:             cfg.ClusterName,
					CNNum:            cfg.CNNum,
					DNNum:            cfg.DNNum,
					DNSupplementNum:  cfg.DNSupplementNum,
					ReplicaServerNum: cfg.ReplicaServerNum,
				})
				if err := bctrl.Run(ctx); err != nil {
					logger.Error("bootstrap failed", zap.Error(err))
					return
				}

				groups := clusterGroups(cfg)
				reactor := supplement.New(gw, logger, mx, cfg.ClusterName, cfg.WaitReplicaTime, cfg.ReplicaServerNum, groups)
				go func() {
					if err := reactor.Run(ctx); err != nil && ctx.Err() == nil {
						logger.Error("supplement reactor stopped", zap.Error(err))
					}
				}()

				groupNames := make([]string, len(groups))
				for i, g := range groups {
					groupNames[i] = g.Name
				}
				reporter := health.New(gw, driver, sink, logger, mx, cfg.ClusterName, cfg.CheckMetaPeriod, cfg.ReplicaServerNum, groupNames)
				go func() {
					if err := reporter.Run(ctx); err != nil && ctx.Err() == nil {
						logger.Error("health reporter stopped", zap.Error(err))
					}
				}()
			})
		})
	}

	return engine.Run(ctx)
}

// startMetricsServer serves the Prometheus registry on /metrics in the
// background, shutting down cleanly when ctx is cancelled.
func startMetricsServer(ctx context.Context, mx *metrics.Registry, port int, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", mx.Handler())
	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}
