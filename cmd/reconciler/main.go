package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/vrischmann/envconfig"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/Sh00ty/gitops-loop/internal/bootstrap"
	"github.com/Sh00ty/gitops-loop/internal/etcd"
	"github.com/Sh00ty/gitops-loop/internal/history/inmemory"
	"github.com/Sh00ty/gitops-loop/internal/history/postgres"
	"github.com/Sh00ty/gitops-loop/internal/live/kube"
	"github.com/Sh00ty/gitops-loop/internal/metrics"
	"github.com/Sh00ty/gitops-loop/internal/models"
	"github.com/Sh00ty/gitops-loop/internal/mutator"
	"github.com/Sh00ty/gitops-loop/internal/notifyer"
	"github.com/Sh00ty/gitops-loop/internal/propagator"
	"github.com/Sh00ty/gitops-loop/internal/reconciler"
	"github.com/Sh00ty/gitops-loop/internal/registry/oci"
	"github.com/Sh00ty/gitops-loop/internal/registry/static"
	"github.com/Sh00ty/gitops-loop/internal/statusapi"
	storage "github.com/Sh00ty/gitops-loop/internal/storage/inmemory"
	"github.com/Sh00ty/gitops-loop/internal/watcher"
)

func loggerLevelFromString(level string) zerolog.Level {
	level = strings.ToLower(level)
	switch level {
	case "error":
		return zerolog.ErrorLevel
	case "warn":
		return zerolog.WarnLevel
	case "info":
		return zerolog.InfoLevel
	case "debug":
		return zerolog.DebugLevel
	}
	return zerolog.WarnLevel
}

type Config struct {
	LoggerLevel string `envconfig:"LOGGER_LEVEL,optional"`
	NodeID      string `envconfig:"NODE_ID,optional"`

	EtcdEndpoints   []string      `envconfig:"ETCD_ENDPOINTS,optional"`
	EtcdDialTimeout time.Duration `envconfig:"ETCD_DIAL_TIMEOUT,default=5s"`

	DatabaseHost     string `envconfig:"DATABASE_HOST,optional"`
	DatabaseUser     string `envconfig:"DATABASE_USER,optional"`
	DatabasePassword string `envconfig:"DATABASE_PASSWORD,optional"`
	DatabasePort     uint16 `envconfig:"DATABASE_PORT,default=5432"`
	DatabaseName     string `envconfig:"DATABASE_NAME,default=gitops"`
	DatabaseMigrate  bool   `envconfig:"DATABASE_MIGRATE,optional"`

	RegistryUsername string `envconfig:"REGISTRY_USERNAME,optional"`
	RegistryPassword string `envconfig:"REGISTRY_PASSWORD,optional"`
	RegistryInsecure bool   `envconfig:"REGISTRY_INSECURE,optional"`
	// RegistryStatic replaces the registry with an empty in-memory index for local runs.
	RegistryStatic  bool          `envconfig:"REGISTRY_STATIC,optional"`
	PollInterval    time.Duration `envconfig:"WATCHER_POLL_INTERVAL,default=1m"`
	PollAttempts    uint          `envconfig:"WATCHER_POLL_ATTEMPTS,default=3"`
	DegradedAfter   int           `envconfig:"WATCHER_DEGRADED_AFTER,default=5"`
	AllowPrerelease bool          `envconfig:"WATCHER_ALLOW_PRERELEASE,optional"`

	DriftInterval  time.Duration `envconfig:"RECONCILER_DRIFT_INTERVAL,default=30s"`
	ApplyTimeout   time.Duration `envconfig:"RECONCILER_APPLY_TIMEOUT,default=30s"`
	ApplyAttempts  uint          `envconfig:"RECONCILER_APPLY_ATTEMPTS,default=3"`
	RetryBaseDelay time.Duration `envconfig:"RECONCILER_RETRY_BASE_DELAY,default=30s"`
	RetryMaxDelay  time.Duration `envconfig:"RECONCILER_RETRY_MAX_DELAY,default=30m"`

	Kubeconfig          string `envconfig:"KUBECONFIG,optional"`
	KubeContext         string `envconfig:"KUBE_CONTEXT,optional"`
	DefaultNamespace    string `envconfig:"KUBE_DEFAULT_NAMESPACE,default=default"`
	MonitoringNamespace string `envconfig:"KUBE_MONITORING_NAMESPACE,default=monitoring"`

	KafkaBrokers []string `envconfig:"KAFKA_BROKERS,optional"`
	KafkaTopic   string   `envconfig:"KAFKA_TOPIC,default=gitops-transitions"`

	StatsdAddr   string `envconfig:"STATSD_ADDR,optional"`
	StatsdPrefix string `envconfig:"STATSD_PREFIX,default=gitops-loop"`

	SeedFile  string `envconfig:"SEED_FILE,optional"`
	HTTPAddr  string `envconfig:"HTTP_ADDR,default=0.0.0.0:8080"`
	GrpcAddr  string `envconfig:"GRPC_SERVER_ADDR,default=0.0.0.0:9090"`
	GrpcDebug bool   `envconfig:"GRPC_DEBUG,optional"`
}

type manifestStore interface {
	mutator.Store
	reconciler.Store
	History(ctx context.Context, target models.TargetRef) ([]models.Revision, error)
}

type artifactHistory interface {
	watcher.History
	statusapi.ArtifactHistory
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	appCfg := Config{}
	err := envconfig.Init(&appCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read app config")
	}
	log.Logger = log.Level(loggerLevelFromString(appCfg.LoggerLevel))
	if appCfg.NodeID == "" {
		appCfg.NodeID, _ = os.Hostname()
	}

	var mtrcs metrics.Metrics = metrics.Noop{}
	if appCfg.StatsdAddr != "" {
		statsd := metrics.NewStatsd(appCfg.NodeID, appCfg.StatsdPrefix, appCfg.StatsdAddr)
		defer statsd.Close()
		mtrcs = statsd
	}

	var (
		store   manifestStore
		elector *etcd.Elector
	)
	if len(appCfg.EtcdEndpoints) > 0 {
		etcdStore, err := etcd.NewStore(ctx, appCfg.EtcdEndpoints, appCfg.EtcdDialTimeout)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to etcd")
		}
		defer etcdStore.Close()
		store = etcdStore
		elector = etcd.NewElector(etcdStore.Client(), appCfg.NodeID)
	} else {
		log.Warn().Msg("no etcd endpoints, manifests are kept in memory")
		store = storage.NewStore()
	}

	var artifacts artifactHistory
	if appCfg.DatabaseHost != "" {
		repo, err := postgres.NewRepo(
			ctx,
			appCfg.DatabaseUser,
			appCfg.DatabasePassword,
			appCfg.DatabaseHost,
			appCfg.DatabasePort,
			appCfg.DatabaseName,
		)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to init artifact history repository")
		}
		defer repo.Close()
		if appCfg.DatabaseMigrate {
			if err = repo.Migrate(ctx); err != nil {
				log.Fatal().Err(err).Msg("failed to migrate artifact history")
			}
		}
		artifacts = repo
	} else {
		artifacts = inmemory.NewHistory()
	}

	var index watcher.RegistryIndex
	if appCfg.RegistryStatic {
		index = static.NewIndex()
	} else {
		index = oci.NewIndex(oci.Options{
			Username: appCfg.RegistryUsername,
			Password: appCfg.RegistryPassword,
			Insecure: appCfg.RegistryInsecure,
		})
	}

	clientset, err := kube.NewClientset(appCfg.Kubeconfig, appCfg.KubeContext)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create kubernetes client")
	}
	live := kube.New(clientset, kube.Config{
		DefaultNamespace:    appCfg.DefaultNamespace,
		MonitoringNamespace: appCfg.MonitoringNamespace,
	}, log.Logger)

	var (
		notifier     reconciler.Notifier = reconciler.NoopNotifier{}
		chanNotifier *notifyer.ChanNotifyer
		publisher    *notifyer.Publisher
	)
	if len(appCfg.KafkaBrokers) > 0 {
		chanNotifier = notifyer.NewNotifier(1024)
		defer chanNotifier.Close()
		writer := notifyer.NewKafkaWriter(appCfg.KafkaBrokers, appCfg.KafkaTopic)
		defer writer.Close()
		publisher = notifyer.NewPublisher(chanNotifier.GetEventChan(), writer, 10*time.Second, mtrcs, log.Logger)
		notifier = chanNotifier
	}

	var (
		health     = statusapi.NewHealth()
		promotions = make(chan models.Promotion, 64)
		mut        = mutator.New(store, mtrcs, log.Logger)
		wtchr      = watcher.New(watcher.Config{
			Interval:        appCfg.PollInterval,
			PollAttempts:    appCfg.PollAttempts,
			DegradedAfter:   appCfg.DegradedAfter,
			AllowPrerelease: appCfg.AllowPrerelease,
		}, index, artifacts, health.Reporter(statusapi.ServiceRegistryWatcher), mtrcs, promotions, log.Logger)
		prop    = propagator.New(store, mut, mtrcs, log.Logger)
		manager = reconciler.NewManager(reconciler.Config{
			DriftInterval:  appCfg.DriftInterval,
			ApplyTimeout:   appCfg.ApplyTimeout,
			ApplyAttempts:  appCfg.ApplyAttempts,
			RetryBaseDelay: appCfg.RetryBaseDelay,
			RetryMaxDelay:  appCfg.RetryMaxDelay,
		}, store, live, notifier, mtrcs, log.Logger)
	)

	grpcSrv := grpc.NewServer()
	health.Register(grpcSrv, appCfg.GrpcDebug)
	go func() {
		log.Info().Msgf("running grpc server on %s", appCfg.GrpcAddr)

		ls, err := net.Listen("tcp4", appCfg.GrpcAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to bind server addr")
		}
		err = grpcSrv.Serve(ls)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to start serving grpc requests")
		}
	}()
	defer grpcSrv.GracefulStop()
	defer health.Shutdown()

	serverClose := startStatusServer(
		appCfg.HTTPAddr,
		statusapi.NewServer(manager, store, mut, artifacts, health, log.Logger),
	)
	defer serverClose()

	if elector != nil {
		isLeader, lostLeadership, err := elector.BecomeLeader(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to run leader election")
		}
		if !isLeader {
			log.Info().Msg("stopped before becoming a leader")
			return
		}
		defer elector.Resign(context.Background())

		leaderCtx, stopLeading := context.WithCancel(ctx)
		defer stopLeading()
		go func() {
			select {
			case <-leaderCtx.Done():
				log.Info().Msg("go off as a leader")
			case <-lostLeadership:
				log.Error().Msg("lost leadership, stop reconciling")
				stopLeading()
			}
		}()
		ctx = leaderCtx
	}

	if appCfg.SeedFile != "" {
		docs, err := bootstrap.Load(appCfg.SeedFile)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load seed documents")
		}
		seeded, err := bootstrap.Seed(ctx, mut, docs, log.Logger)
		if err != nil {
			log.Error().Err(err).Msg("failed to seed some documents")
		}
		log.Info().Msgf("seeded %d of %d documents", seeded, len(docs))
	}
	if err = bootstrap.TrackDeclared(ctx, store, wtchr); err != nil {
		log.Fatal().Err(err).Msg("failed to read declared images")
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { return wtchr.Run(egCtx) })
	eg.Go(func() error { return mut.Run(egCtx, promotions) })
	eg.Go(func() error { return prop.Run(egCtx) })
	eg.Go(func() error { return manager.Run(egCtx) })
	eg.Go(func() error { return bootstrap.FollowCommits(egCtx, store, wtchr) })
	if publisher != nil {
		chanNotifier.CloseOnDone(egCtx)
		eg.Go(func() error { return publisher.Run(egCtx) })
	}

	health.SetServing(statusapi.ServiceReconciler, true)
	health.SetServing("", true)
	log.Info().Msgf("node %s is reconciling", appCfg.NodeID)

	err = eg.Wait()
	health.SetServing("", false)
	health.SetServing(statusapi.ServiceReconciler, false)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("reconciliation loops stopped")
	}
	log.Info().Msg("done all operations")
}

func startStatusServer(addr string, api *statusapi.Server) func() {
	srv := http.Server{
		Handler:           api.Handler(),
		Addr:              addr,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Msgf("running status server on %s", addr)
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("failed to start http server")
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
