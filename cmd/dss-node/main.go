package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/microsoft/go-mssqldb"
	"golang.org/x/sync/errgroup"

	"surveydss/dss"
	"surveydss/survey"
)

var (
	addrFlag           = flag.String("addr", ":8084", "HTTP listen address")
	baseURLFlag        = flag.String("base-url", envOrDefault("DSS_BASE_URL", ""), "public base URL of this instance, used by followers to reach the leader")
	singleInstanceFlag = flag.Bool("single-instance", false, "short-circuit election and self-declare leader")
	anonymizerURLFlag  = flag.String("anonymizer-url", envOrDefault("DSS_ANONYMIZER_URL", ""), "text anonymization service URL (optional)")

	minPercentageFlag  = flag.Int("min-percentage", 30, "minimum throttled flush percentage")
	maxPercentageFlag  = flag.Int("max-percentage", 70, "maximum throttled flush percentage")
	pctIncrementFlag   = flag.Int("percentage-increment", 2, "flush percentage increment per productive cycle")
	resetChanceFlag    = flag.Int("reset-chance-percentage", 5, "chance (0-100) a productive cycle resets the percentage")
	minSubmissionsFlag = flag.Int("minimum-survey-submissions", 3, "per-question submission floor below which nothing is flushed")

	mssqlHostFlag     = flag.String("sql-host", envOrDefault("MSSQL_HOST", "localhost"), "SQL Server host")
	mssqlPortFlag     = flag.String("sql-port", envOrDefault("MSSQL_PORT", "1433"), "SQL Server port")
	mssqlUserFlag     = flag.String("sql-user", envOrDefault("MSSQL_USER", "sa"), "SQL Server user")
	mssqlPasswordFlag = flag.String("sql-password", envOrDefault("MSSQL_SA_PASSWORD", ""), "SQL Server password")
	mssqlDBFlag       = flag.String("sql-db", envOrDefault("MSSQL_DATABASE", "surveydss"), "SQL Server database")
	mssqlEncryptFlag  = flag.String("sql-encrypt", envOrDefault("MSSQL_ENCRYPT", "disable"), "SQL Server encrypt setting")
)

func main() {
	flag.Parse()

	instanceID, err := deriveInstanceID(*addrFlag)
	if err != nil {
		log.Fatalf("derive instance id: %v", err)
	}

	cfg := dss.DefaultConfig(instanceID)
	cfg.InstanceSecret = os.Getenv("DSS_INSTANCE_SECRET")
	cfg.MinPercentage = *minPercentageFlag
	cfg.MaxPercentage = *maxPercentageFlag
	cfg.PercentageIncrement = *pctIncrementFlag
	cfg.ResetChancePercentage = *resetChanceFlag
	cfg.MinimumSurveySubmissions = *minSubmissionsFlag
	if err := cfg.Validate(); err != nil {
		// Missing secrets must stop startup; silently substituted defaults
		// would void the privacy guarantees.
		log.Fatalf("invalid configuration: %v", err)
	}

	adminToken := os.Getenv("DSS_ADMIN_TOKEN")
	if adminToken == "" {
		log.Fatalf("invalid configuration: DSS_ADMIN_TOKEN is required")
	}

	dsn, err := buildSQLServerDSN(*mssqlHostFlag, *mssqlPortFlag, *mssqlUserFlag, *mssqlPasswordFlag, *mssqlDBFlag, *mssqlEncryptFlag)
	if err != nil {
		log.Fatalf("build SQL Server DSN: %v", err)
	}

	db, err := sql.Open("sqlserver", dsn)
	if err != nil {
		log.Fatalf("open SQL Server: %v", err)
	}
	defer func() {
		_ = db.Close()
	}()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		pingCancel()
		log.Fatalf("ping SQL Server: %v", err)
	}
	pingCancel()

	store, err := survey.NewStore(db)
	if err != nil {
		log.Fatalf("construct survey store: %v", err)
	}

	var elector dss.LeaderElector
	var resolver dss.LeaderResolver
	if *singleInstanceFlag {
		single := dss.NewSingleInstanceElector(instanceID)
		elector = single
		resolver = dss.NewSingleInstanceResolver(single)
	} else {
		baseURL := *baseURLFlag
		if baseURL == "" {
			log.Fatalf("invalid configuration: base-url is required for multi-instance deployments")
		}
		lease, err := dss.NewLeaseElector(db, dss.DefaultLeaseConfig(instanceID, baseURL))
		if err != nil {
			log.Fatalf("construct lease elector: %v", err)
		}
		elector = lease
		resolver = lease
	}

	transfer, err := dss.NewHTTPTransferClient(resolver, cfg.InstanceSecret, &http.Client{Timeout: cfg.TransferTimeout})
	if err != nil {
		log.Fatalf("construct transfer client: %v", err)
	}

	service, err := dss.NewService(cfg, elector, store, transfer, dss.Clock{})
	if err != nil {
		log.Fatalf("construct service: %v", err)
	}
	metrics := dss.NewMetrics()
	service.SetMetrics(metrics)
	if *anonymizerURLFlag != "" {
		service.SetAnonymizer(newHTTPAnonymizer(&http.Client{Timeout: 10 * time.Second}, *anonymizerURLFlag))
	}

	machineName, err := os.Hostname()
	if err != nil {
		machineName = instanceID
	}
	server := &apiServer{
		service:     service,
		metrics:     metrics,
		adminAuth:   newBearerAuthorizer(adminToken),
		machineName: machineName,
	}
	httpServer := &http.Server{
		Addr:    *addrFlag,
		Handler: newMux(server),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		elector.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		service.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-stop:
		case <-groupCtx.Done():
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
		// Follower-side best-effort drain; the leader never auto-flushes.
		service.Shutdown(shutdownCtx)
		cancel()
		return nil
	})

	log.Printf("dss-node listening on %s instance_id=%s", *addrFlag, instanceID)
	if err := group.Wait(); err != nil {
		log.Fatalf("dss-node: %v", err)
	}
}

func envOrDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func deriveInstanceID(addr string) (string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("listen address %q: %w", addr, err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		hostname, err := os.Hostname()
		if err != nil {
			return "", err
		}
		host = hostname
	}
	return net.JoinHostPort(host, port), nil
}

func buildSQLServerDSN(host, port, user, password, database, encrypt string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("sql password is required")
	}
	uri := &url.URL{
		Scheme: "sqlserver",
		User:   url.UserPassword(user, password),
		Host:   fmt.Sprintf("%s:%s", host, port),
	}
	query := url.Values{}
	query.Set("database", database)
	query.Set("encrypt", encrypt)
	uri.RawQuery = query.Encode()
	return uri.String(), nil
}
