package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/broker/internal/config"
	"github.com/ehr/broker/internal/domain/admin"
	"github.com/ehr/broker/internal/domain/client"
	"github.com/ehr/broker/internal/domain/fanout"
	"github.com/ehr/broker/internal/domain/identity"
	"github.com/ehr/broker/internal/domain/source"
	"github.com/ehr/broker/internal/domain/subscription"
	"github.com/ehr/broker/internal/domain/ticket"
	"github.com/ehr/broker/internal/platform/apiclient"
	"github.com/ehr/broker/internal/platform/auth"
	"github.com/ehr/broker/internal/platform/events"
	"github.com/ehr/broker/internal/platform/metrics"
	"github.com/ehr/broker/internal/platform/middleware"
	"github.com/ehr/broker/internal/platform/replay"
	"github.com/ehr/broker/internal/platform/webhook"
)

const version = "0.1.0"

// app is the fully wired server: the broker plus the simulated source,
// subscriber client and identity provider, each under its own path prefix.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	echo   *echo.Echo

	identity      *identity.Service
	subscriptions *subscription.Service
	engine        *fanout.Engine
	source        *source.Service
	client        *client.Service
	metrics       *metrics.Metrics

	brokerEvents *events.Recorder
	sourceEvents *events.Recorder

	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics.New()}

	logSink := events.NewLogSink(logger)
	a.brokerEvents = events.NewRecorder(cfg.EventLogSize)
	a.sourceEvents = events.NewRecorder(cfg.EventLogSize)
	brokerSink := events.WithService(config.ServiceBroker, events.Multi{logSink, a.brokerEvents})
	sourceSink := events.WithService(config.ServiceSource, events.Multi{logSink, a.sourceEvents})
	clientSink := events.WithService(config.ServiceClient, logSink)
	idpSink := events.WithService(config.ServiceIDP, logSink)

	guard, err := a.replayGuard(ctx)
	if err != nil {
		return nil, err
	}

	brokerURL := cfg.ServiceURL(config.ServiceBroker)
	sourceURL := cfg.ServiceURL(config.ServiceSource)
	brokerSigner := auth.NewTokenSigner([]byte(cfg.BrokerSigningKey), brokerURL, cfg.AccessTokenTTL)
	sourceSigner := auth.NewTokenSigner([]byte(cfg.SourceSigningKey), sourceURL, cfg.AccessTokenTTL)

	// Broker
	ledger := identity.NewLedger()
	a.identity = identity.NewService(ledger, brokerSink, a.metrics)

	registry := subscription.NewRegistry()
	a.subscriptions = subscription.NewService(registry, subscription.EndpointPolicy{AllowPrivate: !cfg.IsProduction()}, brokerSink, a.metrics)

	var authorityOpts []ticket.AuthorityOption
	if cfg.ExpectedAudience != "" {
		authorityOpts = append(authorityOpts, ticket.WithExpectedAudience(cfg.ExpectedAudience))
	}
	authority := ticket.NewAuthority(ledger, brokerSigner, guard, brokerSink, a.metrics, authorityOpts...)

	sender := webhook.NewSender(webhook.WithTimeout(cfg.DeliveryTimeout))
	a.engine = fanout.NewEngine(ledger, registry, sender, webhook.NewLog(cfg.EventLogSize), brokerSink, a.metrics,
		fanout.Config{Concurrency: cfg.FanoutConcurrency})

	// Identity provider
	issuer := ticket.NewIssuer(cfg.TicketIssuer, cfg.NetworkAudience, cfg.TicketTTL, idpSink)

	// Loopback clients between the mounted services
	clientOpts := []apiclient.Option{apiclient.WithTimeout(cfg.DeliveryTimeout)}
	brokerClient := apiclient.NewBrokerClient(cfg.InternalURL(config.ServiceBroker), clientOpts...)

	// Source of record
	a.source = source.NewService(source.NewStore(), brokerClient, sourceSigner, sourceURL+"/fhir", sourceSink)

	// Subscriber client
	a.client = client.NewService(
		client.NewSessionStore(),
		apiclient.NewIssuerClient(cfg.InternalURL(config.ServiceIDP), clientOpts...),
		brokerClient,
		apiclient.NewSourceClient(cfg.InternalURL(config.ServiceSource), clientOpts...),
		client.Config{
			ClientID:        cfg.ClientID,
			TokenAudience:   brokerURL + "/auth/token",
			NotificationURL: cfg.ServiceURL(config.ServiceClient) + "/notifications",
		},
		clientSink,
	)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/metrics", a.metrics.Handler())

	brokerGroup := e.Group("/" + config.ServiceBroker)
	identity.NewHandler(a.identity).RegisterRoutes(brokerGroup)
	ticket.NewTokenHandler(authority).RegisterRoutes(brokerGroup)
	subscription.NewHandler(a.subscriptions, brokerSigner, brokerURL+"/fhir").RegisterRoutes(brokerGroup)
	fanout.NewHandler(a.engine).RegisterRoutes(brokerGroup)
	admin.NewHandler(ledger, registry, a.engine.DeliveryLog(), a.brokerEvents).RegisterRoutes(brokerGroup)

	source.NewHandler(a.source, sourceSigner, a.sourceEvents).RegisterRoutes(e.Group("/" + config.ServiceSource))
	client.NewHandler(a.client).RegisterRoutes(e.Group("/" + config.ServiceClient))
	ticket.NewIssuerHandler(issuer).RegisterRoutes(e.Group("/" + config.ServiceIDP))

	a.echo = e
	return a, nil
}

// replayGuard selects the Redis-backed guard when REDIS_URL is set so that
// assertion ids stay single-use across restarts and replicas.
func (a *app) replayGuard(ctx context.Context) (replay.Guard, error) {
	if a.cfg.RedisURL == "" {
		return replay.NewMemoryGuard(), nil
	}
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	g, err := replay.NewRedisGuard(dialCtx, a.cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("connect replay guard: %w", err)
	}
	a.closers = append(a.closers, g.Close)
	a.logger.Info().Msg("using redis replay guard")
	return g, nil
}

func (a *app) Close() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			a.logger.Warn().Err(err).Msg("close failed")
		}
	}
}
