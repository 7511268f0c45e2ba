// Command pathfinder runs the Pathfinder reverse proxy: it binds the
// WebSocket front plane, dials the AMQP back plane, and serves sessions
// until SIGINT/SIGTERM requests a drain.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/open-matchmaking/pathfinder/internal/broker"
	"github.com/open-matchmaking/pathfinder/internal/config"
	"github.com/open-matchmaking/pathfinder/internal/endpoint"
	"github.com/open-matchmaking/pathfinder/internal/logging"
	"github.com/open-matchmaking/pathfinder/internal/supervisor"
	"github.com/open-matchmaking/pathfinder/internal/tokencache"
)

const (
	exitOK           = 0
	exitBadConfig    = 2
	exitBrokerUnreachable = 3

	brokerStartupTimeout = 30 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	settings := config.Default()

	cmd := &cobra.Command{
		Use:   "pathfinder",
		Short: "Reverse proxy bridging WebSocket clients to an AMQP back plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(settings)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&settings.IP, "ip", settings.IP, "WebSocket listen address")
	flags.IntVar(&settings.Port, "port", settings.Port, "WebSocket listen port")
	flags.BoolVar(&settings.Secured, "secured", settings.Secured, "enable TLS on the broker connection")
	flags.StringVar(&settings.SSLCert, "ssl-cert", settings.SSLCert, "TLS certificate path")
	flags.StringVar(&settings.SSLKey, "ssl-key", settings.SSLKey, "TLS key path")
	flags.StringVar(&settings.RabbitMQHost, "rabbitmq-host", settings.RabbitMQHost, "broker host")
	flags.IntVar(&settings.RabbitMQPort, "rabbitmq-port", settings.RabbitMQPort, "broker port")
	flags.StringVar(&settings.RabbitMQVirtualHost, "rabbitmq-virtual-host", settings.RabbitMQVirtualHost, "broker virtual host")
	flags.StringVar(&settings.RabbitMQUser, "rabbitmq-user", settings.RabbitMQUser, "broker user")
	flags.StringVar(&settings.RabbitMQPassword, "rabbitmq-password", settings.RabbitMQPassword, "broker password")
	flags.StringVar(&settings.LogLevel, "log-level", settings.LogLevel, "log verbosity")
	flags.StringVar(&settings.ConfigPath, "config", settings.ConfigPath, "YAML path for endpoint definitions")
	flags.DurationVar(&settings.TokenTTL, "token-ttl", settings.TokenTTL, "token cache entry lifetime")
	flags.IntVar(&settings.CacheSize, "cache-size", settings.CacheSize, "token cache capacity")
	flags.DurationVar(&settings.RequestTimeout, "request-timeout", settings.RequestTimeout, "upstream request timeout")
	flags.DurationVar(&settings.AuthTimeout, "auth-timeout", settings.AuthTimeout, "auth validation timeout")

	exitCode := exitOK
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	if err := cmd.Execute(); err != nil {
		if ce, ok := err.(*cliError); ok {
			fmt.Fprintln(os.Stderr, ce.Error())
			return ce.code
		}
		fmt.Fprintln(os.Stderr, err)
		exitCode = 1
	}
	return exitCode
}

// cliError carries a process exit code alongside the error message.
type cliError struct {
	code int
	err  error
}

func (e *cliError) Error() string { return e.err.Error() }

func serve(settings *config.Settings) error {
	if err := settings.Validate(); err != nil {
		return &cliError{code: exitBadConfig, err: fmt.Errorf("invalid configuration: %w", err)}
	}

	endpoints, err := config.LoadEndpoints(settings.ConfigPath)
	if err != nil {
		return &cliError{code: exitBadConfig, err: err}
	}

	log := logging.New(settings.LogLevel)
	logEntry := logging.Component(log, "main")

	var tlsConfig *tls.Config
	if settings.Secured {
		cert, err := tls.LoadX509KeyPair(settings.SSLCert, settings.SSLKey)
		if err != nil {
			return &cliError{code: exitBadConfig, err: fmt.Errorf("load TLS material: %w", err)}
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	connMgr := broker.NewManager(broker.Config{
		Host:        settings.RabbitMQHost,
		Port:        settings.RabbitMQPort,
		VirtualHost: settings.RabbitMQVirtualHost,
		User:        settings.RabbitMQUser,
		Password:    settings.RabbitMQPassword,
		TLS:         tlsConfig,
		BackoffMin:  250 * time.Millisecond,
		BackoffMax:  10 * time.Second,
	}, logging.Component(log, "broker"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	brokerErrCh := make(chan error, 1)
	go func() {
		if err := connMgr.Run(ctx); err != nil && err != context.Canceled {
			brokerErrCh <- err
		}
	}()

	if err := waitForBroker(ctx, connMgr, brokerStartupTimeout); err != nil {
		return &cliError{code: exitBrokerUnreachable, err: fmt.Errorf("broker unreachable at startup: %w", err)}
	}

	replyRouter := broker.NewReplyRouter(logging.Component(log, "reply_router"))
	router := endpoint.NewRouter(endpoints)
	cache := tokencache.New(settings.CacheSize, settings.TokenTTL)

	sup := supervisor.New(fmt.Sprintf("%s:%d", settings.IP, settings.Port), tlsConfig, supervisor.Deps{
		ConnMgr:          connMgr,
		ReplyRouter:      replyRouter,
		Router:           router,
		TokenCache:       cache,
		AuthExchange:     config.DefaultRequestExchange,
		AuthRoutingKey:   "auth.validation",
		AuthTimeout:      settings.AuthTimeout,
		RequestTimeout:   settings.RequestTimeout,
		ResponseExchange: config.DefaultResponseExchange,
		Log:              log,
	})

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)

	supervisorErrCh := make(chan error, 1)
	go func() {
		supervisorErrCh <- sup.Run(ctx)
	}()

	logEntry.WithField("addr", fmt.Sprintf("%s:%d", settings.IP, settings.Port)).Info("pathfinder started")

	select {
	case sig := <-signalCh:
		logEntry.WithField("signal", sig.String()).Info("shutdown requested")
		cancel()
	case err := <-brokerErrCh:
		logEntry.WithError(err).Error("broker connection manager failed")
		cancel()
	case err := <-supervisorErrCh:
		cancel()
		if err != nil {
			return &cliError{code: 1, err: err}
		}
		return nil
	}

	<-supervisorErrCh
	return nil
}

// waitForBroker blocks until connMgr reaches Ready or timeout elapses.
func waitForBroker(ctx context.Context, connMgr *broker.Manager, timeout time.Duration) error {
	deadline := time.After(timeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if connMgr.State() == broker.Ready {
			return nil
		}
		select {
		case <-ticker.C:
		case <-deadline:
			return fmt.Errorf("no broker connection after %s", timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
