package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/filecoin-project/go-clock"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/markbook/markbook/internal/metrics"
	"github.com/markbook/markbook/internal/model"
	"github.com/markbook/markbook/internal/ratelimit"
	"github.com/markbook/markbook/internal/server"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the markbook API server",
		Long:  "Start the HTTP server that exposes the admin account and teacher dashboard APIs.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}

	cmd.Flags().IntP("port", "p", 4001, "HTTP listen port")
	cmd.Flags().String("host", "0.0.0.0", "HTTP listen host")

	viper.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	viper.BindPFlag("server.host", cmd.Flags().Lookup("host"))

	return cmd
}

func runServe(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	logger := newLogger(os.Stderr, settings)

	openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	st, err := openStore(openCtx, settings)
	if err != nil {
		return fmt.Errorf("init account store: %w", err)
	}
	defer st.Close()
	logger.Info("account store initialized", "driver", settings.Store.Driver)

	notifier, err := newNotifier(settings, logger)
	if err != nil {
		return fmt.Errorf("init mailer: %w", err)
	}

	core, err := newCore(settings, st, notifier, logger)
	if err != nil {
		return fmt.Errorf("init account service: %w", err)
	}

	n, err := st.CountAccountsByRole(ctx, model.RoleSuperadmin)
	if err != nil {
		logger.Warn("failed to check for superadmin", "error", err)
	} else if n == 0 {
		logger.Warn("no superadmin account found - run: markbook admin create")
	}

	var m *metrics.Metrics
	if settings.Metrics.Enabled {
		m = metrics.New()
	}
	limiter := ratelimit.New(settings.RateLimit.Limit, settings.RateLimit.Window, clock.New())

	srv := server.New(server.Config{
		Host:            settings.Server.Host,
		Port:            settings.Server.Port,
		ShutdownTimeout: settings.Server.ShutdownTimeout,
		CORSOrigins:     settings.Server.CORSOrigins,
		MaxBodySize:     settings.Server.MaxBodySize,
		GlobalRPM:       settings.Server.GlobalRPM,
		SecureCookies:   settings.Production(),
		Version:         versionString(),
	}, core, core.Directory, limiter, m, logger)

	fmt.Printf("→ markbook %s (%s)\n", versionString(), settings.Env)
	fmt.Printf("→ Listening on http://%s\n", srv.Addr())
	fmt.Printf("→ OpenAPI:    http://%s/openapi.json\n", srv.Addr())
	fmt.Printf("→ Health:     http://%s/healthz\n", srv.Addr())
	if m != nil {
		fmt.Printf("→ Metrics:    http://%s/metrics\n", srv.Addr())
	}
	fmt.Println()

	return srv.ListenAndServe()
}
