// Package cli is the launcher: it merges flags over the environment
// configuration, builds the collaborators and runs the server.
//
// Exit codes: 0 on clean shutdown, 1 on misconfiguration, 2 when the VAU
// key is unreadable, 3 when the state file is unreadable.
package cli

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/open-eprescription/erx-service/internal/config"
	"github.com/open-eprescription/erx-service/internal/logger"
	"github.com/open-eprescription/erx-service/internal/qes"
	"github.com/open-eprescription/erx-service/internal/receipt"
	"github.com/open-eprescription/erx-service/internal/server"
	"github.com/open-eprescription/erx-service/internal/store"
	"github.com/open-eprescription/erx-service/internal/trust"
	"github.com/open-eprescription/erx-service/internal/vau"
	"github.com/open-eprescription/erx-service/internal/version"
)

const (
	exitOK = iota
	exitMisconfig
	exitVAUKeyUnreadable
	exitStateUnreadable
)

var (
	cfg       *config.ServerEnvironment
	appLogger *slog.Logger

	flagVAUKey          string
	flagVAUCert         string
	flagTSLURL          string
	flagIDPURL          string
	flagState           string
	flagListen          string
	flagRefreshInterval int
)

var rootCmd = &cobra.Command{
	Use:               "erx-server",
	CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
	Short:             "e-prescription service backend",
	Long:              `erx-server is the reference backend of the e-prescription service: VAU transport, access-token verification and the prescription workflow.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.NewServerConfig()
		if err != nil {
			log.Printf("failed to load configuration: %v", err.Error())
			return err
		}
		mergeFlags(cmd)

		appLogger = logger.InitLogger(logger.ParseLogLevel(cfg.LogLevel), cfg.Environment)
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func mergeFlags(cmd *cobra.Command) {
	if cmd.Flags().Changed("vau-key") {
		cfg.VAUKeyPath = flagVAUKey
	}
	if cmd.Flags().Changed("vau-cert") {
		cfg.VAUCertPath = flagVAUCert
	}
	if cmd.Flags().Changed("tsl-url") {
		cfg.TSLURL = flagTSLURL
	}
	if cmd.Flags().Changed("idp-url") {
		cfg.IDPURL = flagIDPURL
	}
	if cmd.Flags().Changed("state") {
		cfg.StatePath = flagState
	}
	if cmd.Flags().Changed("listen") {
		cfg.ListenAddr = flagListen
	}
	if cmd.Flags().Changed("refresh-interval") {
		cfg.RefreshInterval = time.Duration(flagRefreshInterval) * time.Second
	}
}

func Execute() {
	v := version.Get()
	rootCmd.Version = fmt.Sprintf("%s (built %s, commit %s)", v.Version, v.BuildDate, v.GitCommit)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitMisconfig)
	}
}

func init() {
	rootCmd.Flags().StringVar(&flagVAUKey, "vau-key", "", "path to the VAU private key (PEM, required)")
	rootCmd.Flags().StringVar(&flagVAUCert, "vau-cert", "", "path to the VAU certificate (PEM, required)")
	rootCmd.Flags().StringVar(&flagTSLURL, "tsl-url", "", "trust service list URL")
	rootCmd.Flags().StringVar(&flagIDPURL, "idp-url", "", "identity provider JWK set URL")
	rootCmd.Flags().StringVar(&flagState, "state", "", "path of the state file")
	rootCmd.Flags().StringVar(&flagListen, "listen", "", "listen address")
	rootCmd.Flags().IntVar(&flagRefreshInterval, "refresh-interval", 0, "trust refresh interval in seconds")
}

func run() error {
	if cfg.VAUKeyPath == "" || cfg.VAUCertPath == "" {
		appLogger.Error("both --vau-key and --vau-cert are required")
		os.Exit(exitMisconfig)
	}

	vauKey, err := vau.LoadPrivateKey(cfg.VAUKeyPath)
	if err != nil {
		appLogger.Error("failed to load VAU key", slog.String("error", err.Error()))
		os.Exit(exitVAUKeyUnreadable)
	}

	vauCert, err := os.ReadFile(cfg.VAUCertPath)
	if err != nil {
		appLogger.Error("failed to load VAU certificate", slog.String("error", err.Error()))
		os.Exit(exitVAUKeyUnreadable)
	}

	stateStore := store.New()
	if err := stateStore.LoadFile(cfg.StatePath); err != nil {
		appLogger.Error("failed to load state", slog.String("error", err.Error()), slog.String("path", cfg.StatePath))
		os.Exit(exitStateUnreadable)
	}

	trustStore := trust.NewStore()

	if cfg.TrustAnchorPath == "" {
		appLogger.Error("TRUST_ANCHOR must point at the bootstrap trust anchor")
		os.Exit(exitMisconfig)
	}
	anchor, err := trust.LoadAnchor(cfg.TrustAnchorPath)
	if err != nil {
		appLogger.Error("failed to load trust anchor", slog.String("error", err.Error()))
		os.Exit(exitMisconfig)
	}

	signerKey, signerCert, err := qes.SelfSignedIdentity("ErxService")
	if err != nil {
		appLogger.Error("failed to create signing identity", slog.String("error", err.Error()))
		os.Exit(exitMisconfig)
	}

	throttle := qes.NewThrottle(cfg.QESFailureThreshold, cfg.QESFailureWindow)
	verifier := qes.NewVerifier(trustStore, throttle, appLogger)
	receipts := receipt.NewBuilder(qes.NewSigner(signerKey, signerCert))

	srv := server.NewServer(cfg, server.Deps{
		Store:     stateStore,
		Trust:     trustStore,
		QES:       verifier,
		Receipts:  receipts,
		Decrypter: vau.NewDecrypter(vauKey),
		VAUCert:   vauCert,
	}, appLogger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	refresher := trust.NewRefresher(trustStore, anchor, cfg.TSLURL, cfg.IDPURL,
		cfg.RefreshInterval, cfg.FetchTimeout, appLogger)
	go refresher.Run(ctx)

	flusher := store.NewFlusher(stateStore, cfg.StatePath, cfg.FlushFatalWindow, appLogger)
	go flusher.Run(ctx)

	go stateStore.RunExpiry(ctx, cfg.ExpiryTick, appLogger)

	appLogger.Info("starting server", slog.String("version", version.Get().Version))

	if err := srv.Start(ctx); err != nil {
		appLogger.Error("server error", slog.String("error", err.Error()))
		return err
	}

	appLogger.Info("server shutdown complete")
	return nil
}
