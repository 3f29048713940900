package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/scanhub/scanhub/internal/aiworker"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ai-worker",
		Short: "Mock scan analysis worker",
	}

	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the analysis worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker()
		},
	}
}

func runWorker() error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	v := viper.New()
	v.SetDefault("WORKER_PORT", "8001")
	v.SetDefault("CALLBACK_URL", "http://localhost:8000/api/ai/analysis-complete")
	v.SetDefault("ANALYSIS_DELAY", "5s")
	v.AutomaticEnv()

	delay, err := time.ParseDuration(v.GetString("ANALYSIS_DELAY"))
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid ANALYSIS_DELAY")
	}

	analyzer := aiworker.NewAnalyzer(delay)
	handler := aiworker.NewHandler(analyzer, v.GetString("CALLBACK_URL"), logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.Recover())
	handler.RegisterRoutes(e)

	addr := ":" + v.GetString("WORKER_PORT")
	go func() {
		logger.Info().Str("addr", addr).Dur("delay", delay).Msg("analysis worker listening")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("worker server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down worker")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(ctx)
}
