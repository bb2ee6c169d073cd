package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberrecover "github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/spf13/cobra"

	"github.com/hivedev/hive/internal/agent"
	"github.com/hivedev/hive/internal/config"
	"github.com/hivedev/hive/internal/db"
	"github.com/hivedev/hive/internal/engine"
	"github.com/hivedev/hive/internal/events"
	"github.com/hivedev/hive/internal/git"
	"github.com/hivedev/hive/internal/handlers"
	"github.com/hivedev/hive/internal/logger"
	"github.com/hivedev/hive/internal/middleware"
	"github.com/hivedev/hive/internal/supervisor"
	"github.com/hivedev/hive/internal/templates"
)

var (
	servePort int
	serveDev  bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the hive API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8181, "port to listen on")
	serveCmd.Flags().BoolVar(&serveDev, "dev", false, "pretty console logging")
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	logger.Configure(logger.GetLogLevelFromEnv(serveDev), serveDev)
	cfg := config.Runtime

	store, err := db.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	registry, err := templates.Load(cfg.TemplatesPath)
	if err != nil {
		return fmt.Errorf("load templates: %w", err)
	}

	bus := events.NewBus()
	worktrees := git.NewWorktreeManager(git.NewShellExecutor())
	sup := supervisor.New(store, cfg, bus)
	agentAdapter := agent.New(cfg)
	eng := engine.New(store, cfg, bus, registry, worktrees, sup, agentAdapter)

	app := fiber.New(fiber.Config{
		AppName:               "hive",
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{"message": err.Error()})
		},
	})
	app.Use(fiberrecover.New())
	app.Use(middleware.NewAuthMiddleware().RequireAuth)
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "version": Version})
	})

	handlers.Register(app,
		handlers.NewCellsHandler(eng, store, sup, worktrees),
		handlers.NewServicesHandler(store, sup),
		handlers.NewTerminalsHandler(store, cfg, eng, sup),
		handlers.NewStreamsHandler(store, bus, sup),
	)

	// Interrupted provisioning and deletion runs restart before the listener
	// accepts traffic.
	eng.Resume(context.Background())

	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", servePort)
		logger.Infof("Hive listening on %s", addr)
		errCh <- app.Listen(addr)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case s := <-sig:
		logger.Infof("Received %s, shutting down", s)
	}

	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		logger.Warnf("HTTP shutdown: %v", err)
	}
	eng.Shutdown()
	sup.Shutdown()
	agentAdapter.Shutdown()
	bus.Close()
	logger.Info("Shutdown complete")
	return nil
}
