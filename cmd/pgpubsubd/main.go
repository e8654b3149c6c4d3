// pgpubsubd is a demo server around the pgpubsub library: it listens on a
// channel, exposes HTTP endpoints for health/status/manual publish, and
// runs a background janitor that reports abandoned locks.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/nibbleworks/pgpubsub/internal/democonfig"
	"github.com/nibbleworks/pgpubsub/internal/janitor"
	"github.com/nibbleworks/pgpubsub/pkg/database"
	"github.com/nibbleworks/pgpubsub/pkg/pgpubsub"

	"github.com/gin-gonic/gin"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("Warning: Could not load %s file: %v", envPath, err)
		log.Printf("Continuing with existing environment variables...")
	} else {
		log.Printf("Loaded environment from %s", envPath)
	}

	demoCfg, err := democonfig.Load(democonfig.ResolvePath())
	if err != nil {
		log.Fatalf("Failed to load demo config: %v", err)
	}

	gin.SetMode(getEnv("GIN_MODE", demoCfg.GinMode))

	log.Printf("Starting pgpubsubd")
	log.Printf("HTTP Port: %s", demoCfg.HTTPPort)
	log.Printf("Demo channel: %s", demoCfg.DemoChannel)

	ctx := context.Background()

	// Audit-log database (the demo's own supplementary schema, not the
	// pgpubsub lock schema).
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		log.Fatalf("Failed to load database config: %v", err)
	}

	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			log.Printf("Error closing database client: %v", err)
		}
	}()
	log.Println("Connected to PostgreSQL database")

	// pgpubsub itself, against the same database.
	connString := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		dbConfig.Host, dbConfig.Port, dbConfig.User, dbConfig.Password, dbConfig.Database, dbConfig.SSLMode,
	)
	opts := pgpubsub.DefaultOptions()
	opts.ConnString = connString

	ps := pgpubsub.New(opts)
	if err := ps.Connect(ctx); err != nil {
		log.Fatalf("Failed to connect pgpubsub: %v", err)
	}

	ps.On(demoCfg.DemoChannel, func(args ...any) {
		var payload any
		if len(args) > 0 {
			payload = args[0]
		}
		slog.Info("pgpubsubd: received notification", "channel", demoCfg.DemoChannel, "payload", payload)
		if err := database.RecordNotification(ctx, dbClient.DB(), demoCfg.DemoChannel, fmt.Sprint(payload), "inbound"); err != nil {
			slog.Error("pgpubsubd: failed to record inbound notification", "error", err)
		}
	})
	if err := ps.Listen(ctx, demoCfg.DemoChannel); err != nil {
		log.Fatalf("Failed to listen on %s: %v", demoCfg.DemoChannel, err)
	}

	// Lock janitor: periodic visibility sweep, independent of each lock's
	// own acquireInterval timer.
	j := janitor.New(dbClient.DB(), opts.SchemaName, slog.Default())
	if err := j.Start(demoCfg.JanitorCron); err != nil {
		log.Fatalf("Failed to start janitor: %v", err)
	}

	// On SIGINT/SIGTERM the coordinator destroys every channel lock in the
	// process-wide roster and exits the process. The janitor is not stopped,
	// the pgpubsub connection is not closed, and deferred closes (the
	// audit-log database) do not run.
	coordinator := pgpubsub.NewShutdownCoordinator(opts.ShutdownTimeout, opts.Logger)
	stopSignals := coordinator.Listen()
	defer stopSignals()

	router := gin.Default()

	router.GET("/health", func(c *gin.Context) {
		reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		dbHealth, err := database.Health(reqCtx, dbClient.DB())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":   "unhealthy",
				"database": dbHealth,
				"error":    err.Error(),
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":   "healthy",
			"database": dbHealth,
		})
	})

	router.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"supervisor_state":  ps.State().String(),
			"all_channels":      ps.AllChannels(),
			"active_channels":   ps.ActiveChannels(),
			"inactive_channels": ps.InactiveChannels(),
			"is_active":         ps.IsActive(),
		})
	})

	router.POST("/publish", func(c *gin.Context) {
		var body struct {
			Channel string `json:"channel" binding:"required"`
			Payload any    `json:"payload"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		if err := ps.Notify(reqCtx, body.Channel, body.Payload); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if err := database.RecordNotification(reqCtx, dbClient.DB(), body.Channel, fmt.Sprint(body.Payload), "outbound"); err != nil {
			slog.Error("pgpubsubd: failed to record outbound notification", "error", err)
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "published"})
	})

	log.Printf("HTTP server listening on :%s", demoCfg.HTTPPort)
	if err := router.Run(":" + demoCfg.HTTPPort); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
