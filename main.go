package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"langtest-server/config"
	"langtest-server/db"
	"langtest-server/exam"
	"langtest-server/gateway"
	"langtest-server/handlers"
	"langtest-server/ingestion"
	"langtest-server/middleware"
	"langtest-server/storage"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Error loading configuration: %v", err)
	}

	// "langtest-server token <subject>" prints an admin bearer token and exits
	if len(os.Args) == 3 && os.Args[1] == "token" {
		token, err := middleware.IssueAdminToken(cfg.Admin.JWTSigningKey, cfg.Admin.Issuer, os.Args[2], []string{"admin"}, 24*time.Hour)
		if err != nil {
			log.Fatalf("Unable to issue admin token: %v", err)
		}
		fmt.Println(token)
		return
	}

	ctx := context.Background()

	// Open the store; schema and default reference data are created here
	store, err := db.Open(ctx, cfg.Database.Driver, cfg.Database.URL)
	if err != nil {
		log.Fatalf("Unable to open %s database: %v", cfg.Database.Driver, err)
	}
	defer store.Close()

	audio, err := newAudioStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Unable to initialise audio storage: %v", err)
	}

	ai := gateway.NewOpenAIGateway(store, gateway.Options{
		Model:              cfg.OpenAI.Model,
		TranscriptionModel: cfg.OpenAI.TranscriptionModel,
		BaseURL:            cfg.OpenAI.BaseURL,
		Timeout:            cfg.OpenAI.Timeout,
	})
	deps := handlers.Deps{
		Store:         store,
		Service:       exam.NewService(store, ai, audio),
		Audio:         audio,
		MaxAudioBytes: cfg.Uploads.MaxBytes,
		ReferenceFile: cfg.Reference.File,
	}

	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.HTMLRender = handlers.NewRenderer("templates")
	router.MaxMultipartMemory = cfg.Uploads.MaxBytes
	router.Use(middleware.Logger(), middleware.Recovery(), middleware.CORS(cfg.CORS.AllowedOrigin), middleware.ErrorHandler())

	handlers.RegisterAPI(router.Group("/api"), deps)

	admin := router.Group("/admin")
	admin.Use(middleware.AdminAuth(cfg.Admin.JWTSigningKey, cfg.Admin.Issuer), middleware.RequireRole("admin"))
	handlers.RegisterAdmin(admin, deps)

	// Reference data sync runs once at startup and then on the configured interval
	scheduler := ingestion.NewScheduler(store, cfg.Reference.File)
	if err := scheduler.Start(cfg.Reference.SyncInterval); err != nil {
		log.Fatalf("Unable to schedule reference data sync: %v", err)
	}
	defer scheduler.Stop()

	srv := &http.Server{
		Addr:    cfg.ServerPort,
		Handler: router,
	}

	// Goroutine to gracefully shut down the server
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Println("Shutting down server...")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("ERROR: Server forced to shutdown: %v", err)
		}
	}()

	log.Printf("Language test server starting on %s (%s store, %s uploads)", cfg.ServerPort, cfg.Database.Driver, cfg.Uploads.Backend)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server startup error: %v", err)
	}
	log.Println("Server exited gracefully.")
}

func newAudioStore(ctx context.Context, cfg *config.Config) (storage.AudioStore, error) {
	if cfg.Uploads.Backend == "s3" {
		s3, err := storage.NewS3Store(cfg.S3.Endpoint, cfg.S3.AccessKey, cfg.S3.SecretKey, cfg.S3.Bucket, cfg.S3.UseSSL)
		if err != nil {
			return nil, err
		}
		if err := s3.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return s3, nil
	}
	return storage.NewLocalStore(cfg.Uploads.Dir)
}
