// Command eddist-persistence runs the durability worker: it mirrors every
// published post onto the SQL-failure recovery buffer and periodically
// drains that buffer into the system-of-record, recovering from any
// transient failure of the inline SQL write on the request path.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/eddist-go/eddist/internal/bbslog"
	"github.com/eddist-go/eddist/internal/config"
	"github.com/eddist-go/eddist/internal/persistworker"
	"github.com/eddist-go/eddist/internal/redisclient"
	"github.com/eddist-go/eddist/internal/storage"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "eddist-persistence",
		Short: "Drains the post recovery buffer into the system-of-record",
		RunE:  run,
	}

	f := rootCmd.Flags()
	f.String("mysql-dsn", "eddist:eddist@tcp(127.0.0.1:3306)/eddist?parseTime=true", "MySQL DSN")
	f.String("redis-url", "redis://127.0.0.1:6379/0", "Redis connection URL")
	f.Int("persist-drain-interval-sec", 10, "seconds between recovery-buffer drain attempts")
	f.String("log-level", "info", "log level (debug, info, warn, error)")

	bind := func(key, flag string) { _ = viper.BindPFlag(key, f.Lookup(flag)) }
	bind("mysql_dsn", "mysql-dsn")
	bind("redis_url", "redis-url")
	bind("persist_drain_interval_sec", "persist-drain-interval-sec")
	bind("log_level", "log-level")

	viper.SetEnvPrefix("EDDIST")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if err := bbslog.SetLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("set log level: %w", err)
	}
	log := bbslog.For("main")
	log.Info("eddist-persistence starting")

	repo, err := storage.Open(cfg.MySQLDSN)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer repo.Close() //nolint:errcheck

	redis, err := redisclient.New(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("open redis: %w", err)
	}
	defer redis.Close() //nolint:errcheck

	worker := persistworker.New(redis.Persistence(), repo)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := worker.RunSubscriber(ctx); err != nil {
			log.WithField("error", err).Error("pubsub subscriber stopped")
		}
	}()
	go func() {
		defer wg.Done()
		worker.RunPersistence(ctx, time.Duration(cfg.PersistDrainIntervalSec)*time.Second)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	log.WithField("signal", sig).Info("shutting down")
	cancel()
	wg.Wait()
	return nil
}
