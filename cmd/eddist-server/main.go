// Command eddist-server runs the textboard's HTTP surface: bbs.cgi post
// ingestion, board text endpoints, dat serving, auth-code activation, and
// the per-thread WebSocket update stream.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/eddist-go/eddist/internal/archivestore"
	"github.com/eddist-go/eddist/internal/authtoken"
	"github.com/eddist-go/eddist/internal/bbslog"
	"github.com/eddist-go/eddist/internal/boardcache"
	"github.com/eddist-go/eddist/internal/captcha"
	"github.com/eddist-go/eddist/internal/config"
	"github.com/eddist-go/eddist/internal/datserve"
	"github.com/eddist-go/eddist/internal/fanout"
	"github.com/eddist-go/eddist/internal/postingest"
	"github.com/eddist-go/eddist/internal/ratelimit"
	"github.com/eddist-go/eddist/internal/redisclient"
	"github.com/eddist-go/eddist/internal/storage"
	"github.com/eddist-go/eddist/internal/tinker"
	"github.com/eddist-go/eddist/internal/web"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "eddist-server",
		Short: "Textboard write/serve HTTP server",
		RunE:  run,
	}

	f := rootCmd.Flags()
	f.String("bind-addr", ":8080", "address to listen on")
	f.String("base-url", "http://localhost:8080", "public base URL, used in rendered links")
	f.String("mysql-dsn", "eddist:eddist@tcp(127.0.0.1:3306)/eddist?parseTime=true", "MySQL DSN")
	f.String("redis-url", "redis://127.0.0.1:6379/0", "Redis connection URL")
	f.String("asn-header", "X-ASN-Num", "request header carrying the origin ASN")
	f.Int("activation-ttl-sec", 900, "seconds a Pending authed token has to be activated")
	f.Int("email-auth-window-days", 30, "days a prohibited-UA email-auth token stays flagged")
	f.Int("default-thread-span-sec", 0, "fallback thread-creation span when a board leaves it unset")
	f.Int("default-res-span-sec", 0, "fallback response-creation span when a board leaves it unset")
	f.Int("thread-list-ttl-sec", 60, "subject.txt listing freshness, informational")
	f.Int("dat-cache-ttl-days", 7, "TTL refreshed on every write to a thread's dat list cache")
	f.String("tinker-secret", "", "HMAC secret for signing tinker-token cookies")
	f.String("captcha-config-path", "", "path to the JSON array of configured CAPTCHA providers")
	f.Int("restriction-refresh-sec", 300, "user-restriction-rule cache refresh interval")
	f.Int("board-cache-ttl-sec", 60, "board/board-info cache TTL")
	f.String("archive-dir", "./archive", "filesystem root for archived (kako) dat objects")
	f.String("log-level", "info", "log level (debug, info, warn, error)")

	bind := func(key, flag string) { _ = viper.BindPFlag(key, f.Lookup(flag)) }
	bind("bind_addr", "bind-addr")
	bind("base_url", "base-url")
	bind("mysql_dsn", "mysql-dsn")
	bind("redis_url", "redis-url")
	bind("asn_header", "asn-header")
	bind("activation_ttl_sec", "activation-ttl-sec")
	bind("email_auth_window_days", "email-auth-window-days")
	bind("default_thread_span_sec", "default-thread-span-sec")
	bind("default_res_span_sec", "default-res-span-sec")
	bind("thread_list_ttl_sec", "thread-list-ttl-sec")
	bind("dat_cache_ttl_days", "dat-cache-ttl-days")
	bind("tinker_secret", "tinker-secret")
	bind("captcha_config_path", "captcha-config-path")
	bind("restriction_refresh_sec", "restriction-refresh-sec")
	bind("board_cache_ttl_sec", "board-cache-ttl-sec")
	bind("archive_dir", "archive-dir")
	bind("log_level", "log-level")

	viper.SetEnvPrefix("EDDIST")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// threadChecker adapts the board cache and repository to fanout.ThreadChecker.
type threadChecker struct {
	boards *boardcache.Cache
	repo   *storage.DB
}

func (t threadChecker) IsActiveThread(ctx context.Context, boardKey string, threadNumber int64) (bool, error) {
	board, _, err := t.boards.Get(ctx, boardKey)
	if err != nil {
		return false, err
	}
	thread, err := t.repo.GetThreadByNumber(ctx, board.ID, threadNumber)
	if err != nil {
		return false, err
	}
	return thread.Active && !thread.Archived, nil
}

func run(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if err := bbslog.SetLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("set log level: %w", err)
	}
	log := bbslog.For("main")
	log.WithField("bind_addr", cfg.BindAddr).Info("eddist-server starting")

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

	archive, err := archivestore.NewFSStore(cfg.ArchiveDir)
	if err != nil {
		return fmt.Errorf("open archive store: %w", err)
	}

	boards := boardcache.New(repo, time.Duration(cfg.BoardCacheTTLSec)*time.Second)

	auth := authtoken.New(repo, redis, time.Duration(cfg.ActivationTTLSec)*time.Second)

	var providers []captcha.ProviderConfig
	if cfg.CaptchaConfigPath != "" {
		providers, err = captcha.LoadProviders(cfg.CaptchaConfigPath)
		if err != nil {
			return fmt.Errorf("load captcha providers: %w", err)
		}
	}
	captchaVerifier := captcha.NewVerifier(10 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	restrictions, err := ratelimit.NewRestrictionCache(ctx, func(ctx context.Context) ([]ratelimit.Rule, error) {
		rows, err := repo.ListActiveRestrictionRules(ctx, time.Now())
		if err != nil {
			return nil, err
		}
		rules := make([]ratelimit.Rule, 0, len(rows))
		for _, r := range rows {
			rule := ratelimit.Rule{Name: r.Name, Type: ratelimit.RuleType(r.RuleType), Value: r.RuleValue}
			if r.ExpiresAt.Valid {
				t := r.ExpiresAt.Time
				rule.ExpiresAt = &t
			}
			rules = append(rules, rule)
		}
		return rules, nil
	})
	if err != nil {
		return fmt.Errorf("load restriction rules: %w", err)
	}
	go restrictions.RunRefreshLoop(ctx, time.Duration(cfg.RestrictionRefreshSec)*time.Second)

	spanLimiter := ratelimit.NewSpanLimiter(redis)
	tinkerSigner := tinker.NewSigner(cfg.TinkerSecret)

	posts := postingest.New(boards, repo, redis, auth, spanLimiter, restrictions, tinkerSigner,
		time.Duration(cfg.DatCacheTTLDays)*24*time.Hour, time.Duration(cfg.EmailAuthWindowDays)*24*time.Hour, nil)

	dats := datserve.New(redis, repo, archive, nil)

	hub := fanout.New(redis, threadChecker{boards: boards, repo: repo}, 60*time.Second)

	srv := web.New(cfg, web.Deps{
		Boards:    boards,
		Repo:      repo,
		Posts:     posts,
		Dats:      dats,
		Auth:      auth,
		Captcha:   captchaVerifier,
		Providers: providers,
		Tinker:    tinkerSigner,
		Hub:       hub,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	case sig := <-sigCh:
		log.WithField("signal", sig).Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	}
	return nil
}
