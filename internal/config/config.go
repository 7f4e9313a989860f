package config

import "github.com/spf13/viper"

// Config holds all runtime configuration for the textboard server and
// persistence worker.
type Config struct {
	BindAddr string
	BaseURL  string

	MySQLDSN string
	RedisURL string

	ASNHeader string

	ActivationTTLSec     int
	EmailAuthWindowDays  int
	DefaultThreadSpanSec int
	DefaultResSpanSec    int
	ThreadListTTLSec     int
	DatCacheTTLDays      int

	TinkerSecret string

	CaptchaConfigPath string

	RestrictionRefreshSec int
	BoardCacheTTLSec      int

	PersistDrainIntervalSec int
	PersistChunkSize        int

	ArchiveDir string

	LogLevel string
}

// Load reads configuration from viper, which merges flag values, env vars,
// and defaults (set up by the cobra command in cmd/eddist-server and
// cmd/eddist-persistence).
func Load() Config {
	return Config{
		BindAddr: viper.GetString("bind_addr"),
		BaseURL:  viper.GetString("base_url"),

		MySQLDSN: viper.GetString("mysql_dsn"),
		RedisURL: viper.GetString("redis_url"),

		ASNHeader: viper.GetString("asn_header"),

		ActivationTTLSec:     viper.GetInt("activation_ttl_sec"),
		EmailAuthWindowDays:  viper.GetInt("email_auth_window_days"),
		DefaultThreadSpanSec: viper.GetInt("default_thread_span_sec"),
		DefaultResSpanSec:    viper.GetInt("default_res_span_sec"),
		ThreadListTTLSec:     viper.GetInt("thread_list_ttl_sec"),
		DatCacheTTLDays:      viper.GetInt("dat_cache_ttl_days"),

		TinkerSecret: viper.GetString("tinker_secret"),

		CaptchaConfigPath: viper.GetString("captcha_config_path"),

		RestrictionRefreshSec: viper.GetInt("restriction_refresh_sec"),
		BoardCacheTTLSec:      viper.GetInt("board_cache_ttl_sec"),

		PersistDrainIntervalSec: viper.GetInt("persist_drain_interval_sec"),
		PersistChunkSize:        viper.GetInt("persist_chunk_size"),

		ArchiveDir: viper.GetString("archive_dir"),

		LogLevel: viper.GetString("log_level"),
	}
}
