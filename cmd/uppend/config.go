package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/hupe1980/uppend"
)

// config holds settings shared by all subcommands. Values come from the
// environment (optionally via a .env file) and may be overridden by flags.
type config struct {
	Dir            string
	Compression    string
	ValuesPerBlock int
	HashDepth      int
	FlushInterval  time.Duration
	LogLevel       string
	LogJSON        bool
	MetricsAddr    string

	S3Region    string
	S3Endpoint  string
	DynamoTable string

	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioSecure    bool
}

func loadConfig(getenv func(string) string) (config, error) {
	c := config{
		Dir:         "uppend-data",
		LogLevel:    "info",
		MinioSecure: true,
	}

	str := func(name string, dst *string) {
		if v := getenv(name); v != "" {
			*dst = v
		}
	}
	str("UPPEND_DIR", &c.Dir)
	str("UPPEND_COMPRESSION", &c.Compression)
	str("UPPEND_LOG_LEVEL", &c.LogLevel)
	str("UPPEND_METRICS_ADDR", &c.MetricsAddr)
	str("UPPEND_S3_REGION", &c.S3Region)
	str("UPPEND_S3_ENDPOINT", &c.S3Endpoint)
	str("UPPEND_DYNAMODB_TABLE", &c.DynamoTable)
	str("UPPEND_MINIO_ENDPOINT", &c.MinioEndpoint)
	str("UPPEND_MINIO_ACCESS_KEY", &c.MinioAccessKey)
	str("UPPEND_MINIO_SECRET_KEY", &c.MinioSecretKey)

	for _, e := range []struct {
		name string
		dst  *int
	}{
		{"UPPEND_VALUES_PER_BLOCK", &c.ValuesPerBlock},
		{"UPPEND_HASH_DEPTH", &c.HashDepth},
	} {
		if v := getenv(e.name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return c, fmt.Errorf("%s: %w", e.name, err)
			}
			*e.dst = n
		}
	}
	for _, e := range []struct {
		name string
		dst  *bool
	}{
		{"UPPEND_LOG_JSON", &c.LogJSON},
		{"UPPEND_MINIO_SECURE", &c.MinioSecure},
	} {
		if v := getenv(e.name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return c, fmt.Errorf("%s: %w", e.name, err)
			}
			*e.dst = b
		}
	}
	if v := getenv("UPPEND_FLUSH_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return c, fmt.Errorf("UPPEND_FLUSH_INTERVAL: %w", err)
		}
		c.FlushInterval = d
	}
	return c, nil
}

// bindStore registers the flags that control how the store is opened.
func (c *config) bindStore(fs *flag.FlagSet) {
	fs.StringVar(&c.Dir, "dir", c.Dir, "store directory")
	fs.StringVar(&c.Compression, "compression", c.Compression, "payload compression: none, lz4 or zstd")
	fs.IntVar(&c.ValuesPerBlock, "values-per-block", c.ValuesPerBlock, "values per block for new stores")
	fs.IntVar(&c.HashDepth, "hash-depth", c.HashDepth, "key hash depth for new stores")
	fs.DurationVar(&c.FlushInterval, "flush-interval", c.FlushInterval, "background flush interval (0 disables)")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level: debug, info, warn or error")
	fs.BoolVar(&c.LogJSON, "log-json", c.LogJSON, "emit JSON logs")
}

// bindRemote registers the flags for remote backup targets.
func (c *config) bindRemote(fs *flag.FlagSet) {
	fs.StringVar(&c.S3Region, "s3-region", c.S3Region, "S3 region override")
	fs.StringVar(&c.S3Endpoint, "s3-endpoint", c.S3Endpoint, "S3-compatible endpoint")
	fs.StringVar(&c.DynamoTable, "dynamodb-table", c.DynamoTable, "DynamoDB table for the backup catalog")
	fs.StringVar(&c.MinioEndpoint, "minio-endpoint", c.MinioEndpoint, "MinIO endpoint (host:port)")
	fs.BoolVar(&c.MinioSecure, "minio-secure", c.MinioSecure, "use TLS for MinIO")
}

func (c *config) logger() (*uppend.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	if c.LogJSON {
		return uppend.NewLogger(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})), nil
	}
	return uppend.NewLogger(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})), nil
}

func (c *config) storeOptions() ([]uppend.Option, error) {
	logger, err := c.logger()
	if err != nil {
		return nil, err
	}
	opts := []uppend.Option{uppend.WithLogger(logger)}
	if c.Compression != "" {
		comp, err := uppend.ParseCompression(c.Compression)
		if err != nil {
			return nil, err
		}
		opts = append(opts, uppend.WithCompression(comp))
	}
	if c.ValuesPerBlock > 0 {
		opts = append(opts, uppend.WithValuesPerBlock(c.ValuesPerBlock))
	}
	if c.HashDepth > 0 {
		opts = append(opts, uppend.WithHashDepth(c.HashDepth))
	}
	if c.FlushInterval > 0 {
		opts = append(opts, uppend.WithFlushInterval(c.FlushInterval))
	}
	return opts, nil
}
