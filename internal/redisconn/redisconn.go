// Package redisconn builds go-redis clients from relayd configuration. The
// durable store and the session event publisher share it.
package redisconn

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// TLSConfig controls TLS behaviour for Redis connections.
type TLSConfig struct {
	CAFile             string `mapstructure:"ca-file"`
	CertFile           string `mapstructure:"cert-file"`
	KeyFile            string `mapstructure:"key-file"`
	ServerName         string `mapstructure:"server-name"`
	InsecureSkipVerify bool   `mapstructure:"insecure-skip-verify"`
}

// Config describes how to reach a Redis deployment (single node, cluster, or
// sentinel when MasterName is set).
type Config struct {
	Addr         string        `mapstructure:"addr"`
	Addrs        []string      `mapstructure:"addrs"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	MasterName   string        `mapstructure:"master-name"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool-size"`
	DialTimeout  time.Duration `mapstructure:"dial-timeout"`
	ReadTimeout  time.Duration `mapstructure:"read-timeout"`
	WriteTimeout time.Duration `mapstructure:"write-timeout"`
	TLS          TLSConfig     `mapstructure:"tls"`
}

// Enabled reports whether any address is configured.
func (c Config) Enabled() bool {
	return len(c.addresses()) > 0
}

func (c Config) addresses() []string {
	addrs := make([]string, 0, len(c.Addrs)+1)
	for _, addr := range c.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(c.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	return addrs
}

// NewClient opens a client and verifies connectivity with PING.
func NewClient(ctx context.Context, cfg Config) (redis.UniversalClient, error) {
	addrs := cfg.addresses()
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	tlsConfig, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		DB:           cfg.DB,
		TLSConfig:    tlsConfig,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func buildTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.ServerName != "" {
		tlsCfg.ServerName = cfg.ServerName
	}
	if cfg.CAFile != "" {
		pemData, err := os.ReadFile(filepath.Clean(cfg.CAFile))
		if err != nil {
			return nil, fmt.Errorf("read redis tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("redis tls ca is invalid")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(filepath.Clean(cfg.CertFile), filepath.Clean(cfg.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis tls certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
