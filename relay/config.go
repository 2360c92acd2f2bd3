// File: relay/config.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package relay

import (
	"runtime"
	"time"
)

// Config holds every tunable the relay's core accepts. Fields mirror the
// external interface table: bind address/port, shard topology, buffer
// pool sizing, ring depth, and drain behavior.
type Config struct {
	Host string
	Port int

	Shards          int
	BuffersPerShard int
	BufferSize      int

	SubmissionQueueDepth uint32
	CompletionBatch      int

	BroadcastEchoSender bool
	CommandQueueDepth   int

	ShutdownTimeout time.Duration
	LogLevel        string
}

// Option mutates a Config in place; passed in sequence to New.
type Option func(*Config)

// DefaultConfig returns the baseline configuration: all interfaces,
// port 9000, one shard per core minus one (minimum two), 4096 buffers
// of 2048 bytes each per shard, a 2048-entry ring, and no CHAT echo.
func DefaultConfig() *Config {
	shards := runtime.NumCPU() - 1
	if shards < 2 {
		shards = 2
	}
	return &Config{
		Host:                 "0.0.0.0",
		Port:                 9000,
		Shards:               shards,
		BuffersPerShard:      4096,
		BufferSize:           2048,
		SubmissionQueueDepth: 2048,
		CompletionBatch:      256,
		BroadcastEchoSender:  false,
		CommandQueueDepth:    1024,
		ShutdownTimeout:      10 * time.Second,
		LogLevel:             "info",
	}
}

// WithAddr sets the bind host and port.
func WithAddr(host string, port int) Option {
	return func(c *Config) { c.Host, c.Port = host, port }
}

// WithShards sets the worker shard count.
func WithShards(n int) Option {
	return func(c *Config) { c.Shards = n }
}

// WithBuffers sets the per-shard buffer pool dimensions.
func WithBuffers(count, size int) Option {
	return func(c *Config) { c.BuffersPerShard, c.BufferSize = count, size }
}

// WithEcho sets whether a CHAT frame is echoed back to its sender.
func WithEcho(echo bool) Option {
	return func(c *Config) { c.BroadcastEchoSender = echo }
}

// WithLogLevel sets the structured logger's minimum emitted level.
func WithLogLevel(level string) Option {
	return func(c *Config) { c.LogLevel = level }
}

// WithShutdownTimeout sets the grace period Shutdown waits before giving up
// on a clean drain.
func WithShutdownTimeout(d time.Duration) Option {
	return func(c *Config) { c.ShutdownTimeout = d }
}

func apply(cfg *Config, opts []Option) *Config {
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}
