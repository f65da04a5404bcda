// Package cmn holds the module's ambient configuration and error types,
// mirroring the teacher's cmn.GCO / cmn.Rom global-config-owner pattern
// (see xact/xs/tcb.go: `config = cmn.GCO.Get()`, `cmn.Rom.FastV(...)`).
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import (
	"os"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// Timeout groups the durations the protocol engine and dispatcher wait on.
type Timeout struct {
	Handshake     time.Duration `json:"handshake"`      // max wait for REPLY_IDENTIFY
	ReleaseDelay  time.Duration `json:"release_delay"`   // §4.4 "delayed release", ~1s
	SocketRetry   time.Duration `json:"socket_retry"`    // backoff between NEED_SERVER attempts
	Quiesce       time.Duration `json:"quiesce"`         // drain-on-teardown grace period
}

// Net groups wire-level limits (§6).
type Net struct {
	MaxMessageBody int `json:"max_message_body"` // fatal-for-the-connection threshold
	OutboundQueue  int `json:"outbound_queue"`    // not read: the two outbound queues are unbounded
}

type Config struct {
	Timeout    Timeout `json:"timeout"`
	Net        Net     `json:"net"`
	Verbosity  int     `json:"verbosity"`
	RegionBits uint    `json:"-"` // R; learned at handshake, not configured
}

func defaultConfig() *Config {
	return &Config{
		Timeout: Timeout{
			Handshake:    10 * time.Second,
			ReleaseDelay: time.Second,
			SocketRetry:  500 * time.Millisecond,
			Quiesce:      2 * time.Second,
		},
		Net: Net{
			MaxMessageBody: 4096,
			OutboundQueue:  4096,
		},
	}
}

// gco is the global config owner: a single atomically-swapped pointer, the
// same shape as the teacher's cmn.GCO.
type gco struct {
	p atomic.Pointer[Config]
}

func (g *gco) Get() *Config { return g.p.Load() }
func (g *gco) Put(c *Config) { g.p.Store(c) }

var GCO = &gco{}

func init() { GCO.Put(defaultConfig()) }

// LoadFile overlays JSON config from path onto the defaults; unknown or
// missing file is not an error (the defaults stand in, same as the
// teacher tolerating a missing override file).
func LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	c := defaultConfig()
	if err := jsoniter.Unmarshal(b, c); err != nil {
		return err
	}
	GCO.Put(c)
	return nil
}

// Rom ("read-only mode" settings) mirrors cmn.Rom.FastV: a cheap verbosity
// gate consulted on hot paths before formatting a log line.
var Rom rom

type rom struct{}

func (rom) FastV(level int, _ string) bool { return GCO.Get().Verbosity >= level }
