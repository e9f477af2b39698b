/*
Copyright 2023 The Jupyter-Bridge Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package bridge

import (
	"time"

	"github.com/bdemchak/jupyter-bridge/pkg/util"
)

const (
	// Something less than a connection timeout, but long enough not to cause
	// the caller to create a dequeue blizzard.
	defaultDequeueTimeout = 15 * time.Second

	// A fast polling rate means overall fast response to clients.
	defaultFastPollInterval = 100 * time.Millisecond

	// A slow polling rate means saving store bandwidth.
	defaultSlowPollInterval = 2 * time.Second

	// Count of polls before a waiter drops from fast to slow.
	defaultMaxFastPolls = 10

	// How long an idle slot lives.
	defaultExpiry = 24 * time.Hour
)

// Config holds the polling and expiry knobs of the rendezvous engine.
type Config struct {
	DequeueTimeout   time.Duration
	FastPollInterval time.Duration
	SlowPollInterval time.Duration
	MaxFastPolls     int
	Expiry           time.Duration
	PadResponses     bool
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		DequeueTimeout:   defaultDequeueTimeout,
		FastPollInterval: defaultFastPollInterval,
		SlowPollInterval: defaultSlowPollInterval,
		MaxFastPolls:     defaultMaxFastPolls,
		Expiry:           defaultExpiry,
		PadResponses:     true,
	}
}

// ConfigFromEnv resolves the JUPYTER_* environment overrides on top of the
// defaults. The seconds-valued variables accept fractions, e.g. "0.1".
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	var err error
	if cfg.DequeueTimeout, err = util.ResolveOsEnvSeconds("JUPYTER_DEQUEUE_TIMEOUT_SECS", cfg.DequeueTimeout); err != nil {
		return cfg, err
	}
	if cfg.FastPollInterval, err = util.ResolveOsEnvSeconds("JUPYTER_FAST_BRIDGE_POLL_SECS", cfg.FastPollInterval); err != nil {
		return cfg, err
	}
	if cfg.SlowPollInterval, err = util.ResolveOsEnvSeconds("JUPYTER_SLOW_BRIDGE_POLL_SECS", cfg.SlowPollInterval); err != nil {
		return cfg, err
	}
	if cfg.MaxFastPolls, err = util.ResolveOsEnvInt("JUPYTER_ALLOWED_FAST_DEQUEUE_POLLS", cfg.MaxFastPolls); err != nil {
		return cfg, err
	}
	if cfg.PadResponses, err = util.ResolveOsEnvBool("JUPYTER_PAD_RESPONSES", cfg.PadResponses); err != nil {
		return cfg, err
	}
	return cfg, nil
}
