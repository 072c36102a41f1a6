// Package config loads the BBS's JSON configuration into a single Snapshot,
// applying defaults before unmarshalling so a missing or partial config.json
// still produces a runnable configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/stlalpha/meshbbs/internal/logging"
)

// Snapshot aggregates every tunable the core reads at boot. It is loaded
// once at boot and passed to every component; Watcher re-reads config.json
// into it at runtime when the file changes.
type Snapshot struct {
	BoardName   string `json:"boardName"`
	SysOpName   string `json:"sysOpName"`
	DataDir     string `json:"dataDir"`
	SerialPort  string `json:"serialPort"`
	PrimaryChan byte   `json:"primaryChannel"`

	PublicCommandPrefix string `json:"publicCommandPrefix"`
	AllowPublicLogin    bool   `json:"allowPublicLogin"`
	MaxUsers            int    `json:"maxUsers"`
	SessionTimeoutMin   int    `json:"sessionTimeoutMinutes"`
	PublicCooldownSec   int    `json:"publicCooldownSeconds"`

	RequireDeviceAtStartup bool `json:"requireDeviceAtStartup"`

	Pacing  PacingConfig  `json:"pacing"`
	Queue   QueueConfig   `json:"queue"`
	Welcome WelcomeConfig `json:"welcome"`
	Beacon  BeaconConfig  `json:"beacon"`
	Health  HealthConfig  `json:"health"`

	MetricsAddr string `json:"metricsAddr"`
}

// PacingConfig controls the Writer's send-gap enforcement.
type PacingConfig struct {
	MinSendGapMs       int `json:"minSendGapMs"`
	PostDMBroadcastGap int `json:"postDmBroadcastGapMs"`
	DMToDMGapMs        int `json:"dmToDmGapMs"`
	MaxRetries         int `json:"maxRetries"`
	PendingSoftLimit   int `json:"pendingSoftLimit"`
	BroadcastAckTTLSec int `json:"broadcastAckTtlSeconds"`
	PingTimeoutSec     int `json:"pingTimeoutSeconds"`
}

// QueueConfig controls the scheduler's bounded priority queue.
type QueueConfig struct {
	MaxQueue          int `json:"maxQueue"`
	AgingThresholdMs  int `json:"agingThresholdMs"`
	CircuitOpenPct    int `json:"circuitOpenPercent"`
	CircuitWarnPct    int `json:"circuitWarnPercent"`
}

// WelcomeConfig controls the welcome subsystem.
type WelcomeConfig struct {
	Enabled             bool `json:"enabled"`
	CooldownMinutes     int  `json:"cooldownMinutes"`
	MaxWelcomesPerNode  int  `json:"maxWelcomesPerNode"`
	StartupGapSeconds   int  `json:"startupGapSeconds"`
	ReachabilityTimeout int  `json:"reachabilityTimeoutSeconds"`
}

// BeaconConfig controls the periodic ident beacon.
type BeaconConfig struct {
	Enabled         bool `json:"enabled"`
	FrequencyMin    int  `json:"frequencyMinutes"`
	GraceSeconds    int  `json:"graceSeconds"`
	FallbackNodeID  uint32 `json:"fallbackNodeId"`
}

// HealthConfig controls the health monitor and circuit breaker.
type HealthConfig struct {
	IntervalSeconds int `json:"intervalSeconds"`
}

func defaultSnapshot() Snapshot {
	return Snapshot{
		BoardName:              "MeshBBS",
		SysOpName:               "sysop",
		DataDir:                 "data",
		SerialPort:              "/dev/ttyUSB0",
		PrimaryChan:             0,
		PublicCommandPrefix:     "^",
		AllowPublicLogin:        true,
		MaxUsers:                500,
		SessionTimeoutMin:       10,
		PublicCooldownSec:       60,
		RequireDeviceAtStartup:  true,
		Pacing: PacingConfig{
			MinSendGapMs:       2000,
			PostDMBroadcastGap: 3000,
			DMToDMGapMs:        2000,
			MaxRetries:         3,
			PendingSoftLimit:   100,
			BroadcastAckTTLSec: 30,
			PingTimeoutSec:     120,
		},
		Queue: QueueConfig{
			MaxQueue:         512,
			AgingThresholdMs: 5000,
			CircuitOpenPct:   95,
			CircuitWarnPct:   80,
		},
		Welcome: WelcomeConfig{
			Enabled:             true,
			CooldownMinutes:     5,
			MaxWelcomesPerNode:  3,
			StartupGapSeconds:   30,
			ReachabilityTimeout: 120,
		},
		Beacon: BeaconConfig{
			Enabled:      true,
			FrequencyMin: 30,
			GraceSeconds: 120,
		},
		Health: HealthConfig{
			IntervalSeconds: 30,
		},
		MetricsAddr: ":9090",
	}
}

// Load reads config.json from configDir, applying defaults first so that a
// missing file or partial document still yields a runnable Snapshot.
func Load(configDir string) (Snapshot, error) {
	filePath := filepath.Join(configDir, "config.json")
	logging.Info("loading configuration from %s", filePath)

	cfg := defaultSnapshot()

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			logging.Warn("config.json not found at %s, using defaults", filePath)
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config file %s: %w", filePath, err)
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config JSON from %s: %w", filePath, err)
	}

	logging.Info("configuration loaded from %s", filePath)
	return cfg, nil
}

// Save writes cfg to config.json under configDir, creating the directory if
// needed. Used by sysop tooling; the running server never calls this.
func Save(configDir string, cfg Snapshot) error {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("creating config dir %s: %w", configDir, err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}
	filePath := filepath.Join(configDir, "config.json")
	if err := os.WriteFile(filePath, data, 0o644); err != nil {
		return fmt.Errorf("writing config file %s: %w", filePath, err)
	}
	return nil
}
