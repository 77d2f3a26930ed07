package main

import (
  "flag"
  "fmt"
  "os"
  "time"

  "gopkg.in/yaml.v3"

  "github.com/ringlabs/go-ring-orchestrator/orchestrator"
)

type config struct {
  Debug, Trace bool
  BindAddress string
  BluetoothDeviceId int
  DeviceName string
  Simulate bool
  SimulateFor time.Duration
  TuningFile string

  Tuning orchestrator.Config
}

// tuningFile is the optional YAML overlay for the core's tuning constants.
// Every field is optional; absent fields keep the built-in defaults.
type tuningFile struct {
  Proximity struct {
    VeryClose *int `yaml:"very_close_dbm"`
    Close     *int `yaml:"close_dbm"`
    Medium    *int `yaml:"medium_dbm"`
    Far       *int `yaml:"far_dbm"`
  } `yaml:"proximity"`

  Power struct {
    IdleMs      *int `yaml:"idle_threshold_ms"`
    SleepMs     *int `yaml:"sleep_threshold_ms"`
    DeepSleepMs *int `yaml:"deep_sleep_threshold_ms"`
    BatteryMs   *int `yaml:"battery_interval_ms"`
  } `yaml:"power"`

  Scheduler struct {
    RetryMs     *int `yaml:"retry_delay_ms"`
    ReconnectMs *int `yaml:"reconnect_delay_ms"`
  } `yaml:"scheduler"`
}

func parseTuning(data []byte, base orchestrator.Config) (orchestrator.Config, error) {
  var tf tuningFile

  if err := yaml.Unmarshal(data, &tf); err != nil {
    return base, fmt.Errorf("failed to parse tuning file: %w", err)
  }

  setInt := func(dst *int, src *int) {
    if src != nil {
      *dst = *src
    }
  }

  setDur := func(dst *time.Duration, src *int) {
    if src != nil {
      *dst = time.Duration(*src) * time.Millisecond
    }
  }

  setInt(&base.Proximity.VeryClose, tf.Proximity.VeryClose)
  setInt(&base.Proximity.Close, tf.Proximity.Close)
  setInt(&base.Proximity.Medium, tf.Proximity.Medium)
  setInt(&base.Proximity.Far, tf.Proximity.Far)

  setDur(&base.Power.Idle, tf.Power.IdleMs)
  setDur(&base.Power.Sleep, tf.Power.SleepMs)
  setDur(&base.Power.DeepSleep, tf.Power.DeepSleepMs)
  setDur(&base.BatteryInterval, tf.Power.BatteryMs)

  setDur(&base.RetryDelay, tf.Scheduler.RetryMs)
  setDur(&base.ReconnectDelay, tf.Scheduler.ReconnectMs)

  return base, nil
}

func loadTuning(path string, base orchestrator.Config) (orchestrator.Config, error) {
  data, err := os.ReadFile(path)

  if err != nil {
    return base, fmt.Errorf("failed to read tuning file: %w", err)
  }

  return parseTuning(data, base)
}

func ParseArgs() config {
  var cfg config

  flag.StringVar(&cfg.BindAddress, "bind", "localhost:9103", "Where the metrics endpoint will bind to")
  flag.IntVar(&cfg.BluetoothDeviceId, "bluetooth-device", 0, "Bluetooth (HCI) device ID")
  flag.StringVar(&cfg.DeviceName, "name", "ring", "Advertised device name")
  flag.BoolVar(&cfg.Simulate, "simulate", false, "Run against a simulated transport and quit")
  flag.DurationVar(&cfg.SimulateFor, "simulate-for", 10 * time.Second, "How long the simulation runs")
  flag.StringVar(&cfg.TuningFile, "tuning", "", "Optional YAML tuning overlay for thresholds and delays")
  flag.BoolVar(&cfg.Debug, "debug", false, "Enable debug logs")
  flag.BoolVar(&cfg.Trace, "trace", false, "Enable trace logs")

  flag.Parse()

  cfg.Tuning = orchestrator.DefaultConfig()

  if cfg.TuningFile != "" {
    tuned, err := loadTuning(cfg.TuningFile, cfg.Tuning)

    if err != nil {
      fmt.Fprintln(os.Stderr, "Error:", err)
      os.Exit(1)
    }

    cfg.Tuning = tuned
  }

  return cfg
}
