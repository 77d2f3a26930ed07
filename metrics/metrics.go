package metrics

import (
  "github.com/prometheus/client_golang/prometheus"

  "github.com/ringlabs/go-ring-orchestrator/orchestrator"
)

var (
  descBattery = prometheus.NewDesc(
    "ring_battery_ratio",
    "Estimated battery level of the ring.",
    nil,
    nil,
  )

  descPowerMode = prometheus.NewDesc(
    "ring_power_mode",
    "Current power mode. 0 = active, 1 = idle, 2 = sleep, 3 = deep sleep.",
    nil,
    nil,
  )

  descLatched = prometheus.NewDesc(
    "ring_ultra_low_power_latched",
    "Whether the one-way ultra-low-power latch is set.",
    nil,
    nil,
  )

  descSlotOccupied = prometheus.NewDesc(
    "ring_slot_occupied",
    "Whether the link slot currently holds an established link.",
    []string{"slot"},
    nil,
  )

  descSlotRSSI = prometheus.NewDesc(
    "ring_slot_rssi_dbm",
    "Last reported filtered signal strength for the slot.",
    []string{"slot"},
    nil,
  )

  descSlotDistance = prometheus.NewDesc(
    "ring_slot_distance_level",
    "Distance classification for the slot. 0 = unknown, 1 = very close up to 5 = very far.",
    []string{"slot"},
    nil,
  )

  descActiveRatio = prometheus.NewDesc(
    "ring_time_active_ratio",
    "Share of accumulated time spent in the Active power mode.",
    nil,
    nil,
  )
)

// SnapshotFunc supplies the observable state the collector exports.
type SnapshotFunc func() orchestrator.Snapshot

type collector struct {
  SnapshotFunc
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
  prometheus.DescribeByCollect(c, ch)
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
  snap := c.SnapshotFunc()

  ch <- prometheus.MustNewConstMetric(
    descBattery, prometheus.GaugeValue, float64(snap.BatteryPercent)/100)
  ch <- prometheus.MustNewConstMetric(
    descPowerMode, prometheus.GaugeValue, float64(snap.Mode))

  latched := 0.0

  if snap.Latched {
    latched = 1.0
  }

  ch <- prometheus.MustNewConstMetric(descLatched, prometheus.GaugeValue, latched)

  for i, slot := range snap.Slots {
    name := orchestrator.SlotID(i).String()

    occupied := 0.0

    if slot.Occupied {
      occupied = 1.0
    }

    ch <- prometheus.MustNewConstMetric(
      descSlotOccupied, prometheus.GaugeValue, occupied, name)

    if !slot.Occupied {
      continue
    }

    ch <- prometheus.MustNewConstMetric(
      descSlotRSSI, prometheus.GaugeValue, float64(slot.RSSI), name)
    ch <- prometheus.MustNewConstMetric(
      descSlotDistance, prometheus.GaugeValue, float64(slot.Distance), name)
  }

  ch <- prometheus.MustNewConstMetric(
    descActiveRatio, prometheus.GaugeValue, float64(snap.Stats.ActivePercent)/100)
}

func RegisterCollector(fn SnapshotFunc, reg prometheus.Registerer) {
  reg.MustRegister(&collector{fn})
}
