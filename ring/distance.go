package ring

import "strconv"

// DistanceLevel is a coarse ordinal proximity classification derived from
// filtered RSSI. Higher values are farther away.
type DistanceLevel uint8

const (
  DistanceUnknown DistanceLevel = iota
  DistanceVeryClose
  DistanceClose
  DistanceMedium
  DistanceFar
  DistanceVeryFar
)

func (d DistanceLevel) String() string {
  switch d {
  case DistanceUnknown:
    return "Unknown"
  case DistanceVeryClose:
    return "VeryClose"
  case DistanceClose:
    return "Close"
  case DistanceMedium:
    return "Medium"
  case DistanceFar:
    return "Far"
  case DistanceVeryFar:
    return "VeryFar"
  default:
    panic("unknown DistanceLevel value: " + strconv.Itoa(int(d)))
  }
}

// Thresholds maps a filtered RSSI average to a DistanceLevel, from closest to
// farthest. Values are dBm floors: an average at or above a floor classifies
// at that level. These are tuning constants, not calibrated measurements.
type Thresholds struct {
  VeryClose int
  Close     int
  Medium    int
  Far       int
}

var DefaultThresholds = Thresholds{
  VeryClose: -50,
  Close:     -60,
  Medium:    -70,
  Far:       -80,
}

func (t Thresholds) Classify(average int) DistanceLevel {
  switch {
  case average >= t.VeryClose:
    return DistanceVeryClose
  case average >= t.Close:
    return DistanceClose
  case average >= t.Medium:
    return DistanceMedium
  case average >= t.Far:
    return DistanceFar
  default:
    return DistanceVeryFar
  }
}
