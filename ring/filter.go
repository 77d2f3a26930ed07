package ring

const (
  // HistorySize is the number of raw samples held by the proximity filter.
  HistorySize = 5

  // NeutralRSSI is reported until the sample window has wrapped once. A
  // mid-range placeholder; partial-window averages are never attempted.
  NeutralRSSI = -70

  // ReportHysteresis is the minimum dBm movement of the filtered average
  // required to emit a new report when the distance level is unchanged.
  ReportHysteresis = 3
)

// ProximityFilter smooths raw RSSI samples over a fixed circular window.
// The zero value is ready to use.
type ProximityFilter struct {
  history [HistorySize]int
  index   uint8
  full    bool
}

// AddSample appends a raw sample, overwriting the oldest entry once the
// window is full. The filter always advances, whether or not the resulting
// average ends up being reported.
func (f *ProximityFilter) AddSample(rssi int) {
  f.history[f.index] = rssi
  f.index += 1

  if f.index >= HistorySize {
    f.index = 0
    f.full = true
  }
}

// Average returns NeutralRSSI until the window has wrapped at least once,
// then the integer mean of all stored samples, truncating toward zero.
func (f *ProximityFilter) Average() int {
  if !f.full {
    return NeutralRSSI
  }

  sum := 0

  for _, v := range f.history {
    sum += v
  }

  return sum / HistorySize
}

// Full reports whether the window has wrapped at least once.
func (f *ProximityFilter) Full() bool {
  return f.full
}

// Reset discards all stored samples.
func (f *ProximityFilter) Reset() {
  *f = ProximityFilter{}
}
