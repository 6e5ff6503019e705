package offline

import (
	"sort"
	"sync/atomic"
)

// Counters are cheap diagnostic tallies. Storage failures are swallowed
// by the strategies and show up only here.
type Counters struct {
	WriteFailures atomic.Int64
	Evictions     atomic.Int64
}

// BucketReport is the per-bucket slice of the diagnostics export.
type BucketReport struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
}

// Report is the diagnostics JSON document consumed by operational
// tooling. It never reaches end users directly.
type Report struct {
	Version       string         `json:"version"`
	Buckets       []BucketReport `json:"buckets"`
	WriteFailures int64          `json:"writeFailures"`
	Evictions     int64          `json:"evictions"`
}

// Diagnostics exports bucket names, stored-entry counts and failure
// counters.
func (e *Engine) Diagnostics() (Report, error) {
	report := Report{
		Version:       e.version,
		WriteFailures: e.diag.WriteFailures.Load(),
		Evictions:     e.diag.Evictions.Load(),
	}
	buckets := e.classifier.Buckets()
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Name < buckets[j].Name })
	for _, b := range buckets {
		count, err := e.cache.Count(e.keyer.BucketPrefix(b.Name))
		if err != nil {
			return report, err
		}
		report.Buckets = append(report.Buckets, BucketReport{Name: b.Name, Entries: count})
	}
	return report, nil
}
