package statistics

import (
	"sort"
	"sync"
	"time"

	"github.com/caio/go-tdigest"
	"go.uber.org/atomic"
)

var defaultQuantiles = []float64{0.5, 0.9, 0.99}

type statistics struct {
	mu        sync.Mutex
	PhaseTime map[string]*tdigest.TDigest
	QDBTime   map[string]*tdigest.TDigest
	Quantiles []float64

	Committed atomic.Int64
	Aborted   atomic.Int64
}

var reshardStatistics = newStatistics()

func newStatistics() *statistics {
	return &statistics{
		PhaseTime: make(map[string]*tdigest.TDigest),
		QDBTime:   make(map[string]*tdigest.TDigest),
		Quantiles: defaultQuantiles,
	}
}

func SetQuantiles(q []float64) {
	reshardStatistics.mu.Lock()
	defer reshardStatistics.mu.Unlock()
	reshardStatistics.Quantiles = q
}

func GetQuantiles() []float64 {
	reshardStatistics.mu.Lock()
	defer reshardStatistics.mu.Unlock()
	return append([]float64(nil), reshardStatistics.Quantiles...)
}

func record(m map[string]*tdigest.TDigest, key string, d time.Duration) {
	reshardStatistics.mu.Lock()
	defer reshardStatistics.mu.Unlock()
	if m[key] == nil {
		m[key], _ = tdigest.New()
	}
	_ = m[key].Add(float64(d.Microseconds()) / 1000)
}

// RecordQDBOperation adds the latency of one metadata store call.
func RecordQDBOperation(op string, d time.Duration) {
	record(reshardStatistics.QDBTime, op, d)
}

// RecordPhase adds the time an operation spent in a coordinator state.
func RecordPhase(phase string, d time.Duration) {
	record(reshardStatistics.PhaseTime, phase, d)
}

func RecordOutcome(committed bool) {
	if committed {
		reshardStatistics.Committed.Inc()
	} else {
		reshardStatistics.Aborted.Inc()
	}
}

type Quantiles struct {
	Name   string             `json:"name"`
	Count  uint64             `json:"count"`
	Values map[string]float64 `json:"values"`
}

type Snapshot struct {
	Committed int64       `json:"committed"`
	Aborted   int64       `json:"aborted"`
	Phases    []Quantiles `json:"phases"`
	QDB       []Quantiles `json:"qdb"`
}

func quantilesOf(m map[string]*tdigest.TDigest, qs []float64) []Quantiles {
	res := make([]Quantiles, 0, len(m))
	for name, td := range m {
		q := Quantiles{Name: name, Count: td.Count(), Values: make(map[string]float64, len(qs))}
		for _, v := range qs {
			q.Values[formatQuantile(v)] = td.Quantile(v)
		}
		res = append(res, q)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Name < res[j].Name })
	return res
}

func GetStatistics() *Snapshot {
	reshardStatistics.mu.Lock()
	defer reshardStatistics.mu.Unlock()
	return &Snapshot{
		Committed: reshardStatistics.Committed.Load(),
		Aborted:   reshardStatistics.Aborted.Load(),
		Phases:    quantilesOf(reshardStatistics.PhaseTime, reshardStatistics.Quantiles),
		QDB:       quantilesOf(reshardStatistics.QDBTime, reshardStatistics.Quantiles),
	}
}

func Reset() {
	reshardStatistics = newStatistics()
}
