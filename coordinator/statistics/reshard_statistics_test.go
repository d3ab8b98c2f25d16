package statistics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecordPhase(t *testing.T) {
	assert := assert.New(t)
	Reset()

	for i := 1; i <= 100; i++ {
		RecordPhase("cloning", time.Duration(i)*time.Millisecond)
	}
	RecordQDBOperation("GetCoordinatorDoc", time.Millisecond)

	st := GetStatistics()
	assert.Len(st.Phases, 1)
	assert.Equal("cloning", st.Phases[0].Name)
	assert.Equal(uint64(100), st.Phases[0].Count)
	assert.InDelta(50, st.Phases[0].Values["p50"], 2)
	assert.Len(st.QDB, 1)
}

func TestRecordOutcome(t *testing.T) {
	assert := assert.New(t)
	Reset()

	RecordOutcome(true)
	RecordOutcome(false)
	RecordOutcome(false)

	st := GetStatistics()
	assert.Equal(int64(1), st.Committed)
	assert.Equal(int64(2), st.Aborted)
}

func TestFormatQuantile(t *testing.T) {
	assert := assert.New(t)
	assert.Equal("p50", formatQuantile(0.5))
	assert.Equal("p99", formatQuantile(0.99))
}
