package stats

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAggregateSumsAcrossCores(t *testing.T) {
	reg := NewRegistry(2)
	reg.Core(0).PacketsReceived.Add(10)
	reg.Core(0).PacketsDropped.Add(1)
	reg.Core(1).PacketsReceived.Add(5)
	reg.Core(1).OooEvicted.Add(2)

	total := reg.Aggregate()
	assert.Equal(t, uint64(15), total.PacketsReceived)
	assert.Equal(t, uint64(1), total.PacketsDropped)
	assert.Equal(t, uint64(2), total.OooEvicted)
}

func TestReportContainsPerCoreAndTotalRows(t *testing.T) {
	reg := NewRegistry(2)
	reg.Core(0).PacketsReceived.Add(100)
	reg.Core(1).PacketsReceived.Add(50)

	report := reg.Report()
	assert.True(t, strings.Contains(report, "core-0"))
	assert.True(t, strings.Contains(report, "core-1"))
	assert.True(t, strings.Contains(report, "total"))
	assert.True(t, strings.Contains(report, "150"))
}

func TestSnapshotIsIndependentOfLiveCounter(t *testing.T) {
	reg := NewRegistry(1)
	snap := reg.Core(0).Snapshot()
	reg.Core(0).PacketsReceived.Add(1)
	assert.Equal(t, uint64(0), snap.PacketsReceived)
}
