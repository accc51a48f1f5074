package diskspace

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckReportsSaneUsage(t *testing.T) {
	report, err := Check(t.TempDir())
	require.NoError(t, err)
	require.NotZero(t, report.TotalBytes)
	require.GreaterOrEqual(t, report.UsedPercent, 0.0)
	require.LessOrEqual(t, report.UsedPercent, 100.0)
}

func TestLowCrossesAtWaterMark(t *testing.T) {
	require.False(t, Report{UsedPercent: LowWaterMark*100 - 1}.Low())
	require.True(t, Report{UsedPercent: LowWaterMark * 100}.Low())
	require.True(t, Report{UsedPercent: 100}.Low())
}

func TestCheckFailsForMissingPath(t *testing.T) {
	_, err := Check("/nonexistent/path/for/diskspace/test")
	require.Error(t, err)
}
