// Package diskspace probes free space on the filesystem backing the page
// store (§12's early-warning half of §7's "out-of-space" refinement):
// pagealloc.Alloc consults Check before handing the underlying store a
// chance to fail with an out-of-space error, logging a warning while
// there's still headroom to do so usefully.
package diskspace

import (
	"github.com/juju/errors"
	"github.com/shirou/gopsutil/v3/disk"
)

// Report is one point-in-time free-space reading for a path.
type Report struct {
	Path        string
	TotalBytes  uint64
	FreeBytes   uint64
	UsedPercent float64
}

// LowWaterMark is the default fraction of disk usage at or above which Check's
// caller should start logging warnings ahead of an actual write failure.
const LowWaterMark = 0.90

// Check reports free space on the filesystem containing path.
func Check(path string) (Report, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return Report{}, errors.Annotate(err, "diskspace: usage probe")
	}
	return Report{
		Path:        path,
		TotalBytes:  usage.Total,
		FreeBytes:   usage.Free,
		UsedPercent: usage.UsedPercent,
	}, nil
}

// Low reports whether r has crossed LowWaterMark.
func (r Report) Low() bool {
	return r.UsedPercent >= LowWaterMark*100
}
