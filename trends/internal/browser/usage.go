package browser

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/process"
)

// Usage is the resource footprint of a Chrome process tree.
type Usage struct {
	RSS        uint64  `json:"rss"`
	CPUPercent float64 `json:"cpu_percent"`
	Processes  int     `json:"processes"`
}

// ProcessUsage sums RSS and CPU over pid and its descendants. Chrome spreads
// a page across renderer, GPU and utility processes, so the root alone
// understates the cost.
func ProcessUsage(ctx context.Context, pid int) (Usage, error) {
	root, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return Usage{}, fmt.Errorf("browser: process %d: %w", pid, err)
	}
	var u Usage
	var walk func(p *process.Process)
	walk = func(p *process.Process) {
		if mem, err := p.MemoryInfoWithContext(ctx); err == nil {
			u.RSS += mem.RSS
		}
		if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
			u.CPUPercent += cpu
		}
		u.Processes++
		children, err := p.ChildrenWithContext(ctx)
		if err != nil {
			return
		}
		for _, c := range children {
			walk(c)
		}
	}
	walk(root)
	return u, nil
}

// Usage reports the footprint of the local Chrome. A remote browser reports
// an error.
func (m *Manager) Usage(ctx context.Context) (Usage, error) {
	pid := m.pid()
	if pid == 0 {
		return Usage{}, fmt.Errorf("browser: no local chrome")
	}
	return ProcessUsage(ctx, pid)
}
