package pidtracker

import (
	"context"
	"os"
	"regexp"

	"github.com/shirou/gopsutil/v4/process"
)

// LocalFinder searches the process table of the controller machine. It picks
// the most recently created match, like pgrep -n.
type LocalFinder struct{}

func (LocalFinder) Find(ctx context.Context, pattern *regexp.Regexp) (int, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return 0, err
	}
	self := int32(os.Getpid())
	var best int32
	var bestCreated int64
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		cmdline, err := p.CmdlineWithContext(ctx)
		if err != nil || !pattern.MatchString(cmdline) {
			continue
		}
		created, _ := p.CreateTimeWithContext(ctx)
		if best == 0 || created > bestCreated || (created == bestCreated && p.Pid > best) {
			best, bestCreated = p.Pid, created
		}
	}
	return int(best), nil
}
