//go:build !windows

package daemon

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	gopsproc "github.com/shirou/gopsutil/v4/process"
	"github.com/tklauser/go-sysconf"
)

var errNoStartTime = errors.New("process start time unavailable")

// ProcStartUnix returns when pid started, in Unix seconds, or 0 when that
// cannot be determined.
func ProcStartUnix(pid int) int64 {
	if pid <= 0 {
		return 0
	}
	var (
		at  int64
		err error
	)
	if runtime.GOOS == "linux" {
		at, err = linuxStart(pid, "/proc")
	} else {
		at, err = gopsutilStart(pid)
	}
	if err != nil {
		return 0
	}
	return at
}

func gopsutilStart(pid int) (int64, error) {
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return 0, err
	}
	ms, err := p.CreateTime()
	if err != nil {
		return 0, err
	}
	if ms <= 0 {
		return 0, errNoStartTime
	}
	return ms / 1000, nil
}

// linuxStart adds the start offset of pid (field 22 of <proc>/<pid>/stat,
// in clock ticks) to the boot time found in <proc>/stat.
func linuxStart(pid int, proc string) (int64, error) {
	stat, err := os.ReadFile(fmt.Sprintf("%s/%d/stat", proc, pid))
	if err != nil {
		return 0, err
	}
	// comm may hold spaces and parens; fields resume after the last ") "
	line := string(stat)
	i := strings.LastIndex(line, ") ")
	if i < 0 {
		return 0, fmt.Errorf("%w: malformed stat for pid %d", errNoStartTime, pid)
	}
	fields := strings.Fields(line[i+2:])
	if len(fields) < 20 {
		return 0, fmt.Errorf("%w: short stat for pid %d", errNoStartTime, pid)
	}
	ticks, err := strconv.ParseInt(fields[19], 10, 64)
	if err != nil || ticks <= 0 {
		return 0, fmt.Errorf("%w: start ticks %q", errNoStartTime, fields[19])
	}

	sys, err := os.ReadFile(proc + "/stat")
	if err != nil {
		return 0, err
	}
	var boot int64
	for _, l := range strings.Split(string(sys), "\n") {
		if v, ok := strings.CutPrefix(l, "btime "); ok {
			boot, err = strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			break
		}
	}
	if err != nil || boot <= 0 {
		return 0, fmt.Errorf("%w: no btime in %s/stat", errNoStartTime, proc)
	}

	hz, err := sysconf.Sysconf(sysconf.SC_CLK_TCK)
	if err != nil || hz <= 0 {
		hz = 100
	}
	return boot + ticks/hz, nil
}
