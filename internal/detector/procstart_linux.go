//go:build linux

package detector

import (
	"os"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/host"
	sysconf "github.com/tklauser/go-sysconf"
)

// procStartUnix reads the start time from /proc/<pid>/stat without spawning
// external commands. Field 22 holds clock ticks since boot.
func procStartUnix(pid int) int64 {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return 0
	}
	line := string(b)
	// comm may contain spaces; it is terminated by the last ") "
	end := strings.LastIndex(line, ") ")
	if end < 0 {
		return 0
	}
	fields := strings.Fields(line[end+2:])
	if len(fields) < 20 {
		return 0
	}
	ticks, err := strconv.ParseInt(fields[19], 10, 64)
	if err != nil || ticks <= 0 {
		return 0
	}
	boot, err := host.BootTime()
	if err != nil || boot == 0 {
		return 0
	}
	clk, err := sysconf.Sysconf(sysconf.SC_CLK_TCK)
	if err != nil || clk <= 0 {
		clk = 100
	}
	return int64(boot) + ticks/clk
}
