package browserprocess

import (
	"os"
	"sync"

	"github.com/mozilla-rally/search-engine-usage-study-sub000/log"
)

var (
	processRegister   = map[int]struct{}{} //nolint:gochecknoglobals
	processRegisterMu = sync.Mutex{}       //nolint:gochecknoglobals
)

func register(logger *log.Logger, pid int) {
	processRegisterMu.Lock()
	defer processRegisterMu.Unlock()

	logger.Debugf("BrowserProcess:register", "registered browser process pid %d", pid)

	processRegister[pid] = struct{}{}
}

func unregister(pid int) {
	processRegisterMu.Lock()
	defer processRegisterMu.Unlock()

	delete(processRegister, pid)
}

// ForceProcessShutdown kills every launched browser that is still running.
// It is meant for a process that is going down on a panic and will not
// get to close its browsers.
func ForceProcessShutdown() {
	processRegisterMu.Lock()
	defer processRegisterMu.Unlock()

	for pid := range processRegister {
		p, err := os.FindProcess(pid)
		if err != nil {
			// optimistically continue and don't kill the process
			continue
		}
		// no need to check the error since we're already dying.
		_ = p.Kill()
		_ = p.Release()
	}
}
