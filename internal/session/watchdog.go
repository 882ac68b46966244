package session

import (
	"os"
	"time"
)

func defaultExit(code int) { os.Exit(code) }

// watchdog force-terminates the process when the heartbeat task stops
// refreshing the liveness file, which means the task set is wedged in a
// way the error budget cannot see (deadlock, runaway syscall). It
// deliberately shares no locks or channels with the other tasks: its
// only inputs are the file's mtime and the clock, so it stays alive
// when nothing else is.
func (s *Session) watchdog() {
	path := s.Config.Session.WatchdogFile
	if path == "" || s.watchdogLimit <= 0 {
		return
	}

	poll := s.watchdogLimit / 4
	if poll < time.Second {
		poll = time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	start := time.Now()
	for {
		select {
		case <-s.watchdogStop:
			return
		case <-ticker.C:
			fi, err := os.Stat(path)
			if err != nil {
				// Missing file before the first heartbeat is expected;
				// measure from session start instead.
				if time.Since(start) <= s.watchdogLimit {
					continue
				}
			} else if time.Since(fi.ModTime()) <= s.watchdogLimit {
				continue
			}

			s.Log.Errorw("watchdog limit exceeded, force-terminating",
				"limit", s.watchdogLimit, "file", path)

			// Last-ditch snapshot, itself bounded: the wedged lock may
			// be the broker's, in which case this hangs and the exit
			// below still happens.
			saved := make(chan struct{})
			go func() {
				s.saveSnapshot()
				close(saved)
			}()
			select {
			case <-saved:
			case <-time.After(5 * time.Second):
				s.Log.Errorw("last-ditch snapshot timed out")
			}
			_ = s.Log.Sync()
			s.exitProcess(WatchdogExitCode)
			return
		}
	}
}
