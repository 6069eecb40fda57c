package commands

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/marmos91/fsserver/internal/logger"
	"github.com/marmos91/fsserver/pkg/config"
)

const (
	maxThreads   = 80
	maxVerbosity = 4

	// defaultErrorLog is the NoOptDefVal of -e: "redirect to the default file".
	defaultErrorLog = "<basedir>/" + config.StderrFileName
)

var serveFlags struct {
	threads     int
	persistence bool
	refresh     int
	refreshMode string
	verbosity   int
	logRequests bool
	statistics  bool
	dir         string
	clear       bool
	kill        string
	errorLog    string
}

func addServeFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.IntVarP(&serveFlags.threads, "threads", "t", config.DefaultThreads, "response processing threads count")
	f.BoolVarP(&serveFlags.persistence, "persistence", "p", false, "persist listings into the cache directory")
	f.IntVarP(&serveFlags.refresh, "refresh", "r", 1, "turn refresh on, with this interval in seconds")
	f.StringVarP(&serveFlags.refreshMode, "refresh-mode", "R", "i", "refresh mode: i(mplicit), e(xplicit) or n(ative)")
	f.IntVarP(&serveFlags.verbosity, "verbose", "v", 0, "verbosity 0..4")
	f.BoolVarP(&serveFlags.logRequests, "log-requests", "l", false, "append all requests to <basedir>/log")
	f.BoolVarP(&serveFlags.statistics, "statistics", "s", false, "print statistics to stderr on exit")
	f.StringVarP(&serveFlags.dir, "dir", "d", "", "persistence directory")
	f.BoolVarP(&serveFlags.clear, "clear", "c", false, "clear persistence on startup")
	f.StringVarP(&serveFlags.kill, "kill", "K", "", "[pid:]msec: kill the process holding the lock, waiting msec per signal")
	f.StringVarP(&serveFlags.errorLog, "error-log", "e", "", "redirect diagnostics to a file (-e alone: "+defaultErrorLog+")")
	f.Lookup("error-log").NoOptDefVal = defaultErrorLog
}

// applyFlags overlays explicitly set flags on cfg. It returns warnings for
// values that were corrected instead of rejected, to be logged once the
// logger is configured.
func applyFlags(fs *pflag.FlagSet, cfg *config.Config) ([]string, error) {
	var warnings []string

	if fs.Changed("threads") {
		n := serveFlags.threads
		switch {
		case n > maxThreads:
			warnings = append(warnings, fmt.Sprintf("incorrect value of -t flag: %d. Should not exceed %d.", n, maxThreads))
			cfg.Server.Threads = maxThreads
		case n > 0:
			cfg.Server.Threads = n
		}
		if cfg.Server.MaxThreads < cfg.Server.Threads {
			cfg.Server.MaxThreads = cfg.Server.Threads
		}
	}

	if fs.Changed("persistence") {
		cfg.Persistence.Enabled = serveFlags.persistence
	}

	if fs.Changed("refresh") {
		cfg.Refresh.Enabled = true
		if serveFlags.refresh >= 0 {
			cfg.Refresh.Interval = time.Duration(serveFlags.refresh) * time.Second
		}
	}

	if fs.Changed("refresh-mode") {
		mode, err := parseRefreshMode(serveFlags.refreshMode)
		if err != nil {
			return warnings, err
		}
		cfg.Refresh.Mode = mode
	}

	if fs.Changed("verbose") {
		v := serveFlags.verbosity
		if v < 0 || v > maxVerbosity {
			clamped := max(0, min(v, maxVerbosity))
			warnings = append(warnings, fmt.Sprintf("incorrect value of -v flag: %d. Defaulting to %d", v, clamped))
			v = clamped
		}
		cfg.Logging.Level = logger.LevelForVerbosity(v)
	}

	if fs.Changed("log-requests") {
		cfg.Server.RequestLog = serveFlags.logRequests
	}
	if fs.Changed("statistics") {
		cfg.Server.Statistics = serveFlags.statistics
	}
	if fs.Changed("dir") && serveFlags.dir != "" {
		cfg.Persistence.Dir = serveFlags.dir
	}
	if fs.Changed("clear") {
		cfg.Persistence.Clear = serveFlags.clear
	}

	if fs.Changed("kill") {
		pid, wait, err := parseKill(serveFlags.kill)
		if err != nil {
			return warnings, err
		}
		cfg.Lock.KillPrevious = true
		cfg.Lock.KillPID = pid
		cfg.Lock.KillWait = wait
	}

	// Last: the default file lives in the (possibly overridden) basedir.
	if fs.Changed("error-log") {
		if serveFlags.errorLog == defaultErrorLog || serveFlags.errorLog == "" {
			cfg.Logging.Output = filepath.Join(cfg.Persistence.Dir, config.StderrFileName)
		} else {
			cfg.Logging.Output = serveFlags.errorLog
		}
	}

	return warnings, nil
}

func parseRefreshMode(s string) (string, error) {
	switch strings.ToLower(s) {
	case "i", "implicit":
		return "implicit", nil
	case "e", "explicit":
		return "explicit", nil
	case "n", "native":
		return "native", nil
	default:
		return "", fmt.Errorf("incorrect value of -R flag: %s", s)
	}
}

// parseKill parses "[pid:]msec". An empty value means any pid, 5ms.
func parseKill(s string) (int, time.Duration, error) {
	if s == "" {
		return 0, config.DefaultKillWait, nil
	}
	pidPart, msecPart, hasPID := strings.Cut(s, ":")
	if !hasPID {
		msecPart, pidPart = pidPart, ""
	}

	pid := 0
	if hasPID {
		n, err := strconv.Atoi(pidPart)
		if err != nil || n < 0 {
			return 0, 0, fmt.Errorf("incorrect pid in -K flag: %q", s)
		}
		pid = n
	}

	msec, err := strconv.Atoi(msecPart)
	if err != nil || msec < 0 {
		return 0, 0, fmt.Errorf("incorrect wait time in -K flag: %q", s)
	}
	return pid, time.Duration(msec) * time.Millisecond, nil
}
