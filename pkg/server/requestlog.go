package server

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/marmos91/fsserver/internal/telemetry"
)

// RequestLogName is the file name of the request log under the base
// directory.
const RequestLogName = "log"

// OpenRequestLog opens path for appending and writes a session header:
//
//	--------------------------------------
//	fs_server version 1.12.8 started on 2024/01/02 at 15:04:05 session <uuid>
//	<argv joined by spaces>
//
// The caller closes the returned file.
func OpenRequestLog(path string, argv []string, now time.Time) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open request log %s: %w", path, err)
	}
	if err := WriteRequestLogHeader(f, argv, now); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to write request log header: %w", err)
	}
	return f, nil
}

// WriteRequestLogHeader writes the session header of the request log.
func WriteRequestLogHeader(w io.Writer, argv []string, now time.Time) error {
	_, err := fmt.Fprintf(w, "\n--------------------------------------\nfs_server version %s started on %s at %s session %s\n%s\n",
		Version,
		now.Format("2006/01/02"),
		now.Format("15:04:05"),
		telemetry.SessionID(),
		strings.Join(argv, " "))
	return err
}
