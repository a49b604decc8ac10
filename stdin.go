package respawn

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"strings"
)

// RestartCommand typed on its own line restarts the child.
const RestartCommand = "rs"

// Restarter is anything that can restart the child on request.
type Restarter interface {
	Restart(reason string) error
}

// ReadCommands reads lines from r until EOF or ctx is done and restarts the
// child for every RestartCommand line. Other input is ignored.
func ReadCommands(ctx context.Context, r io.Reader, target Restarter, log *slog.Logger) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		if strings.TrimSpace(sc.Text()) != RestartCommand {
			continue
		}
		if err := target.Restart("Manual restart"); err != nil {
			log.Debug("manual restart rejected", "error", err)
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		log.Debug("stdin closed", "error", err)
	}
}
