package dbdriver

import (
	"fmt"
	"os"
)

// livenessCheckScript is the real probe body: it fails if the local
// instance isn't accepting connections, or if the agent process
// itself isn't running, so the orchestrator stops routing to a node
// whose sidecar has died even if Postgres is still up.
const livenessCheckScript = `#!/bin/sh
pg_isready -d postgres -U falconMeta --timeout=5 --quiet
if [ $? != 0 ]; then
    exit 1
fi
isMonitor=` + "`" + `ps aux | grep falcon | grep -v grep | wc -l` + "`" + `
if [ "${isMonitor}" = "0" ]; then
    exit 1
else
    exit 0
fi
`

// MarkReady (re-)installs the real liveness check, run once a node's
// local instance has reached a state (streaming replica, elected
// primary) the orchestrator should start judging normally again.
func (d *Driver) MarkReady() error {
	return writeLivenessScript(d.livenessPath, livenessCheckScript)
}

// MarkNotReady truncates the liveness script to empty, which a shell
// executes as a trivial success. This suppresses the probe rather
// than failing it: during a planned disruption (mid-rewind, mid
// pg_basebackup) the instance is expected to be briefly unreachable,
// and a failing liveness probe would have the orchestrator kill the
// pod out from under the in-progress demote instead of letting it
// finish.
func (d *Driver) MarkNotReady() error {
	return writeLivenessScript(d.livenessPath, "")
}

func writeLivenessScript(path, content string) error {
	if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
		return wrapDBErr(fmt.Errorf("write liveness script %s: %w", path, err))
	}
	return nil
}
