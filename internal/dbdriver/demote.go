package dbdriver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"falcon-cm/internal/cmdutil"
	"falcon-cm/internal/topology"
)

// streamingPollInterval and streamingPollAttempts bound how long
// Demote waits for a rewound standby to reach the streaming state
// before declaring the rewind insufficient and falling back to a full
// base backup.
const (
	streamingPollInterval = 2 * time.Second
	streamingPollAttempts = 15
)

// DemoteByRewind points the local instance at newLeader using
// pg_rewind, the cheap path: it only replays the WAL range since the
// two timelines diverged.
func (d *Driver) DemoteByRewind(ctx context.Context, newLeader string) error {
	host, port, ok := topology.SplitEndpoint(newLeader)
	if !ok {
		return wrapDBErr(fmt.Errorf("malformed endpoint %q", newLeader))
	}
	source := fmt.Sprintf("host=%s port=%s user=%s dbname=postgres", host, port, d.userName)

	if _, err := cmdutil.RunMedium(d.bin("pg_ctl"), "stop", "-D", d.dataDir, "-m", "fast", "-w"); err != nil {
		d.logger.Warn("pg_ctl stop before rewind failed, continuing", zap.Error(err))
	}

	if err := d.ensureSlotOn(ctx, newLeader); err != nil {
		return err
	}

	if _, err := cmdutil.RunRewind(d.bin("pg_rewind"),
		"-D", d.dataDir,
		"--source-server="+source,
		"-P",
	); err != nil {
		return wrapDBErr(fmt.Errorf("pg_rewind: %w", err))
	}

	if err := d.writeStandbyConfig(newLeader); err != nil {
		return err
	}
	if _, err := cmdutil.RunMedium(d.bin("pg_ctl"), "start", "-D", d.dataDir, "-w"); err != nil {
		return wrapDBErr(fmt.Errorf("pg_ctl start after rewind: %w", err))
	}
	return nil
}

// DemoteByBaseBackup replaces the entire local data directory with a
// fresh pg_basebackup taken from newLeader. pg_basebackup runs without
// a timeout. A failed attempt is returned to the caller as an error;
// this function makes a single attempt and does not retry.
func (d *Driver) DemoteByBaseBackup(ctx context.Context, newLeader string) error {
	host, port, ok := topology.SplitEndpoint(newLeader)
	if !ok {
		return wrapDBErr(fmt.Errorf("malformed endpoint %q", newLeader))
	}

	if _, err := cmdutil.RunMedium(d.bin("pg_ctl"), "stop", "-D", d.dataDir, "-m", "fast", "-w"); err != nil {
		d.logger.Warn("pg_ctl stop before basebackup failed, continuing", zap.Error(err))
	}

	if err := d.ensureSlotOn(ctx, newLeader); err != nil {
		return err
	}

	tmp := d.dataDir + ".basebackup.tmp"
	_ = os.RemoveAll(tmp)
	if _, err := cmdutil.RunNoTimeout(d.bin("pg_basebackup"),
		"-D", tmp,
		"-h", host, "-p", port,
		"-U", d.userName,
		"-Fp", "-Xs", "-P", "-R",
		"--slot="+d.ownSlotName(),
	); err != nil {
		_ = os.RemoveAll(tmp)
		return wrapDBErr(fmt.Errorf("pg_basebackup: %w", err))
	}

	if err := os.RemoveAll(d.dataDir); err != nil {
		return wrapDBErr(err)
	}
	if err := os.Rename(tmp, d.dataDir); err != nil {
		return wrapDBErr(err)
	}

	if err := d.writeStandbyConfig(newLeader); err != nil {
		return err
	}
	if _, err := cmdutil.RunMedium(d.bin("pg_ctl"), "start", "-D", d.dataDir, "-w"); err != nil {
		return wrapDBErr(fmt.Errorf("pg_ctl start after basebackup: %w", err))
	}
	return nil
}

// Demote attempts the cheap rewind path first and escalates to a full
// base backup if the resulting standby does not reach the streaming
// state within the polling window, matching spec.md §4.2's
// rewind-then-basebackup-fallback invariant.
func (d *Driver) Demote(ctx context.Context, newLeader string) error {
	if err := d.DemoteByRewind(ctx, newLeader); err != nil {
		d.logger.Warn("rewind failed, falling back to base backup", zap.Error(err), zap.String("newLeader", newLeader))
		return d.DemoteByBaseBackup(ctx, newLeader)
	}

	ok, err := d.waitForStreaming(ctx)
	if err != nil {
		return err
	}
	if !ok {
		d.logger.Warn("rewind did not reach streaming state, falling back to base backup", zap.String("newLeader", newLeader))
		return d.DemoteByBaseBackup(ctx, newLeader)
	}
	return nil
}

// waitForStreaming polls pg_stat_wal_receiver for a fixed number of
// attempts, returning true as soon as the receiver reports "streaming".
func (d *Driver) waitForStreaming(ctx context.Context) (bool, error) {
	for i := 0; i < streamingPollAttempts; i++ {
		var status *string
		row := d.local.QueryRow(ctx, queryStatWALReceiverState)
		if err := row.Scan(&status); err != nil {
			time.Sleep(streamingPollInterval)
			continue
		}
		if status != nil && *status == "streaming" {
			return true, nil
		}
		time.Sleep(streamingPollInterval)
	}
	return false, nil
}

// ChangeFollowingLeader rewrites primary_conninfo/primary_slot_name to
// point at a new leader and reloads, used when the local instance is
// already a standby (e.g. a standby whose group has just elected a
// different primary). If the WAL receiver does not reach streaming
// within the polling window, it falls back to a full base backup.
func (d *Driver) ChangeFollowingLeader(ctx context.Context, newLeader string) error {
	if err := d.writeStandbyConfig(newLeader); err != nil {
		return err
	}
	if err := d.ReloadConfig(ctx); err != nil {
		return err
	}
	ok, err := d.waitForStreaming(ctx)
	if err != nil {
		return err
	}
	if !ok {
		d.logger.Warn("standby did not reach streaming after leader change, falling back to base backup", zap.String("newLeader", newLeader))
		return d.DemoteByBaseBackup(ctx, newLeader)
	}
	return nil
}

// StopReplication severs the standby relationship with its current
// upstream without taking the instance down: it blanks
// primary_conninfo/primary_slot_name via ALTER SYSTEM and reloads the
// config, matching original_source's stop_replication/
// clean_for_supplement. The instance stays up and queryable, which
// matters for election.go's onLeaderLost: it calls StopReplication and
// then immediately reads this node's own LSN over the same local
// connection to build its candidacy.
func (d *Driver) StopReplication(ctx context.Context) error {
	if _, err := d.local.Exec(ctx, queryClearPrimaryConninfo); err != nil {
		return wrapDBErr(fmt.Errorf("clear primary_conninfo: %w", err))
	}
	if _, err := d.local.Exec(ctx, queryClearPrimarySlotName); err != nil {
		return wrapDBErr(fmt.Errorf("clear primary_slot_name: %w", err))
	}
	if _, err := d.local.Exec(ctx, queryReloadConf); err != nil {
		return wrapDBErr(fmt.Errorf("reload conf: %w", err))
	}
	return nil
}

// StopInstance stops the local postmaster outright via pg_ctl. Used
// only on the session-loss hard-stop path (membership.go's
// OnSessionLost handler), where there is no coordination-store session
// left to report a graceful standby-path transition through, so the
// safest move is to take the instance down entirely rather than leave
// it serving stale data.
func (d *Driver) StopInstance(ctx context.Context) error {
	if _, err := cmdutil.RunMedium(d.bin("pg_ctl"), "stop", "-D", d.dataDir, "-m", "fast", "-w"); err != nil {
		return wrapDBErr(fmt.Errorf("pg_ctl stop: %w", err))
	}
	return nil
}

// writeStandbyConfig drops a standby.signal file and appends
// primary_conninfo/primary_slot_name settings, the standard way a
// PostgreSQL 12+ instance is pointed at a new upstream.
func (d *Driver) writeStandbyConfig(leaderEndpoint string) error {
	host, port, ok := topology.SplitEndpoint(leaderEndpoint)
	if !ok {
		return wrapDBErr(fmt.Errorf("malformed endpoint %q", leaderEndpoint))
	}

	signal := filepath.Join(d.dataDir, "standby.signal")
	if f, err := os.Create(signal); err != nil {
		return wrapDBErr(err)
	} else {
		f.Close()
	}

	slot := d.ownSlotName()
	conf := fmt.Sprintf(
		"primary_conninfo = 'host=%s port=%s user=%s'\nprimary_slot_name = '%s'\n",
		host, port, d.userName, slot,
	)
	autoConf := filepath.Join(d.dataDir, "postgresql.auto.conf")
	f, err := os.OpenFile(autoConf, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return wrapDBErr(err)
	}
	defer f.Close()
	if _, err := f.WriteString(conf); err != nil {
		return wrapDBErr(err)
	}
	return nil
}

// ensureSlotOn creates this node's replication slot on newLeader if it
// doesn't already exist; a prior failed attempt having already created
// it is not an error.
func (d *Driver) ensureSlotOn(ctx context.Context, newLeader string) error {
	if err := d.CreateReplicationSlotOn(ctx, newLeader, d.hostNodeName); err != nil {
		d.logger.Debug("slot create on new leader skipped (likely already exists)", zap.String("newLeader", newLeader), zap.Error(err))
	}
	return nil
}

// ownSlotName is the replication slot name this node's leader should
// use for it: the slot lives on the leader but is named for the
// standby consuming it. Only when no hostNodeName was configured (e.g.
// a bare test Driver) does it fall back to a name derived from the
// local data directory path.
func (d *Driver) ownSlotName() string {
	if d.hostNodeName != "" {
		return topology.SlotName(d.hostNodeName)
	}
	return "standby_" + topology.SlotName(d.dataDir)
}
