// Package dbdriver issues SQL and shell commands against the local and
// remote PostgreSQL-compatible instances, implementing spec.md §4.2:
// standby detection, LSN reads, promote/demote/rebase, slot
// management, config reload, and foreign-server catalog updates.
package dbdriver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"falcon-cm/internal/cmdutil"
	"falcon-cm/internal/topology"
)

// Driver talks to the local data directory/instance and, for
// cross-node operations (rewind source, slot creation on a remote
// leader, foreign-server catalog updates), dials remote endpoints
// on demand.
type Driver struct {
	local *pgxpool.Pool

	dataDir      string
	userName     string
	metaPort     int
	hostNodeName string
	pgBinDir     string // directory holding pg_ctl/pg_basebackup/pg_rewind; "" = $PATH
	livenessPath string

	logger *zap.Logger
}

// Config configures a Driver.
type Config struct {
	DataDir      string
	UserName     string
	MetaPort     int
	HostNodeName string
	PGBinDir     string
	LivenessPath string
}

// DefaultLivenessPath matches spec.md §6's fixed probe path.
const DefaultLivenessPath = "/home/falconMeta/check_liveness.sh"

// New opens a pooled connection to the local instance and returns a Driver.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Driver, error) {
	if cfg.LivenessPath == "" {
		cfg.LivenessPath = DefaultLivenessPath
	}
	pool, err := pgxpool.New(ctx, localDSN(cfg.UserName, cfg.MetaPort))
	if err != nil {
		return nil, wrapDBErr(err)
	}
	return &Driver{
		local:        pool,
		dataDir:      cfg.DataDir,
		userName:     cfg.UserName,
		metaPort:     cfg.MetaPort,
		hostNodeName: cfg.HostNodeName,
		pgBinDir:     cfg.PGBinDir,
		livenessPath: cfg.LivenessPath,
		logger:       logger,
	}, nil
}

// Close releases the local connection pool.
func (d *Driver) Close() { d.local.Close() }

func localDSN(user string, port int) string {
	return fmt.Sprintf("postgres://%s@127.0.0.1:%d/postgres?sslmode=disable", user, port)
}

func remoteDSN(user, endpoint string) string {
	host, port, ok := topology.SplitEndpoint(endpoint)
	if !ok {
		return ""
	}
	return fmt.Sprintf("postgres://%s@%s:%s/postgres?sslmode=disable", user, host, port)
}

// connectRemote opens a short-lived connection to a remote endpoint
// for the rare cross-node calls (slot creation on a leader, catalog
// updates on the CN primary). Cross-node SQL is infrequent enough that
// a pooled connection per remote endpoint isn't worth the bookkeeping.
func (d *Driver) connectRemote(ctx context.Context, endpoint string) (*pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, remoteDSN(d.userName, endpoint))
	if err != nil {
		return nil, wrapDBErr(err)
	}
	return conn, nil
}

func (d *Driver) bin(name string) string {
	if d.pgBinDir == "" {
		return name
	}
	return filepath.Join(d.pgBinDir, name)
}

// IsStandby inspects the local data directory for a standby.signal
// marker, exactly as the PostgreSQL server itself does to decide
// whether to start as a standby.
func (d *Driver) IsStandby() bool {
	_, err := os.Stat(filepath.Join(d.dataDir, "standby.signal"))
	return err == nil
}

// GetLSN returns max(pg_last_wal_receive_lsn(),
// pg_last_wal_receive_lsn_for_falcon()) converted to a 64-bit integer
// via (hi<<32)|lo, or 0 if neither is available.
func (d *Driver) GetLSN(ctx context.Context) (uint64, error) {
	row := d.local.QueryRow(ctx, queryLastWALReceiveLSN)
	var a, b *string
	if err := row.Scan(&a, &b); err != nil {
		return 0, wrapDBErr(err)
	}
	la := parseLSN(a)
	lb := parseLSN(b)
	if la > lb {
		return la, nil
	}
	return lb, nil
}

// parseLSN converts a Postgres pg_lsn text form "hi/lo" (both
// hexadecimal) into a single 64-bit integer. Returns 0 for nil or
// malformed input.
func parseLSN(s *string) uint64 {
	if s == nil || *s == "" {
		return 0
	}
	parts := strings.SplitN(*s, "/", 2)
	if len(parts) != 2 {
		return 0
	}
	hi, err := strconv.ParseUint(parts[0], 16, 32)
	if err != nil {
		return 0
	}
	lo, err := strconv.ParseUint(parts[1], 16, 32)
	if err != nil {
		return 0
	}
	return (hi << 32) | lo
}

// Promote promotes the local standby to primary and forces synchronous
// replication on so every subsequent standby commit is durably caught
// up. It does not clear the primary_conninfo/primary_slot_name lines
// that writeStandbyConfig appended to postgresql.auto.conf.
func (d *Driver) Promote(ctx context.Context) error {
	if _, err := cmdutil.RunMedium(d.bin("pg_ctl"), "promote", "-D", d.dataDir, "-w"); err != nil {
		return wrapDBErr(fmt.Errorf("pg_ctl promote: %w", err))
	}
	if _, err := d.local.Exec(ctx, querySetSyncCommitOn); err != nil {
		return wrapDBErr(err)
	}
	if _, err := d.local.Exec(ctx, querySetSyncStandbyNames); err != nil {
		return wrapDBErr(err)
	}
	if _, err := d.local.Exec(ctx, queryReloadConf); err != nil {
		return wrapDBErr(err)
	}
	return nil
}

// ReloadConfig reloads the local postmaster's configuration, used
// after rewriting primary_conninfo/primary_slot_name.
func (d *Driver) ReloadConfig(ctx context.Context) error {
	if _, err := d.local.Exec(ctx, queryReloadConf); err != nil {
		return wrapDBErr(err)
	}
	return nil
}
