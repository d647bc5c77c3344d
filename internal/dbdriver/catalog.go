package dbdriver

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"falcon-cm/internal/topology"
)

// queryer is satisfied by both *pgxpool.Pool (local) and *pgx.Conn
// (short-lived remote dials), letting scanReplicationStatus share its
// scan loop between StatReplication and StatReplicationOn.
type queryer interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}

// UpdateForeignServer points the named foreign server (a DN group's
// external name in the CN catalog) at a new leader endpoint and
// reloads the foreign-server cache so the change is visible to new
// query plans immediately, per spec.md §4.2's catalog-sync duty.
func (d *Driver) UpdateForeignServer(ctx context.Context, serverName, leaderEndpoint string) error {
	host, port, ok := topology.SplitEndpoint(leaderEndpoint)
	if !ok {
		return wrapDBErr(fmt.Errorf("malformed endpoint %q", leaderEndpoint))
	}
	if _, err := d.local.Exec(ctx, queryUpdateForeignServer, serverName, host, port); err != nil {
		return wrapDBErr(err)
	}
	if _, err := d.local.Exec(ctx, queryReloadForeignServerCache); err != nil {
		return wrapDBErr(err)
	}
	return nil
}

// InsertForeignServer registers a brand-new foreign server during
// bootstrap, pointing it at the endpoint the group has already elected
// as its leader.
func (d *Driver) InsertForeignServer(ctx context.Context, serverName, host, port string) error {
	if _, err := d.local.Exec(ctx, queryInsertForeignServer, serverName, host, port); err != nil {
		return wrapDBErr(err)
	}
	return nil
}

// BuildShardTable assigns shardCount shards to the named DN group's
// foreign server, one of the one-time bootstrap steps run once per
// group. shardCount is 100 * the number of DN groups, per spec.md
// §4.3 step 5, so every group ends up with the same fixed shard width
// regardless of which group is being seeded.
func (d *Driver) BuildShardTable(ctx context.Context, serverName string, shardCount int) error {
	if _, err := d.local.Exec(ctx, queryBuildShardTable, serverName, shardCount); err != nil {
		return wrapDBErr(err)
	}
	return nil
}

// CreateDistributedDataTable creates the catalog's distributed-table
// scaffolding, run once against the CN primary during bootstrap.
func (d *Driver) CreateDistributedDataTable(ctx context.Context) error {
	if _, err := d.local.Exec(ctx, queryCreateDistributedDataTable); err != nil {
		return wrapDBErr(err)
	}
	return nil
}

// StartBackgroundService enables the metadata server's internal
// background worker (statistics refresh, catalog housekeeping) once
// bootstrap has finished populating the catalog.
func (d *Driver) StartBackgroundService(ctx context.Context) error {
	if _, err := d.local.Exec(ctx, queryStartBackgroundService); err != nil {
		return wrapDBErr(err)
	}
	return nil
}

// PlainMkdir creates a directory through the server's privileged
// filesystem helper function rather than a direct os.Mkdir, since the
// target directory is often only writable by the postmaster's user.
func (d *Driver) PlainMkdir(ctx context.Context, path string) error {
	if _, err := d.local.Exec(ctx, queryPlainMkdir, path); err != nil {
		return wrapDBErr(err)
	}
	return nil
}

// ReplicationStatus describes one row of pg_stat_replication as
// observed from a primary, used by the health reporter to cross-check
// the replicas/ roster against what the database itself sees.
type ReplicationStatus struct {
	ClientAddr string
	State      string
}

// StatReplication lists the primary's view of its connected standbys.
func (d *Driver) StatReplication(ctx context.Context) ([]ReplicationStatus, error) {
	return scanReplicationStatus(ctx, d.local)
}

// StatReplicationOn is StatReplication against a remote group leader,
// used by the health reporter: it must check each group's own leader,
// not just the CN's local view, to catch a stuck DN standby.
func (d *Driver) StatReplicationOn(ctx context.Context, endpoint string) ([]ReplicationStatus, error) {
	conn, err := d.connectRemote(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	defer conn.Close(ctx)
	return scanReplicationStatus(ctx, conn)
}

func scanReplicationStatus(ctx context.Context, q queryer) ([]ReplicationStatus, error) {
	rows, err := q.Query(ctx, queryStatReplication)
	if err != nil {
		return nil, wrapDBErr(err)
	}
	defer rows.Close()

	var out []ReplicationStatus
	for rows.Next() {
		var s ReplicationStatus
		if err := rows.Scan(&s.ClientAddr, &s.State); err != nil {
			return nil, wrapDBErr(err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBErr(err)
	}
	return out, nil
}

// ForeignServer describes one row of the falcon_foreign_server
// catalog as exposed by the health reporter's roster cross-check.
type ForeignServer struct {
	Name string
	Host string
}

// ListForeignServers reads the falcon_foreign_server catalog from the
// local (CN primary) connection, the database-side half of the
// catalog-vs-store roster comparison in spec.md §4.6.
func (d *Driver) ListForeignServers(ctx context.Context) ([]ForeignServer, error) {
	rows, err := d.local.Query(ctx, queryForeignServerCatalog)
	if err != nil {
		return nil, wrapDBErr(err)
	}
	defer rows.Close()

	var out []ForeignServer
	for rows.Next() {
		var s ForeignServer
		if err := rows.Scan(&s.Name, &s.Host); err != nil {
			return nil, wrapDBErr(err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBErr(err)
	}
	return out, nil
}
