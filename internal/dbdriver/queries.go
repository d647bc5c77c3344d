package dbdriver

// Named SQL issued against local or remote database endpoints, per
// spec.md §6's stored-procedure and function list.
const (
	queryLastWALReceiveLSN = `SELECT pg_last_wal_receive_lsn(), pg_last_wal_receive_lsn_for_falcon()`

	queryStatReplication = `
		SELECT client_addr, state
		FROM pg_stat_replication`

	queryStatWALReceiverState = `
		SELECT status
		FROM pg_stat_wal_receiver`

	queryCreatePhysicalSlot = `SELECT pg_create_physical_replication_slot($1)`
	queryDropSlot           = `SELECT pg_drop_replication_slot($1)`

	queryUpdateForeignServer        = `SELECT falcon_update_foreign_server($1, $2, $3)`
	queryReloadForeignServerCache   = `SELECT falcon_reload_foreign_server_cache()`
	queryStartBackgroundService     = `SELECT falcon_start_background_service()`
	queryInsertForeignServer        = `SELECT falcon_insert_foreign_server($1, $2, $3)`
	queryBuildShardTable            = `SELECT falcon_build_shard_table($1, $2)`
	queryCreateDistributedDataTable = `SELECT falcon_create_distributed_data_table()`
	queryPlainMkdir                 = `SELECT falcon_plain_mkdir($1)`

	querySetSyncCommitOn       = `ALTER SYSTEM SET synchronous_commit = on`
	querySetSyncStandbyNames   = `ALTER SYSTEM SET synchronous_standby_names = '*'`
	queryReloadConf            = `SELECT pg_reload_conf()`
	queryResetSyncStandbyNames = `ALTER SYSTEM RESET synchronous_standby_names`

	queryClearPrimaryConninfo = `ALTER SYSTEM SET primary_conninfo TO ''`
	queryClearPrimarySlotName = `ALTER SYSTEM SET primary_slot_name TO ''`

	queryForeignServerCatalog = `SELECT server_name, host FROM falcon_foreign_server`
)
