package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"zk_endpoint", "cluster_name", "user_name", "POD_IP", "NODE_NAME",
		"meta_port", "metrics_port", "timeout", "replica_server_num", "dn_num", "cn_num",
		"dn_sup_num", "cn_sup_num", "wait_replica_time", "data_dir",
		"CHECK_META_PERIOD", "REPORT_DST", "USE_ERROR_REPORT", "has_falcon_stor",
	} {
		os.Unsetenv(k)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(true)
	require.NoError(t, err)
	require.Equal(t, "/falcon", cfg.ClusterName)
	require.Equal(t, 5432, cfg.MetaPort)
	require.Equal(t, 2, cfg.ReplicaServerNum)
	require.True(t, cfg.IsCN)
}

func TestLoad_RejectsOutOfRangeReplicaServerNum(t *testing.T) {
	clearEnv(t)
	os.Setenv("replica_server_num", "3")
	defer os.Unsetenv("replica_server_num")

	_, err := Load(false)
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "replica_server_num", verr.Field)
}

func TestLoad_AcceptsZeroReplicaServerNum(t *testing.T) {
	clearEnv(t)
	os.Setenv("replica_server_num", "0")
	defer os.Unsetenv("replica_server_num")

	cfg, err := Load(false)
	require.NoError(t, err)
	require.Equal(t, 0, cfg.ReplicaServerNum)
}

func TestHostNodeName_FallsBackToPodIP(t *testing.T) {
	clearEnv(t)
	os.Setenv("POD_IP", "10.0.0.5")
	defer os.Unsetenv("POD_IP")

	cfg, err := Load(false)
	require.NoError(t, err)
	require.Equal(t, "node-10.0.0.5", cfg.HostNodeName())
}
