// Package config loads the agent's environment-driven configuration
// into a single struct passed to every component, replacing the
// original source's process-global module-level settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// ValidationError names the offending field, matching spec.md scenario 6
// ("replica_server_num outside 0-2 is rejected at construction with a
// value error citing the field").
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: invalid %s: %s", e.Field, e.Reason)
}

// Config is the full set of agent parameters, read once at startup.
type Config struct {
	IsCN bool

	ZKEndpoint   string
	ClusterName  string
	UserName     string
	PodIP        string
	NodeName     string
	MetaPort     int
	MetricsPort  int
	StoreTimeout time.Duration

	ReplicaServerNum int
	DNNum            int
	CNNum            int
	DNSupplementNum  int
	CNSupplementNum  int

	WaitReplicaTime time.Duration
	DataDir         string
	CheckMetaPeriod time.Duration

	ReportDst       string
	UseErrorReport  bool
	HasFalconStor   bool

	TelegramBotToken string
	TelegramChatID   string
}

// HostNodeName is the stable node identity: NODE_NAME if set, else
// derived from POD_IP so every agent has a usable identity even on
// hosts that don't set NODE_NAME explicitly.
func (c *Config) HostNodeName() string {
	if c.NodeName != "" {
		return c.NodeName
	}
	return "node-" + c.PodIP
}

// Endpoint is this agent's advertised "ip:port".
func (c *Config) Endpoint() string {
	return fmt.Sprintf("%s:%d", c.PodIP, c.MetaPort)
}

// Load reads configuration from the environment for a process started
// with the given role. isCN distinguishes the two entrypoint binaries
// (cmd/falcon-cn and cmd/falcon-dn); spec.md §6: "No CLI flags; all
// configuration is through environment."
func Load(isCN bool) (*Config, error) {
	c := &Config{
		IsCN:        isCN,
		ZKEndpoint:  getenv("zk_endpoint", "127.0.0.1:2181"),
		ClusterName: getenv("cluster_name", "/falcon"),
		UserName:    getenv("user_name", "falconMeta"),
		PodIP:       os.Getenv("POD_IP"),
		NodeName:    os.Getenv("NODE_NAME"),
		DataDir:     getenv("data_dir", "/home/falconMeta/data"),
		ReportDst:   os.Getenv("REPORT_DST"),

		TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID:   os.Getenv("TELEGRAM_CHAT_ID"),
	}

	var err error
	if c.MetaPort, err = getenvInt("meta_port", 5432); err != nil {
		return nil, err
	}
	if c.MetricsPort, err = getenvInt("metrics_port", 9100); err != nil {
		return nil, err
	}

	timeoutSecs, err := getenvFloat("timeout", 10.0)
	if err != nil {
		return nil, err
	}
	c.StoreTimeout = time.Duration(timeoutSecs * float64(time.Second))

	if c.ReplicaServerNum, err = getenvInt("replica_server_num", 2); err != nil {
		return nil, err
	}
	if c.ReplicaServerNum < 0 || c.ReplicaServerNum > 2 {
		return nil, &ValidationError{
			Field:  "replica_server_num",
			Reason: fmt.Sprintf("must be in range 0-2, got %d", c.ReplicaServerNum),
		}
	}

	if c.DNNum, err = getenvInt("dn_num", 0); err != nil {
		return nil, err
	}
	if c.CNNum, err = getenvInt("cn_num", 0); err != nil {
		return nil, err
	}
	if c.DNSupplementNum, err = getenvInt("dn_sup_num", 0); err != nil {
		return nil, err
	}
	if c.CNSupplementNum, err = getenvInt("cn_sup_num", 0); err != nil {
		return nil, err
	}

	waitReplicaSecs, err := getenvInt("wait_replica_time", 600)
	if err != nil {
		return nil, err
	}
	c.WaitReplicaTime = time.Duration(waitReplicaSecs) * time.Second

	checkMetaHours, err := getenvFloat("CHECK_META_PERIOD", 1.0)
	if err != nil {
		return nil, err
	}
	c.CheckMetaPeriod = time.Duration(checkMetaHours * float64(time.Hour))

	c.HasFalconStor = getenvBool("has_falcon_stor", false)
	c.UseErrorReport = getenvBool("USE_ERROR_REPORT", false)

	return c, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &ValidationError{Field: key, Reason: fmt.Sprintf("not an integer: %q", v)}
	}
	return n, nil
}

func getenvFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, &ValidationError{Field: key, Reason: fmt.Sprintf("not a number: %q", v)}
	}
	return f, nil
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
