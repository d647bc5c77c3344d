// Package logging builds the single *zap.Logger threaded through every
// component, and field helpers named after the domain vocabulary
// (group, node, endpoint) in the style of the citus-mcp reference
// example's FieldDSN helper.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production-profile logger writing JSON to stdout, with
// console encoding when dev is true (useful under a local agent run).
func New(dev bool) (*zap.Logger, error) {
	if dev {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return cfg.Build()
	}
	return zap.NewProduction()
}

// FieldGroup tags a log line with the replication group it concerns.
func FieldGroup(group string) zap.Field { return zap.String("group", group) }

// FieldNode tags a log line with a host_node_name.
func FieldNode(node string) zap.Field { return zap.String("node", node) }

// FieldEndpoint tags a log line with an "ip:port" endpoint.
func FieldEndpoint(endpoint string) zap.Field { return zap.String("endpoint", endpoint) }

// FieldLSN tags a log line with an observed log sequence number.
func FieldLSN(lsn uint64) zap.Field { return zap.Uint64("lsn", lsn) }
