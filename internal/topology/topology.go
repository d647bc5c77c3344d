// Package topology defines the shared vocabulary every other component
// builds on: group naming, coordination-store path construction, and
// endpoint parsing. Centralizing it here replaces four separate ad hoc
// path-concatenation sites in the original source with one place.
package topology

import (
	"fmt"
	"strings"
)

// CNGroup is the fixed name of the single coordinator replication group.
const CNGroup = "cn"

// GroupName returns "cn" for group 0, "dn<i-1>" for group i>0.
func GroupName(groupID int) string {
	if groupID == 0 {
		return CNGroup
	}
	return fmt.Sprintf("dn%d", groupID-1)
}

// GroupID returns the numeric id for a group name ("cn" -> 0, "dn0" -> 1, ...).
// ok is false if name is not a recognized group name.
func GroupID(name string) (id int, ok bool) {
	if name == CNGroup {
		return 0, true
	}
	if !strings.HasPrefix(name, "dn") {
		return 0, false
	}
	var n int
	if _, err := fmt.Sscanf(name, "dn%d", &n); err != nil {
		return 0, false
	}
	return n + 1, true
}

// Root builds the cluster root path, e.g. "/falcon".
func Root(clusterName string) string {
	return clusterName
}

// Ready is the bootstrap-complete sentinel path.
func Ready(root string) string { return root + "/ready" }

// Presence returns the ephemeral presence path for a node of the given role.
func Presence(root string, isCN bool, node string) string {
	if isCN {
		return root + "/falcon_cns/" + node
	}
	return root + "/falcon_dns/" + node
}

// PresenceRoot returns the parent directory of presence nodes for a role.
func PresenceRoot(root string, isCN bool) string {
	if isCN {
		return root + "/falcon_cns"
	}
	return root + "/falcon_dns"
}

// Leader returns the ephemeral leader path for a group.
func Leader(root, group string) string { return root + "/leaders/" + group }

// LeadersRoot returns the parent of all leader nodes.
func LeadersRoot(root string) string { return root + "/leaders" }

// ClustersRoot returns the parent directory of every group's subtree,
// used to discover which groups currently exist without knowing the
// cluster shape ahead of time.
func ClustersRoot(root string) string { return root + "/falcon_clusters" }

// ClusterDir returns the persistent subtree root for a group.
func ClusterDir(root, group string) string { return root + "/falcon_clusters/" + group }

// HostNodes returns the hostNodes roster root for a group.
func HostNodes(root, group string) string { return ClusterDir(root, group) + "/hostNodes" }

// HostNode returns a single member's roster entry path.
func HostNode(root, group, node string) string { return HostNodes(root, group) + "/" + node }

// Membership returns the membership root for a group.
func Membership(root, group string) string { return ClusterDir(root, group) + "/membership" }

// MembershipNode returns a single member's membership entry path.
func MembershipNode(root, group, node string) string { return Membership(root, group) + "/" + node }

// Replicas returns the replicas root for a group.
func Replicas(root, group string) string { return ClusterDir(root, group) + "/replicas" }

// Replica returns a single streaming replica's ephemeral entry path.
func Replica(root, group, endpoint string) string { return Replicas(root, group) + "/" + endpoint }

// Candidates returns the candidates root for a group.
func Candidates(root, group string) string { return ClusterDir(root, group) + "/candidates" }

// Candidate returns a single candidate's entry path (value = LSN).
func Candidate(root, group, endpoint string) string { return Candidates(root, group) + "/" + endpoint }

// LastLeader returns the persistent "most recent primary" path for a group.
func LastLeader(root, group string) string { return ClusterDir(root, group) + "/lastLeader" }

// Supplement returns the pool root for the given role.
func Supplement(root string, isCN bool) string {
	if isCN {
		return root + "/cn_supplement"
	}
	return root + "/dn_supplement"
}

// SupplementNode returns a single spare's pool entry path.
func SupplementNode(root string, isCN bool, node string) string {
	return Supplement(root, isCN) + "/" + node
}

// NeedSupplement returns the request path for the k-th outstanding
// supplement request against a group (k in {0,1}).
func NeedSupplement(root, group string, k int) string {
	return fmt.Sprintf("%s/need_supplement/%s-%d", root, group, k)
}

// NeedSupplementRoot returns the parent of all supplement requests.
func NeedSupplementRoot(root string) string { return root + "/need_supplement" }

// Endpoint returns the canonical "ip:port" form.
func Endpoint(ip string, port int) string { return fmt.Sprintf("%s:%d", ip, port) }

// SplitEndpoint parses "ip:port" back into its parts.
func SplitEndpoint(endpoint string) (ip string, port string, ok bool) {
	idx := strings.LastIndex(endpoint, ":")
	if idx < 0 {
		return "", "", false
	}
	return endpoint[:idx], endpoint[idx+1:], true
}

// SlotName derives an identifier-safe replication slot name from a
// host_node_name by replacing '.' and '-' with '_'.
func SlotName(hostNodeName string) string {
	r := strings.NewReplacer(".", "_", "-", "_")
	return r.Replace(hostNodeName)
}

// GroupSize returns the number of members a group of replicaServerNum
// standbys should have: one primary plus N standbys.
func GroupSize(replicaServerNum int) int { return replicaServerNum + 1 }
