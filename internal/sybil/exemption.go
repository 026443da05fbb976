package sybil

// ExemptReason explains why a wallet is kept out of the public flagged view.
type ExemptReason string

const (
	ExemptVerified     ExemptReason = "gooddollar_verified"
	ExemptSmallCluster ExemptReason = "small_cluster"
	ExemptNone         ExemptReason = "none"
)

// SmallClusterMax is the largest cluster treated as a household or a
// recovered wallet rather than coordinated abuse.
const SmallClusterMax = 3

// ExemptionDecision is derived on every read and never persisted. It only
// affects public flagging; the tier and stored score are untouched.
type ExemptionDecision struct {
	IsExempt     bool         `json:"isExempt"`
	ExemptReason ExemptReason `json:"exemptReason"`
	ClusterSize  int          `json:"clusterSize"`
}

// EvaluateExemption applies the verified rule first, then the cluster-size rule.
// clusterSize counts the wallet itself.
func EvaluateExemption(verified bool, clusterSize int) ExemptionDecision {
	switch {
	case verified:
		return ExemptionDecision{IsExempt: true, ExemptReason: ExemptVerified, ClusterSize: clusterSize}
	case clusterSize <= SmallClusterMax:
		return ExemptionDecision{IsExempt: true, ExemptReason: ExemptSmallCluster, ClusterSize: clusterSize}
	default:
		return ExemptionDecision{IsExempt: false, ExemptReason: ExemptNone, ClusterSize: clusterSize}
	}
}
