package pipeline

// Layer identifies a dependent recompute layer that a job marked dirty.
type Layer string

const (
	LayerMerge   Layer = "merge"
	LayerDomain  Layer = "domain"
	LayerAbility Layer = "ability"
)

// Signal is a "layer dirty" marker emitted by a job. Jobs never invoke the
// next layer directly; the orchestrator owns fan-out and failure isolation.
type Signal struct {
	Layer   Layer
	OwnerID string
	Domain  string // set for LayerDomain only
}

func mergeSignal(ownerID string) Signal { return Signal{Layer: LayerMerge, OwnerID: ownerID} }
func domainSignal(ownerID, domain string) Signal {
	return Signal{Layer: LayerDomain, OwnerID: ownerID, Domain: domain}
}
func abilitySignal(ownerID string) Signal { return Signal{Layer: LayerAbility, OwnerID: ownerID} }
