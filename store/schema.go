package store

import "fmt"

// DynamoDB schema constants for single-table design
const (
	// Table attributes
	AttrPK         = "PK"
	AttrSK         = "SK"
	AttrGSI1PK     = "GSI1PK"
	AttrGSI1SK     = "GSI1SK"
	AttrGSI2PK     = "GSI2PK"
	AttrGSI2SK     = "GSI2SK"
	AttrEntityType = "entity_type"
	AttrData       = "data"
	AttrTTL        = "ttl"

	// Entity types
	EntityTypeEnsembleRun   = "EnsembleRun"
	EntityTypeStepExecution = "StepExecution"
	EntityTypeStepOutput    = "StepOutput"
	EntityTypeState         = "State"
	EntityTypeScoreRecord   = "ScoreRecord"

	// Index names
	IndexStatusIndex   = "GSI1"
	IndexResourceIndex = "GSI2"
)

// Key builders for single-table design

// EnsembleRun keys: PK=RUN#{runID}, SK=META
func ensembleRunPK(runID string) string {
	return fmt.Sprintf("RUN#%s", runID)
}

func ensembleRunSK() string {
	return "META"
}

func ensembleRunGSI1PK(ensembleID, status string) string {
	return fmt.Sprintf("ENS#%s#STATUS#%s", ensembleID, status)
}

func ensembleRunGSI1SK(createdAt string) string {
	return createdAt
}

func ensembleRunGSI2PK(resourceID, status string) string {
	return fmt.Sprintf("RES#%s#STATUS#%s", resourceID, status)
}

func ensembleRunGSI2SK(createdAt string) string {
	return createdAt
}

// StepExecution keys: PK=RUN#{runID}, SK=STEP#{stepID}
func stepExecutionPK(runID string) string {
	return fmt.Sprintf("RUN#%s", runID)
}

func stepExecutionSK(stepID string) string {
	return fmt.Sprintf("STEP#%s", stepID)
}

// StepOutput keys: PK=RUN#{runID}, SK=OUTPUT#{stepID}
func stepOutputPK(runID string) string {
	return fmt.Sprintf("RUN#%s", runID)
}

func stepOutputSK(stepID string) string {
	return fmt.Sprintf("OUTPUT#%s", stepID)
}

// State keys: PK=RUN#{runID}, SK=STATE#{key}
func statePK(runID string) string {
	return fmt.Sprintf("RUN#%s", runID)
}

func stateSK(key string) string {
	return fmt.Sprintf("STATE#%s", key)
}

// ScoreRecord keys: PK=RUN#{runID}, SK=SCORE#{seq}. The zero-padded sequence
// number keeps range queries in evaluation order.
func scoreRecordPK(runID string) string {
	return fmt.Sprintf("RUN#%s", runID)
}

func scoreRecordSK(seq int) string {
	return fmt.Sprintf("SCORE#%08d", seq)
}

// Prefixes for range queries
func statePrefix() string {
	return "STATE#"
}

func stepPrefix() string {
	return "STEP#"
}

func scorePrefix() string {
	return "SCORE#"
}
