// Package models defines the conversation phase progression for CareCircle sessions.
package models

// Phase is a coarse stage of the conversation's lifecycle driven purely by
// turn count. It is never stored independently of the count that produced it.
type Phase string

const (
	PhaseOpening     Phase = "opening"
	PhaseExploration Phase = "exploration"
	PhaseDeepening   Phase = "deepening"
	PhaseIntegration Phase = "integration"
	PhaseClosing     Phase = "closing"
)

// Phase boundaries in cumulative turns.
const (
	phaseExplorationStart = 5
	phaseDeepeningStart   = 15
	phaseIntegrationStart = 25
	phaseClosingStart     = 35
)

// PhaseForTurnCount maps a cumulative turn count to its conversation phase.
// Idempotent and side-effect free; callers observe a transition only when the
// computed phase differs from the previous one.
func PhaseForTurnCount(turnCount int) Phase {
	switch {
	case turnCount < phaseExplorationStart:
		return PhaseOpening
	case turnCount < phaseDeepeningStart:
		return PhaseExploration
	case turnCount < phaseIntegrationStart:
		return PhaseDeepening
	case turnCount < phaseClosingStart:
		return PhaseIntegration
	default:
		return PhaseClosing
	}
}
