// Package csadapter adapts a model-exchange model (one that only exposes
// continuous-state/derivative/event-indicator calls) into the co-simulation
// DoStep surface internal/server.Model expects, by driving a variable-step
// BDF integrator itself, the same role cswrapper.c plays for the native
// bridge.
package csadapter

// ModelExchangeModel is the subset of calls a model-exchange model
// exposes: no DoStep, just state/derivative/event access plus the
// step-completion and event-handling calls the adapter drives directly.
type ModelExchangeModel interface {
	SetTime(t float64) error
	SetContinuousStates(x []float64) error
	GetContinuousStates() ([]float64, error)
	GetDerivatives() ([]float64, error)
	GetEventIndicators() ([]float64, error)
	GetNominalsOfContinuousStates() ([]float64, error)
	CompletedIntegratorStep(noSetPriorState bool) (enterEventMode, terminateSimulation bool, err error)
	EnterEventMode() error
	NewDiscreteStates() (DiscreteStatesResult, error)
	EnterContinuousTimeMode() error

	NumberOfContinuousStates() int
	NumberOfEventIndicators() int
}

// DiscreteStatesResult mirrors fmi2NewDiscreteStates's output struct.
type DiscreteStatesResult struct {
	NewDiscreteStatesNeeded           bool
	TerminateSimulation               bool
	NominalsOfContinuousStatesChanged bool
	ValuesOfContinuousStatesChanged   bool
	NextEventTimeDefined              bool
	NextEventTime                     float64
}
