package server

import "github.com/fmibridge/remoting/internal/csadapter"

// csAdapterModel adapts a *csadapter.Adapter (which knows nothing about
// this package, to avoid a server <-> csadapter import cycle) to the
// Model interface the dispatch loop drives. The only real work is
// translating the two packages' independently-defined StepResult and
// DiscreteStatesResult types.
type csAdapterModel struct {
	*csadapter.Adapter
}

// WrapModelExchangeAdapter exposes a model-exchange adapter as a Model
// for the dispatch loop, for sessions where the wrapped library only
// implements model exchange.
func WrapModelExchangeAdapter(a *csadapter.Adapter) Model {
	return csAdapterModel{a}
}

func (m csAdapterModel) DoStep(currentTime, step float64, noSetPriorState bool) (StepResult, error) {
	r, err := m.Adapter.DoStep(currentTime, step, noSetPriorState)
	return StepResult{EventEncountered: r.EventEncountered, TerminateSim: r.TerminateSim}, err
}

func (m csAdapterModel) NewDiscreteStates() (DiscreteStatesResult, error) {
	r, err := m.Adapter.NewDiscreteStates()
	return DiscreteStatesResult{
		NewDiscreteStatesNeeded:           r.NewDiscreteStatesNeeded,
		TerminateSimulation:               r.TerminateSimulation,
		NominalsOfContinuousStatesChanged: r.NominalsOfContinuousStatesChanged,
		ValuesOfContinuousStatesChanged:   r.ValuesOfContinuousStatesChanged,
		NextEventTimeDefined:              r.NextEventTimeDefined,
		NextEventTime:                     r.NextEventTime,
	}, err
}

// Reset is promoted from *csadapter.Adapter automatically via embedding
// for every other method; Go's method promotion already satisfies the
// rest of server.Model (Instantiate, SetReal, GetDerivatives, ...)
// because their signatures are identical between the two packages.
