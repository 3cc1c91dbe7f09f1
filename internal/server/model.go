// Package server implements the out-of-process server loop: it joins the
// region the client created, dispatches opcodes against a loaded model,
// and replies.
package server

import (
	"fmt"

	"github.com/fmibridge/remoting/internal/platform"
)

// Model is the set of calls the server dispatches to the wrapped model
// library. It mirrors the operation set the typed wire protocol carries.
//
// Go's plugin package cannot resolve a C ABI struct of function pointers
// the way the original remoting layer's native dynamic loader does
// (internal/platform/library.go documents the same limitation for
// Unload). Instead the wrapped "-remoted" library is itself a Go plugin
// exporting a single symbol, "Model", of this interface, which is the
// idiomatic Go substitute for dlsym-ing a fixed function table.
type Model interface {
	Instantiate() error
	SetupExperiment(toleranceDefined bool, tolerance, startTime float64, stopTimeDefined bool, stopTime float64) error
	EnterInitializationMode() error
	ExitInitializationMode() error
	Terminate() error
	Reset() error
	FreeInstance()

	GetReal(vrs []uint32) ([]float64, error)
	GetInteger(vrs []uint32) ([]int32, error)
	GetBoolean(vrs []uint32) ([]int32, error)
	GetString(vr uint32) (string, error)
	SetReal(vrs []uint32, values []float64) error
	SetInteger(vrs []uint32, values []int32) error
	SetBoolean(vrs []uint32, values []int32) error
	SetString(vr uint32, value string) error

	DoStep(currentTime, step float64, noSetPriorState bool) (StepResult, error)

	SetTime(t float64) error
	SetContinuousStates(x []float64) error
	GetDerivatives() ([]float64, error)
	GetEventIndicators() ([]float64, error)
	GetContinuousStates() ([]float64, error)
	GetNominalsOfContinuousStates() ([]float64, error)
	CompletedIntegratorStep(noSetPriorState bool) (enterEvent bool, terminate bool, err error)
	EnterEventMode() error
	NewDiscreteStates() (DiscreteStatesResult, error)
	EnterContinuousTimeMode() error

	GetDirectionalDerivative(unknownVRs, knownVRs []uint32, seed []float64) ([]float64, error)
}

// StepResult is DoStep's outcome: whether an event was encountered during
// the step, and whether the model requested termination.
type StepResult struct {
	EventEncountered bool
	TerminateSim     bool
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

// LoadModel resolves the exported Model symbol of an already opened
// wrapped model library.
func LoadModel(lib *platform.Library) (Model, error) {
	sym, err := lib.Symbol("Model")
	if err != nil {
		return nil, fmt.Errorf("server: resolving Model symbol: %w", err)
	}
	m, ok := sym.(Model)
	if !ok {
		if ptr, ok2 := sym.(*Model); ok2 {
			return *ptr, nil
		}
		return nil, fmt.Errorf("server: exported Model symbol from %s does not implement server.Model", lib.Path())
	}
	return m, nil
}
