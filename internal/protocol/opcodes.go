// Package protocol implements the remoting wire protocol: the opcode set,
// the typed-slots marshalling convention, the status/error channel, and the
// out-of-band log-message channel.
package protocol

import "fmt"

// Opcode identifies a remote call. Values are part of the wire format
// (each travels as a SizeOpcode-byte word, see wire.go) and must never be
// renumbered once a client/server pair has shipped.
type Opcode uint32

const (
	OpInstantiate Opcode = iota + 1
	OpFreeInstance
	OpSetupExperiment
	OpEnterInitializationMode
	OpExitInitializationMode
	OpTerminate
	OpReset

	OpGetReal
	OpGetInteger
	OpGetBoolean
	OpGetString
	OpSetReal
	OpSetInteger
	OpSetBoolean
	OpSetString

	OpDoStep

	OpSetTime
	OpSetContinuousStates
	OpGetDerivatives
	OpGetEventIndicators
	OpGetContinuousStates
	OpCompletedIntegratorStep
	OpEnterEventMode
	OpNewDiscreteStates
	OpEnterContinuousTimeMode
	OpGetNominalsOfContinuousStates

	OpGetDirectionalDerivative
)

func (o Opcode) String() string {
	switch o {
	case OpInstantiate:
		return "Instantiate"
	case OpFreeInstance:
		return "FreeInstance"
	case OpSetupExperiment:
		return "SetupExperiment"
	case OpEnterInitializationMode:
		return "EnterInitializationMode"
	case OpExitInitializationMode:
		return "ExitInitializationMode"
	case OpTerminate:
		return "Terminate"
	case OpReset:
		return "Reset"
	case OpGetReal:
		return "GetReal"
	case OpGetInteger:
		return "GetInteger"
	case OpGetBoolean:
		return "GetBoolean"
	case OpGetString:
		return "GetString"
	case OpSetReal:
		return "SetReal"
	case OpSetInteger:
		return "SetInteger"
	case OpSetBoolean:
		return "SetBoolean"
	case OpSetString:
		return "SetString"
	case OpDoStep:
		return "DoStep"
	case OpSetTime:
		return "SetTime"
	case OpSetContinuousStates:
		return "SetContinuousStates"
	case OpGetDerivatives:
		return "GetDerivatives"
	case OpGetEventIndicators:
		return "GetEventIndicators"
	case OpGetContinuousStates:
		return "GetContinuousStates"
	case OpCompletedIntegratorStep:
		return "CompletedIntegratorStep"
	case OpEnterEventMode:
		return "EnterEventMode"
	case OpNewDiscreteStates:
		return "NewDiscreteStates"
	case OpEnterContinuousTimeMode:
		return "EnterContinuousTimeMode"
	case OpGetNominalsOfContinuousStates:
		return "GetNominalsOfContinuousStates"
	case OpGetDirectionalDerivative:
		return "GetDirectionalDerivative"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", uint32(o))
	}
}

// RequiresModelInstance reports whether an opcode operates on an existing
// model handle (everything except Instantiate itself).
func (o Opcode) RequiresModelInstance() bool {
	return o != OpInstantiate
}
