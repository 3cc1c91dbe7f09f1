package server

import (
	"math"

	"github.com/fmibridge/remoting/internal/protocol"
)

// dispatch executes one opcode against the loaded model, reading its
// arguments out of the region and writing its results back in. The two
// calls expected on the hot path of a running simulation, DoStep and the
// terminal FreeInstance, are checked first so a long co-simulation loop
// never pays for walking the rest of the switch.
func (l *Loop) dispatch(op protocol.Opcode) protocol.Status {
	switch op {
	case protocol.OpDoStep:
		return l.doStep()
	case protocol.OpFreeInstance:
		return l.freeInstance()
	}

	switch op {
	case protocol.OpInstantiate:
		return l.instantiate()
	case protocol.OpSetupExperiment:
		return l.setupExperiment()
	case protocol.OpEnterInitializationMode:
		return l.statusOf(l.model.EnterInitializationMode())
	case protocol.OpExitInitializationMode:
		return l.flushDirtyTables(l.statusOf(l.model.ExitInitializationMode()))
	case protocol.OpTerminate:
		return l.statusOf(l.model.Terminate())
	case protocol.OpReset:
		return l.reset()

	case protocol.OpGetReal:
		return l.getReal()
	case protocol.OpGetInteger:
		return l.getInteger()
	case protocol.OpGetBoolean:
		return l.getBoolean()
	case protocol.OpGetString:
		return l.getString()
	case protocol.OpSetReal:
		return l.flushDirtyTables(protocol.StatusOK)
	case protocol.OpSetInteger:
		return l.flushDirtyTables(protocol.StatusOK)
	case protocol.OpSetBoolean:
		return l.flushDirtyTables(protocol.StatusOK)
	case protocol.OpSetString:
		return l.setString()

	case protocol.OpSetTime:
		return l.statusOf(l.model.SetTime(l.region.Scratch(0)))
	case protocol.OpSetContinuousStates:
		return l.setContinuousStates()
	case protocol.OpGetDerivatives:
		return l.getDerivatives()
	case protocol.OpGetEventIndicators:
		return l.getEventIndicators()
	case protocol.OpGetContinuousStates:
		return l.getContinuousStates()
	case protocol.OpGetNominalsOfContinuousStates:
		return l.getNominalsOfContinuousStates()
	case protocol.OpCompletedIntegratorStep:
		return l.completedIntegratorStep()
	case protocol.OpEnterEventMode:
		return l.statusOf(l.model.EnterEventMode())
	case protocol.OpNewDiscreteStates:
		return l.newDiscreteStates()
	case protocol.OpEnterContinuousTimeMode:
		return l.statusOf(l.model.EnterContinuousTimeMode())

	case protocol.OpGetDirectionalDerivative:
		return l.getDirectionalDerivative()
	}

	msg := "Function " + op.String() + " unreachable."
	l.region.SetMessage(msg)
	l.logLine(msg)
	return protocol.StatusError
}

func (l *Loop) statusOf(err error) protocol.Status {
	if err == nil {
		return protocol.StatusOK
	}
	l.region.SetMessage(err.Error())
	l.logLine("error: " + err.Error())
	return protocol.StatusError
}

func (l *Loop) instantiate() protocol.Status {
	return l.statusOf(l.model.Instantiate())
}

func (l *Loop) setupExperiment() protocol.Status {
	toleranceDefined := l.region.Scratch(0) != 0
	tolerance := l.region.Scratch(1)
	startTime := l.region.Scratch(2)
	stopTimeDefined := l.region.Scratch(3) != 0
	stopTime := l.region.Scratch(4)
	return l.statusOf(l.model.SetupExperiment(toleranceDefined, tolerance, startTime, stopTimeDefined, stopTime))
}

func (l *Loop) reset() protocol.Status {
	status := l.statusOf(l.model.Reset())
	l.reals.ClearAllChanged()
	l.integers.ClearAllChanged()
	l.booleans.ClearAllChanged()
	return status
}

func (l *Loop) freeInstance() protocol.Status {
	l.model.FreeInstance()
	return protocol.StatusOK
}

// flushDirtyTables applies every region slot marked changed since the
// last flush to the model in one batched call per type, then clears the
// flags, the server-side half of the accumulated-diff convention.
func (l *Loop) flushDirtyTables(carry protocol.Status) protocol.Status {
	if !carry.Ok() {
		return carry
	}

	if n := l.reals.Len(); n > 0 {
		var vrs []uint32
		var vals []float64
		for i := 0; i < n; i++ {
			if l.region.RealChanged(i) {
				vrs = append(vrs, l.region.RealVR(i))
				vals = append(vals, l.region.RealValue(i))
			}
		}
		if len(vrs) > 0 {
			if err := l.model.SetReal(vrs, vals); err != nil {
				return l.statusOf(err)
			}
			for i := 0; i < n; i++ {
				l.region.SetRealChanged(i, false)
			}
		}
	}

	if n := l.integers.Len(); n > 0 {
		var vrs []uint32
		var vals []int32
		for i := 0; i < n; i++ {
			if l.region.IntegerChanged(i) {
				vrs = append(vrs, l.region.IntegerVR(i))
				vals = append(vals, l.region.IntegerValue(i))
			}
		}
		if len(vrs) > 0 {
			if err := l.model.SetInteger(vrs, vals); err != nil {
				return l.statusOf(err)
			}
			for i := 0; i < n; i++ {
				l.region.SetIntegerChanged(i, false)
			}
		}
	}

	if n := l.booleans.Len(); n > 0 {
		var vrs []uint32
		var vals []int32
		for i := 0; i < n; i++ {
			if l.region.BooleanChanged(i) {
				vrs = append(vrs, l.region.BooleanVR(i))
				vals = append(vals, l.region.BooleanValue(i))
			}
		}
		if len(vrs) > 0 {
			if err := l.model.SetBoolean(vrs, vals); err != nil {
				return l.statusOf(err)
			}
			for i := 0; i < n; i++ {
				l.region.SetBooleanChanged(i, false)
			}
		}
	}

	return protocol.StatusOK
}

func (l *Loop) getReal() protocol.Status {
	n := l.reals.Len()
	if n == 0 {
		return protocol.StatusOK
	}
	vrs := make([]uint32, n)
	for i := 0; i < n; i++ {
		vrs[i] = l.region.RealVR(i)
	}
	values, err := l.model.GetReal(vrs)
	if err != nil {
		return l.statusOf(err)
	}
	for i, v := range values {
		l.region.SetRealValue(i, v)
	}
	return protocol.StatusOK
}

func (l *Loop) getInteger() protocol.Status {
	n := l.integers.Len()
	if n == 0 {
		return protocol.StatusOK
	}
	vrs := make([]uint32, n)
	for i := 0; i < n; i++ {
		vrs[i] = l.region.IntegerVR(i)
	}
	values, err := l.model.GetInteger(vrs)
	if err != nil {
		return l.statusOf(err)
	}
	for i, v := range values {
		l.region.SetIntegerValue(i, v)
	}
	return protocol.StatusOK
}

func (l *Loop) getBoolean() protocol.Status {
	n := l.booleans.Len()
	if n == 0 {
		return protocol.StatusOK
	}
	vrs := make([]uint32, n)
	for i := 0; i < n; i++ {
		vrs[i] = l.region.BooleanVR(i)
	}
	values, err := l.model.GetBoolean(vrs)
	if err != nil {
		return l.statusOf(err)
	}
	for i, v := range values {
		l.region.SetBooleanValue(i, v)
	}
	return protocol.StatusOK
}

func (l *Loop) getString() protocol.Status {
	vr := uint32(l.region.Scratch(0))
	s, err := l.model.GetString(vr)
	if err != nil {
		return l.statusOf(err)
	}
	buf := l.region.StringBuf()
	n := copy(buf, s)
	if n < len(buf) {
		buf[n] = 0
	}
	return protocol.StatusOK
}

func (l *Loop) setString() protocol.Status {
	vr := uint32(l.region.Scratch(0))
	buf := l.region.StringBuf()
	end := len(buf)
	for i, b := range buf {
		if b == 0 {
			end = i
			break
		}
	}
	return l.statusOf(l.model.SetString(vr, string(buf[:end])))
}

func (l *Loop) doStep() protocol.Status {
	currentTime := l.region.Scratch(0)
	step := l.region.Scratch(1)
	noSetPrior := l.region.Scratch(2) != 0

	if s := l.flushDirtyTables(protocol.StatusOK); !s.Ok() {
		return s
	}

	result, err := l.model.DoStep(currentTime, step, noSetPrior)
	if err != nil {
		if l.metrics != nil {
			l.metrics.RecordStep("error")
		}
		return l.statusOf(err)
	}
	if l.metrics != nil {
		l.metrics.RecordStep("ok")
		if result.EventEncountered {
			l.metrics.RecordEvent("step")
		}
		if withOrder, ok := l.model.(interface{ IntegratorOrder() int }); ok {
			l.metrics.IntegratorOrder.Set(float64(withOrder.IntegratorOrder()))
		}
	}
	l.region.SetScratch(0, boolToFloat(result.EventEncountered))
	l.region.SetScratch(1, boolToFloat(result.TerminateSim))
	if result.TerminateSim {
		l.region.SetMessage("server: model requested simulation termination during the step")
		return protocol.StatusError
	}

	// Re-publish every variable after the step so the client can refresh
	// its caches from the region without three more round trips.
	if s := l.getReal(); !s.Ok() {
		return s
	}
	if s := l.getInteger(); !s.Ok() {
		return s
	}
	return l.getBoolean()
}

func (l *Loop) setContinuousStates() protocol.Status {
	n := l.realSlotCountFromScratch()
	x := make([]float64, n)
	for i := 0; i < n; i++ {
		x[i] = l.region.RealValue(i)
	}
	return l.statusOf(l.model.SetContinuousStates(x))
}

func (l *Loop) getDerivatives() protocol.Status {
	derivatives, err := l.model.GetDerivatives()
	if err != nil {
		return l.statusOf(err)
	}
	for i, v := range derivatives {
		l.region.SetRealValue(i, v)
	}
	return protocol.StatusOK
}

func (l *Loop) getEventIndicators() protocol.Status {
	indicators, err := l.model.GetEventIndicators()
	if err != nil {
		return l.statusOf(err)
	}
	for i, v := range indicators {
		l.region.SetRealValue(i, v)
	}
	return protocol.StatusOK
}

func (l *Loop) getContinuousStates() protocol.Status {
	states, err := l.model.GetContinuousStates()
	if err != nil {
		return l.statusOf(err)
	}
	for i, v := range states {
		l.region.SetRealValue(i, v)
	}
	return protocol.StatusOK
}

func (l *Loop) getNominalsOfContinuousStates() protocol.Status {
	nominals, err := l.model.GetNominalsOfContinuousStates()
	if err != nil {
		return l.statusOf(err)
	}
	for i, v := range nominals {
		l.region.SetRealValue(i, v)
	}
	return protocol.StatusOK
}

func (l *Loop) completedIntegratorStep() protocol.Status {
	noSetPrior := l.region.Scratch(0) != 0
	enterEvent, terminate, err := l.model.CompletedIntegratorStep(noSetPrior)
	if err != nil {
		return l.statusOf(err)
	}
	l.region.SetScratch(0, boolToFloat(enterEvent))
	l.region.SetScratch(1, boolToFloat(terminate))
	return protocol.StatusOK
}

func (l *Loop) newDiscreteStates() protocol.Status {
	result, err := l.model.NewDiscreteStates()
	if err != nil {
		return l.statusOf(err)
	}
	l.region.SetScratch(0, boolToFloat(result.NewDiscreteStatesNeeded))
	l.region.SetScratch(1, boolToFloat(result.TerminateSimulation))
	l.region.SetScratch(2, boolToFloat(result.NominalsOfContinuousStatesChanged))
	l.region.SetScratch(3, boolToFloat(result.ValuesOfContinuousStatesChanged))
	// Only 5 scratch slots exist and 4 are already spoken for above, so
	// NextEventTimeDefined/NextEventTime share the last one: an undefined
	// next event time is sent as NaN rather than spending a whole slot on
	// a flag only meaningful alongside it.
	if result.NextEventTimeDefined {
		l.region.SetScratch(4, result.NextEventTime)
	} else {
		l.region.SetScratch(4, math.NaN())
	}
	return protocol.StatusOK
}

func (l *Loop) getDirectionalDerivative() protocol.Status {
	n := l.reals.Len()
	unknowns := make([]uint32, 0, n)
	knowns := make([]uint32, 0, n)
	seed := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		unknowns = append(unknowns, l.region.RealVR(i))
	}
	for i := 0; i < n; i++ {
		knowns = append(knowns, l.region.RealVR(i))
		seed = append(seed, l.region.RealValue(i))
	}
	result, err := l.model.GetDirectionalDerivative(unknowns, knowns, seed)
	if err != nil {
		return l.statusOf(err)
	}
	for i, v := range result {
		l.region.SetRealValue(i, v)
	}
	return protocol.StatusOK
}

func (l *Loop) realSlotCountFromScratch() int {
	n := int(l.region.Scratch(4))
	if n <= 0 || n > l.reals.Len() {
		return l.reals.Len()
	}
	return n
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
