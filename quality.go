package compositor

// QualityLevel is the engine's degradation state. It only ever moves
// downward over the lifetime of one engine instance: there is no automatic
// path back up even if performance recovers.
type QualityLevel int

const (
	QualityHigh QualityLevel = iota
	QualityMedium
	QualityLow
)

func (q QualityLevel) String() string {
	switch q {
	case QualityHigh:
		return "high"
	case QualityMedium:
		return "medium"
	case QualityLow:
		return "low"
	default:
		return "unknown"
	}
}

const (
	// FPS below this for degradeWindows consecutive one-second windows
	// triggers the next degradation step.
	degradeFPSThreshold = 20.0
	// FPS at or above this resets the consecutive-window counter. It does
	// not revert an already-applied step.
	recoverFPSThreshold = 25.0
	degradeWindows      = 2
	// Each resolution reduction multiplies the render scale by this.
	resolutionScaleStep = 0.75
)

// qualityAction tells the engine what to apply after an FPS sample.
type qualityAction int

const (
	qualityActionNone qualityAction = iota
	qualityActionDisableEffects
	qualityActionReduceResolution
	qualityActionWarnOnly
)

// PerformanceWarning is delivered to the caller's warning callback when the
// controller degrades (or re-signals at the floor).
type PerformanceWarning struct {
	Level   QualityLevel
	FPS     float64
	Message string
}

// qualityController is a pure reactive state machine driven by the FPS
// sample computed once per rolling second.
type qualityController struct {
	level          QualityLevel
	effectsEnabled bool
	scale          float64 // cumulative resolution scale, only ever shrinks
	badWindows     int
}

func newQualityController() *qualityController {
	return &qualityController{
		level:          QualityHigh,
		effectsEnabled: true,
		scale:          1.0,
	}
}

// observe feeds one FPS sample and returns the action to apply.
func (q *qualityController) observe(fps float64) qualityAction {
	if fps >= recoverFPSThreshold {
		q.badWindows = 0
		return qualityActionNone
	}
	if fps >= degradeFPSThreshold {
		return qualityActionNone
	}

	q.badWindows++
	if q.badWindows < degradeWindows {
		return qualityActionNone
	}
	q.badWindows = 0

	switch q.level {
	case QualityHigh:
		q.effectsEnabled = false
		q.level = QualityMedium
		return qualityActionDisableEffects
	case QualityMedium:
		q.scale *= resolutionScaleStep
		q.level = QualityLow
		return qualityActionReduceResolution
	default:
		// Already at the floor: re-signal, nothing further to shed.
		return qualityActionWarnOnly
	}
}
