package compositor

import "testing"

func TestQualityControllerDegradationOrder(t *testing.T) {
	q := newQualityController()

	if q.level != QualityHigh || !q.effectsEnabled || q.scale != 1.0 {
		t.Fatalf("fresh controller state wrong: %+v", q)
	}

	// First bad window arms the counter, second one fires.
	if got := q.observe(15); got != qualityActionNone {
		t.Fatalf("first bad window action = %v, want none", got)
	}
	if got := q.observe(15); got != qualityActionDisableEffects {
		t.Fatalf("second bad window action = %v, want disable effects", got)
	}
	if q.level != QualityMedium || q.effectsEnabled {
		t.Errorf("after first step: level=%v effects=%v, want medium/disabled", q.level, q.effectsEnabled)
	}
	if q.scale != 1.0 {
		t.Error("effects must be shed before any resolution reduction")
	}

	// Next sustained dip reduces resolution.
	q.observe(15)
	if got := q.observe(15); got != qualityActionReduceResolution {
		t.Fatalf("action = %v, want reduce resolution", got)
	}
	if q.level != QualityLow {
		t.Errorf("level = %v, want low", q.level)
	}
	if q.scale != resolutionScaleStep {
		t.Errorf("scale = %v, want %v", q.scale, resolutionScaleStep)
	}

	// At the floor there is nothing left to shed.
	q.observe(15)
	if got := q.observe(15); got != qualityActionWarnOnly {
		t.Fatalf("action at floor = %v, want warn only", got)
	}
	if q.level != QualityLow {
		t.Errorf("level = %v, want to stay low", q.level)
	}
}

func TestQualityControllerRequiresConsecutiveWindows(t *testing.T) {
	q := newQualityController()

	// A good window between two bad ones resets the counter.
	q.observe(15)
	q.observe(30)
	if got := q.observe(15); got != qualityActionNone {
		t.Errorf("action = %v, want none (counter was reset)", got)
	}
	if q.level != QualityHigh {
		t.Errorf("level = %v, want high", q.level)
	}
}

func TestQualityControllerHysteresisBand(t *testing.T) {
	q := newQualityController()

	// Between the degrade and recover thresholds: neither degrades nor
	// resets.
	q.observe(15)
	if got := q.observe(22); got != qualityActionNone {
		t.Errorf("mid-band action = %v, want none", got)
	}
	// The armed counter survives the mid-band window.
	if got := q.observe(15); got != qualityActionDisableEffects {
		t.Errorf("action = %v, want disable effects (counter survived)", got)
	}
}

func TestQualityControllerNeverRecovers(t *testing.T) {
	q := newQualityController()

	q.observe(10)
	q.observe(10)
	if q.level != QualityMedium {
		t.Fatalf("level = %v, want medium", q.level)
	}

	// Sustained excellent performance resets the counter but never undoes
	// an applied step.
	for i := 0; i < 100; i++ {
		if got := q.observe(60); got != qualityActionNone {
			t.Fatalf("recovery window %d produced action %v", i, got)
		}
	}
	if q.level != QualityMedium || q.effectsEnabled {
		t.Errorf("level=%v effects=%v, degradation must be one-way", q.level, q.effectsEnabled)
	}
}

func TestQualityControllerThresholdBoundaries(t *testing.T) {
	q := newQualityController()

	// Exactly the degrade threshold does not count as bad.
	q.observe(degradeFPSThreshold)
	q.observe(degradeFPSThreshold)
	if q.level != QualityHigh {
		t.Errorf("level = %v, exactly-threshold windows must not degrade", q.level)
	}

	// Exactly the recover threshold resets.
	q.observe(degradeFPSThreshold - 1)
	q.observe(recoverFPSThreshold)
	if got := q.observe(degradeFPSThreshold - 1); got != qualityActionNone {
		t.Errorf("action = %v, want none after reset at recover threshold", got)
	}
}

func TestQualityLevelString(t *testing.T) {
	tests := []struct {
		q    QualityLevel
		want string
	}{
		{QualityHigh, "high"},
		{QualityMedium, "medium"},
		{QualityLow, "low"},
		{QualityLevel(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.q.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", tt.q, got, tt.want)
		}
	}
}
