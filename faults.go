package roverarm

import (
	"fmt"
	"math"
	"strings"

	"go.viam.com/rdk/referenceframe"
)

const (
	// Size of the per-joint ring of recent accepted angles.
	maxPrevAngles = 5

	// More than this many fishy comparisons out of maxPrevAngles flags a
	// joint once the ring is full.
	maxFishyValues = 2

	// Raw readings this close to a dud sentinel are treated as a
	// disconnected sensor.
	dudEncoderEpsilon = 1e-4

	// Readings beyond a limit by at most this much are clamped to the limit;
	// anything further is an error.
	acceptableBeyondLimit = 0.05

	// Default per-joint deviation threshold for temporal consistency.
	defaultEncoderErrorThreshold = 0.3
)

// EncoderMonitor validates raw joint-position readings: dud sentinel values,
// readings outside joint limits, and readings inconsistent with the recent
// history of the joint. Faulty readings are replaced by the joint's last good
// angle and the joint is flagged; any flagged joint raises the global fault
// consumed by the control loop. State is in-memory only, never persisted.
type EncoderMonitor struct {
	thresholds [NumJoints]float64
	dudValues  []float64

	// Most recent first, at most maxPrevAngles entries per joint.
	prev   [NumJoints][]float64
	faulty [NumJoints]bool

	fault        bool
	faultMessage string
}

// NewEncoderMonitor builds a monitor with per-joint deviation thresholds and
// the raw sentinel values that mark a disconnected sensor. Zero thresholds
// take the default; nil dudValues defaults to the zero sentinel.
func NewEncoderMonitor(thresholds []float64, dudValues []float64) *EncoderMonitor {
	m := &EncoderMonitor{dudValues: dudValues}
	if m.dudValues == nil {
		m.dudValues = []float64{0}
	}
	for i := 0; i < NumJoints; i++ {
		m.thresholds[i] = defaultEncoderErrorThreshold
		if i < len(thresholds) && thresholds[i] > 0 {
			m.thresholds[i] = thresholds[i]
		}
	}
	return m
}

// Faulted reports whether any joint is currently flagged.
func (m *EncoderMonitor) Faulted() bool { return m.fault }

// FaultMessage returns the human-readable description of the current fault.
func (m *EncoderMonitor) FaultMessage() string { return m.faultMessage }

// FaultyJoint reports whether joint i is currently flagged.
func (m *EncoderMonitor) FaultyJoint(i int) bool { return m.faulty[i] }

// Reset clears all fault flags and history.
func (m *EncoderMonitor) Reset() {
	for i := range m.prev {
		m.prev[i] = nil
		m.faulty[i] = false
	}
	m.fault = false
	m.faultMessage = ""
}

// Process runs one incoming reading through the full validation chain and
// returns the vector to feed downstream, with faulty joints substituted by
// their last good angle. lastGood is the live state's current angles.
func (m *EncoderMonitor) Process(angles, lastGood []float64, limits []referenceframe.Limit) []float64 {
	out := append([]float64(nil), angles...)
	m.fault = false
	var badJoints []string

	m.FilterDuds(out, lastGood)
	if msg := m.clampToLimits(out, limits); msg != "" {
		m.fault = true
		m.faultMessage = msg
	}
	m.checkConsistency(out)

	for i := 0; i < NumJoints && i < len(out); i++ {
		if len(m.prev[i]) >= maxPrevAngles {
			m.prev[i] = m.prev[i][:maxPrevAngles-1]
		}
		m.prev[i] = append([]float64{out[i]}, m.prev[i]...)
		if m.faulty[i] {
			out[i] = lastGood[i]
			badJoints = append(badJoints, jointLabel(i))
		}
	}
	if len(badJoints) > 0 {
		m.fault = true
		m.faultMessage = fmt.Sprintf("encoder error in joint(s) %s", strings.Join(badJoints, ", "))
	}
	return out
}

// FilterDuds replaces readings matching a dud sentinel with the joint's last
// good angle, before any further processing.
func (m *EncoderMonitor) FilterDuds(angles, lastGood []float64) {
	for i := 0; i < NumJoints && i < len(angles); i++ {
		for _, dud := range m.dudValues {
			if math.Abs(angles[i]-dud) < dudEncoderEpsilon {
				angles[i] = lastGood[i]
			}
		}
	}
}

// clampToLimits clamps readings slightly beyond a joint limit to the limit.
// A reading further beyond is left in place and reported as an error.
func (m *EncoderMonitor) clampToLimits(angles []float64, limits []referenceframe.Limit) string {
	for i := 0; i < NumJoints && i < len(angles); i++ {
		lim := limits[i]
		switch {
		case angles[i] < lim.Min && lim.Min-angles[i] < acceptableBeyondLimit:
			angles[i] = lim.Min
		case angles[i] > lim.Max && angles[i]-lim.Max < acceptableBeyondLimit:
			angles[i] = lim.Max
		case angles[i] < lim.Min || angles[i] > lim.Max:
			return fmt.Sprintf("encoder reading %f beyond joint %s limits", angles[i], jointLabel(i))
		}
	}
	return ""
}

// checkConsistency compares each reading against the joint's recent history.
// A comparison is fishy when the deviation from the k-th most recent sample
// exceeds the joint's threshold scaled by k+1, tolerating larger jumps
// against older samples. Until the ring fills, one fishy comparison flags the
// joint; after that a majority of fishy comparisons is required, so a single
// noisy historical sample cannot flag a healthy joint.
func (m *EncoderMonitor) checkConsistency(angles []float64) {
	for i := 0; i < NumJoints && i < len(angles); i++ {
		history := m.prev[i]
		if len(history) < maxPrevAngles {
			for k, p := range history {
				if math.Abs(angles[i]-p) > m.thresholds[i]*float64(k+1) {
					m.faulty[i] = true
					break
				}
				if k == len(history)-1 {
					m.faulty[i] = false
				}
			}
			continue
		}
		fishy := 0
		for k, p := range history {
			if math.Abs(angles[i]-p) > m.thresholds[i]*float64(k+1) {
				fishy++
			}
		}
		m.faulty[i] = fishy > maxFishyValues
	}
}

// jointLabel names joints A through F the way operators refer to them.
func jointLabel(i int) string {
	return string(rune('A' + i))
}
