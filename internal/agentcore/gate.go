package agentcore

import "sync/atomic"

// ManifestBaselineGate shares the currently-expected config manifest hash
// between Core (which reloads the baseline) and the Healer's RB-DRIFT fix
// verifier (which needs to know what "matches baseline" means). Same
// construction-order problem as ClockSkewGate: the Healer is built before
// Core ever loads a baseline.
type ManifestBaselineGate struct {
	hash atomic.Value
}

// NewManifestBaselineGate returns a gate with no expected hash recorded
// yet; ExpectedHash returns "" until Set is first called.
func NewManifestBaselineGate() *ManifestBaselineGate {
	g := &ManifestBaselineGate{}
	g.hash.Store("")
	return g
}

// Set records the manifest hash the current baseline expects.
func (g *ManifestBaselineGate) Set(hash string) {
	g.hash.Store(hash)
}

// ExpectedHash reports the most recently recorded expected hash. Its
// method value satisfies the Healer's ExpectedManifestHash field.
func (g *ManifestBaselineGate) ExpectedHash() string {
	return g.hash.Load().(string)
}

// ClockSkewGate is a shared flag between Core (which observes the clock
// skew probe result each cycle) and the Healer (which must refuse
// disruptive remediation while the clock is drifted). It exists because
// the Healer is constructed before Core wires its first cycle, so the
// two can't close over each other directly — cmd/agent builds one gate
// and hands it to both.
type ClockSkewGate struct {
	asserting atomic.Bool
}

// NewClockSkewGate returns a gate that starts clear (no skew asserting).
func NewClockSkewGate() *ClockSkewGate {
	return &ClockSkewGate{}
}

// Set records the latest clock-skew probe outcome.
func (g *ClockSkewGate) Set(asserting bool) {
	g.asserting.Store(asserting)
}

// Asserting reports the latest recorded clock-skew state. Its method
// value satisfies healing.ClockSkewAsserting.
func (g *ClockSkewGate) Asserting() bool {
	return g.asserting.Load()
}
