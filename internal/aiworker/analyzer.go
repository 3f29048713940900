// Package aiworker is the mock analysis microservice. It acknowledges
// submitted images immediately and delivers a simulated result through the
// backend's callback ingress after a short delay. All timing lives here;
// the scan pipeline itself never depends on timers.
package aiworker

import (
	"math/rand"
	"time"

	"github.com/scanhub/scanhub/internal/domain/scan"
)

// ModelVersion identifies the simulated model in result metadata.
const ModelVersion = "2.1.0"

// Analyzer produces canned findings per scan type.
type Analyzer struct {
	// Delay simulates inference latency before the callback fires.
	Delay time.Duration
	rng   *rand.Rand
}

// NewAnalyzer creates an Analyzer with the given simulated latency.
func NewAnalyzer(delay time.Duration) *Analyzer {
	return &Analyzer{
		Delay: delay,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// profiles maps scan types to plausible outcomes. Most results are normal;
// a minority flags a finding that requires doctor review.
var profiles = map[string][]resultProfile{
	"chest-xray": {
		{weight: 7, confidence: 0.92, findings: []scan.Finding{
			{Condition: "Normal", Confidence: 0.92, Description: "No abnormal findings detected", Severity: "low"},
		}, recommendations: []scan.Recommendation{
			{Priority: "low", Action: "Continue routine care", Details: "No immediate action required"},
		}},
		{weight: 3, review: true, confidence: 0.81, findings: []scan.Finding{
			{Condition: "Opacity", Confidence: 0.81, Description: "Focal opacity in right lower lobe", Severity: "high"},
		}, recommendations: []scan.Recommendation{
			{Priority: "high", Action: "Refer for CT follow-up", Details: "Opacity warrants further imaging"},
		}},
	},
	"brain-mri": {
		{weight: 8, confidence: 0.9, findings: []scan.Finding{
			{Condition: "Normal", Confidence: 0.9, Description: "No acute intracranial abnormality", Severity: "low"},
		}, recommendations: []scan.Recommendation{
			{Priority: "low", Action: "Continue routine care", Details: "No immediate action required"},
		}},
		{weight: 2, review: true, confidence: 0.77, findings: []scan.Finding{
			{Condition: "Lesion", Confidence: 0.77, Description: "Small hyperintense lesion, left hemisphere", Severity: "medium"},
		}, recommendations: []scan.Recommendation{
			{Priority: "medium", Action: "Neurology consultation", Details: "Correlate with clinical presentation"},
		}},
	},
	"bone-xray": {
		{weight: 6, confidence: 0.94, findings: []scan.Finding{
			{Condition: "Normal", Confidence: 0.94, Description: "No fracture or dislocation", Severity: "low"},
		}, recommendations: []scan.Recommendation{
			{Priority: "low", Action: "Continue routine care", Details: "No immediate action required"},
		}},
		{weight: 4, review: true, confidence: 0.86, findings: []scan.Finding{
			{Condition: "Fracture", Confidence: 0.86, Description: "Hairline fracture, distal radius", Severity: "high"},
		}, recommendations: []scan.Recommendation{
			{Priority: "high", Action: "Orthopedic referral", Details: "Immobilization recommended"},
		}},
	},
	"ct-scan": {
		{weight: 8, confidence: 0.89, findings: []scan.Finding{
			{Condition: "Normal", Confidence: 0.89, Description: "No abnormal findings detected", Severity: "low"},
		}, recommendations: []scan.Recommendation{
			{Priority: "low", Action: "Continue routine care", Details: "No immediate action required"},
		}},
		{weight: 2, review: true, confidence: 0.74, findings: []scan.Finding{
			{Condition: "Nodule", Confidence: 0.74, Description: "Indeterminate nodule, 6mm", Severity: "medium"},
		}, recommendations: []scan.Recommendation{
			{Priority: "medium", Action: "Repeat imaging in 6 months", Details: "Surveillance per guidelines"},
		}},
	},
	"ultrasound": {
		{weight: 9, confidence: 0.91, findings: []scan.Finding{
			{Condition: "Normal", Confidence: 0.91, Description: "No abnormal findings detected", Severity: "low"},
		}, recommendations: []scan.Recommendation{
			{Priority: "low", Action: "Continue routine care", Details: "No immediate action required"},
		}},
		{weight: 1, review: true, confidence: 0.72, findings: []scan.Finding{
			{Condition: "Cyst", Confidence: 0.72, Description: "Simple cyst, likely benign", Severity: "low"},
		}, recommendations: []scan.Recommendation{
			{Priority: "low", Action: "Clinical correlation", Details: "Follow up if symptomatic"},
		}},
	},
}

type resultProfile struct {
	weight          int
	review          bool
	confidence      float64
	findings        []scan.Finding
	recommendations []scan.Recommendation
}

// Analyze produces a simulated result for the given scan. The image bytes
// only contribute their size to the processing-time simulation.
func (a *Analyzer) Analyze(scanType string, imageSize int) *scan.Result {
	start := time.Now()

	options, ok := profiles[scanType]
	if !ok {
		options = profiles["chest-xray"]
	}

	total := 0
	for _, p := range options {
		total += p.weight
	}
	pick := a.rng.Intn(total)
	var chosen resultProfile
	for _, p := range options {
		if pick < p.weight {
			chosen = p
			break
		}
		pick -= p.weight
	}

	confidence := chosen.confidence
	return &scan.Result{
		Confidence:           &confidence,
		Findings:             chosen.findings,
		Recommendations:      chosen.recommendations,
		RequiresDoctorReview: chosen.review,
		ProcessingTimeMs:     time.Since(start).Milliseconds() + a.Delay.Milliseconds(),
		ModelVersion:         ModelVersion,
	}
}
