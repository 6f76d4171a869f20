package selector

import (
	"context"
	"log"

	"github.com/loom-ai/loom/internal/registry"
	"github.com/loom-ai/loom/internal/ui"
)

// Selection reasons surfaced to callers and the /select-device backend.
const (
	ReasonExplicitRequest   = "explicit-device-request"
	ReasonRequestedNotFound = "requested-device-not-found"
	ReasonOnlyDevice        = "only-device-available"
	ReasonArbitration       = "llm-arbitration"
	ReasonHeuristic         = "capability-score"
	ReasonNoDevices         = "no-devices-registered"
)

// Score is the capability-coverage score for one device.
type Score struct {
	Matches     int      `json:"matches"`
	Missing     []string `json:"missing"`
	SupportsAll bool     `json:"supportsAll"`
}

// Selection is the ephemeral per-request outcome of device selection. A nil
// Device with ReasonRequestedNotFound is not an error; the caller decides.
type Selection struct {
	Device             *registry.DeviceRecord `json:"device"`
	Reason             string                 `json:"reason"`
	Confidence         float64                `json:"confidence,omitempty"`
	Score              Score                  `json:"score"`
	AlternateDeviceIDs []string               `json:"alternateDeviceIds,omitempty"`
}

// Candidate is the feature vector shipped to the arbitration backend.
type Candidate struct {
	DeviceID     string   `json:"deviceId"`
	Name         string   `json:"name,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Components   []string `json:"components,omitempty"`
	HasDisplay   bool     `json:"hasDisplay"`
	HasAudio     bool     `json:"hasAudio"`
	Score        Score    `json:"score"`
}

// ArbitrationRequest carries the full candidate set to the arbiter.
type ArbitrationRequest struct {
	Prompt              string      `json:"prompt,omitempty"`
	DesiredCapabilities []string    `json:"desiredCapabilities,omitempty"`
	Candidates          []Candidate `json:"candidates"`
}

// ArbitrationResult is the arbiter's verdict.
type ArbitrationResult struct {
	TargetDeviceID     string   `json:"targetDeviceId"`
	Reason             string   `json:"reason,omitempty"`
	Confidence         float64  `json:"confidence,omitempty"`
	AlternateDeviceIDs []string `json:"alternateDeviceIds,omitempty"`
}

// Arbiter asks a model to pick among candidate devices. Any failure falls
// back to the heuristic scorer and is never fatal.
type Arbiter interface {
	SelectDevice(ctx context.Context, req ArbitrationRequest) (ArbitrationResult, error)
}

// Request describes one selection call.
type Request struct {
	RequestedDeviceID   string
	Prompt              string
	DesiredCapabilities []string
}

// Selector picks a target device for a generation request.
type Selector struct {
	store   *registry.Store
	arbiter Arbiter
	logger  *log.Logger
}

// Option customises selector construction.
type Option func(*Selector)

// WithArbiter attaches the LLM arbitration backend.
func WithArbiter(arbiter Arbiter) Option {
	return func(s *Selector) { s.arbiter = arbiter }
}

// WithLogger overrides the logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Selector) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New constructs a selector over the given registry.
func New(store *registry.Store, opts ...Option) *Selector {
	s := &Selector{
		store:  store,
		logger: log.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SelectTargetDevice resolves the target device for a generation request.
func (s *Selector) SelectTargetDevice(ctx context.Context, req Request) Selection {
	if req.RequestedDeviceID != "" {
		device := s.store.FindDevice(req.RequestedDeviceID)
		if device == nil {
			return Selection{Reason: ReasonRequestedNotFound}
		}
		return Selection{
			Device: device,
			Reason: ReasonExplicitRequest,
			Score:  ScoreDeviceForCapabilities(device, req.DesiredCapabilities),
		}
	}

	devices := s.store.Devices()
	switch len(devices) {
	case 0:
		return Selection{Reason: ReasonNoDevices}
	case 1:
		return Selection{
			Device: devices[0],
			Reason: ReasonOnlyDevice,
			Score:  ScoreDeviceForCapabilities(devices[0], req.DesiredCapabilities),
		}
	}

	if s.arbiter != nil {
		if selection, ok := s.arbitrate(ctx, req, devices); ok {
			return selection
		}
	}

	return s.selectHeuristically(req.DesiredCapabilities, devices)
}

// arbitrate delegates to the LLM backend. The second result is false when
// arbitration failed in any way and the heuristic scorer must decide.
func (s *Selector) arbitrate(ctx context.Context, req Request, devices []*registry.DeviceRecord) (Selection, bool) {
	arbReq := ArbitrationRequest{
		Prompt:              req.Prompt,
		DesiredCapabilities: req.DesiredCapabilities,
	}
	for _, device := range devices {
		arbReq.Candidates = append(arbReq.Candidates, buildCandidate(device, req.DesiredCapabilities))
	}

	result, err := s.arbiter.SelectDevice(ctx, arbReq)
	if err != nil {
		s.logger.Printf("[Selector] Arbitration failed, falling back to heuristic: %v", err)
		return Selection{}, false
	}

	device := s.store.FindDevice(result.TargetDeviceID)
	if device == nil {
		s.logger.Printf("[Selector] Arbitration returned unknown device %q, falling back to heuristic", result.TargetDeviceID)
		return Selection{}, false
	}

	reason := result.Reason
	if reason == "" {
		reason = ReasonArbitration
	}
	return Selection{
		Device:             device,
		Reason:             reason,
		Confidence:         result.Confidence,
		Score:              ScoreDeviceForCapabilities(device, req.DesiredCapabilities),
		AlternateDeviceIDs: result.AlternateDeviceIDs,
	}, true
}

// selectHeuristically ranks devices by (supportsAll desc, matches desc,
// missing asc). The input slice is in registration order and the sort is
// stable, so ties resolve to the first-registered device.
func (s *Selector) selectHeuristically(desired []string, devices []*registry.DeviceRecord) Selection {
	type ranked struct {
		device *registry.DeviceRecord
		score  Score
	}

	candidates := make([]ranked, 0, len(devices))
	for _, device := range devices {
		candidates = append(candidates, ranked{
			device: device,
			score:  ScoreDeviceForCapabilities(device, desired),
		})
	}

	best := 0
	for i := 1; i < len(candidates); i++ {
		if scoreLess(candidates[best].score, candidates[i].score) {
			best = i
		}
	}

	var alternates []string
	for i, candidate := range candidates {
		if i != best {
			alternates = append(alternates, candidate.device.ID)
		}
	}

	return Selection{
		Device:             candidates[best].device,
		Reason:             ReasonHeuristic,
		Score:              candidates[best].score,
		AlternateDeviceIDs: alternates,
	}
}

// scoreLess reports whether a ranks strictly below b.
func scoreLess(a, b Score) bool {
	if a.SupportsAll != b.SupportsAll {
		return b.SupportsAll
	}
	if a.Matches != b.Matches {
		return a.Matches < b.Matches
	}
	return len(a.Missing) > len(b.Missing)
}

// ScoreDeviceForCapabilities computes the coverage score of one device
// against the desired capability list. The invariant
// matches + len(missing) == len(desired) holds for any input.
func ScoreDeviceForCapabilities(device *registry.DeviceRecord, desired []string) Score {
	supported := make(map[string]struct{}, len(device.Capabilities))
	for _, capability := range device.Capabilities {
		supported[capability] = struct{}{}
	}

	score := Score{Missing: []string{}}
	for _, capability := range desired {
		if _, ok := supported[capability]; ok {
			score.Matches++
		} else {
			score.Missing = append(score.Missing, capability)
		}
	}
	score.SupportsAll = len(score.Missing) == 0
	return score
}

func buildCandidate(device *registry.DeviceRecord, desired []string) Candidate {
	components := ui.SupportedKinds(device.UISchema)
	names := make([]string, 0, len(components))
	hasDisplay := false
	for _, kind := range components {
		names = append(names, string(kind))
		if kind != ui.KindText {
			hasDisplay = true
		}
	}

	hasAudio := false
	for _, capability := range device.Capabilities {
		if capability == "audio" || capability == "speaker" || capability == "tts" {
			hasAudio = true
			break
		}
	}

	return Candidate{
		DeviceID:     device.ID,
		Name:         device.Name,
		Capabilities: device.Capabilities,
		Components:   names,
		HasDisplay:   hasDisplay,
		HasAudio:     hasAudio,
		Score:        ScoreDeviceForCapabilities(device, desired),
	}
}
