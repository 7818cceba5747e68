package emulator

import (
	"gopkg.in/yaml.v3"

	"kairos/internal/messages"
)

// ConfParams is the configuration document accepted by the configure
// command. Values persist until scrap; they are validated again at start and
// the interval again at resume.
type ConfParams struct {
	MinReadoutWindowTicks uint64   `yaml:"min_readout_window_ticks" json:"min_readout_window_ticks"`
	MaxReadoutWindowTicks uint64   `yaml:"max_readout_window_ticks" json:"max_readout_window_ticks"`
	TriggerWindowOffset   uint64   `yaml:"trigger_window_offset" json:"trigger_window_offset"`
	MinLinksInRequest     int      `yaml:"min_links_in_request" json:"min_links_in_request"`
	MaxLinksInRequest     int      `yaml:"max_links_in_request" json:"max_links_in_request"`
	TriggerIntervalTicks  uint64   `yaml:"trigger_interval_ticks" json:"trigger_interval_ticks"`
	TriggerOffset         uint64   `yaml:"trigger_offset" json:"trigger_offset"`
	TriggerDelayTicks     uint64   `yaml:"trigger_delay_ticks" json:"trigger_delay_ticks"`
	ClockFrequencyHz      uint64   `yaml:"clock_frequency_hz" json:"clock_frequency_hz"`
	RepeatTriggerCount    int      `yaml:"repeat_trigger_count" json:"repeat_trigger_count"`
	StopBurstCount        int      `yaml:"stop_burst_count" json:"stop_burst_count"`
	InitialTokenCount     int      `yaml:"initial_token_count" json:"initial_token_count"`
	Links                 []uint32 `yaml:"links" json:"links"`
}

// DefaultConfParams mirrors the knob values used in standalone test setups:
// a 50 MHz clock and one trigger per second, each reading out a random
// subset of one to ten of the ten links.
func DefaultConfParams() ConfParams {
	return ConfParams{
		MinReadoutWindowTicks: 3200,
		MaxReadoutWindowTicks: 320000,
		TriggerWindowOffset:   1600,
		MinLinksInRequest:     1,
		MaxLinksInRequest:     10,
		TriggerIntervalTicks:  50_000_000,
		ClockFrequencyHz:      50_000_000,
		RepeatTriggerCount:    1,
		InitialTokenCount:     10,
		Links:                 []uint32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9},
	}
}

// Validate checks the range constraints that would otherwise surface as
// nonsense decisions mid-run.
func (p *ConfParams) Validate() error {
	if p.ClockFrequencyHz == 0 {
		return invalidConfigurationf("clock_frequency_hz must be positive")
	}
	if p.MinReadoutWindowTicks > p.MaxReadoutWindowTicks {
		return invalidConfigurationf("min_readout_window_ticks %d exceeds max_readout_window_ticks %d",
			p.MinReadoutWindowTicks, p.MaxReadoutWindowTicks)
	}
	if p.MinLinksInRequest < 0 || p.MaxLinksInRequest < 0 {
		return invalidConfigurationf("link counts must be non-negative")
	}
	if p.MinLinksInRequest > p.MaxLinksInRequest {
		return invalidConfigurationf("min_links_in_request %d exceeds max_links_in_request %d",
			p.MinLinksInRequest, p.MaxLinksInRequest)
	}
	if p.RepeatTriggerCount < 0 || p.StopBurstCount < 0 || p.InitialTokenCount < 0 {
		return invalidConfigurationf("counts must be non-negative")
	}
	return nil
}

// GeoIDs expands the configured integer link ids into component identifiers.
func (p *ConfParams) GeoIDs() []messages.GeoID {
	out := make([]messages.GeoID, len(p.Links))
	for i, l := range p.Links {
		out[i] = messages.GeoID{Element: l}
	}
	return out
}

// StartParams accompanies the start command.
type StartParams struct {
	Run                  uint64 `yaml:"run" json:"run"`
	TriggerIntervalTicks uint64 `yaml:"trigger_interval_ticks" json:"trigger_interval_ticks"`
}

func (p *StartParams) Validate() error {
	if p.TriggerIntervalTicks == 0 {
		return invalidTriggerIntervalf(p.TriggerIntervalTicks)
	}
	return nil
}

// ResumeParams accompanies the resume command and may change the trigger
// cadence for the remainder of the run.
type ResumeParams struct {
	TriggerIntervalTicks uint64 `yaml:"trigger_interval_ticks" json:"trigger_interval_ticks"`
}

func (p *ResumeParams) Validate() error {
	if p.TriggerIntervalTicks == 0 {
		return invalidTriggerIntervalf(p.TriggerIntervalTicks)
	}
	return nil
}

// ParseConfParams decodes an opaque configuration document. Defaults apply
// for absent keys.
func ParseConfParams(doc []byte) (ConfParams, error) {
	p := DefaultConfParams()
	if err := yaml.Unmarshal(doc, &p); err != nil {
		return ConfParams{}, invalidConfigurationf("parse: %v", err)
	}
	return p, nil
}
