// Package tour plans guided tours and parses spoken tour-control
// commands. Neither returns errors: malformed configuration or input
// falls back to the defaults below.
package tour

import (
	"math"
	"slices"
	"sort"
	"strings"

	"github.com/nugget/docent/internal/config"
)

// Duration bounds, in seconds.
const (
	MinDurationS = 15
	MaxDurationS = 600

	// minStopS is the even-split floor per stop.
	minStopS = 15
)

// Speech-rate bounds used to size narration per stop.
const (
	DefaultCharsPerSecond = 4.5
	minCharsPerSecond     = 2.5
	maxCharsPerSecond     = 8.0
	minTargetChars        = 20
)

// Plan provenance tags.
const (
	SourceRoutes  = "routes"
	SourceLegacy  = "tour.stops"
	SourceDefault = "default"
)

// Built-in fallbacks when nothing is configured.
var (
	DefaultZone     = "默认路线"
	DefaultProfiles = []string{"大众", "专业", "儿童"}
	DefaultStops    = []string{"公司介绍", "骨科产品", "泌尿产品", "研发中心", "生产车间", "荣誉展厅"}
)

// Meta lists the selectable zones and profiles.
type Meta struct {
	Zones          []string `json:"zones"`
	Profiles       []string `json:"profiles"`
	DefaultZone    string   `json:"default_zone"`
	DefaultProfile string   `json:"default_profile"`
}

// Plan is an ordered stop list with parallel per-stop budgets.
type Plan struct {
	Zone            string   `json:"zone"`
	Profile         string   `json:"profile"`
	DurationS       int      `json:"duration_s"`
	Stops           []string `json:"stops"`
	StopDurationsS  []int    `json:"stop_durations_s"`
	StopTargetChars []int    `json:"stop_target_chars"`
	Source          string   `json:"source"`
	// DurationSource names where StopDurationsS came from: zone,
	// global, names or even.
	DurationSource string `json:"duration_source"`
}

// Planner computes plans from configuration. It is immutable and safe
// for concurrent use.
type Planner struct {
	cfg         config.TourPlannerConfig
	legacyStops []string
}

// NewPlanner builds a Planner from the tour_planner section and the
// legacy tour.stops list.
func NewPlanner(tp config.TourPlannerConfig, legacy config.TourConfig) *Planner {
	return &Planner{cfg: tp, legacyStops: cleanList(legacy.Stops)}
}

// FromConfig is NewPlanner over a full Config. A nil Config yields the
// built-in defaults.
func FromConfig(cfg *config.Config) *Planner {
	if cfg == nil {
		return &Planner{}
	}
	return NewPlanner(cfg.TourPlanner, cfg.Tour)
}

// Meta resolves zones and profiles. Zones default to the configured
// route names when not listed. A declared default that is absent or not
// among the entries is replaced by the first entry.
func (p *Planner) Meta() Meta {
	zones := cleanList(p.cfg.Zones)
	if len(zones) == 0 {
		for name, stops := range p.cfg.Routes {
			if name = strings.TrimSpace(name); name != "" && len(cleanList(stops)) > 0 {
				zones = append(zones, name)
			}
		}
		sort.Strings(zones)
	}
	if len(zones) == 0 {
		zones = []string{DefaultZone}
	}

	profiles := cleanList(p.cfg.Profiles)
	if len(profiles) == 0 {
		profiles = slices.Clone(DefaultProfiles)
	}

	return Meta{
		Zones:          zones,
		Profiles:       profiles,
		DefaultZone:    pickDefault(p.cfg.DefaultZone, zones),
		DefaultProfile: pickDefault(p.cfg.DefaultProfile, profiles),
	}
}

// MakePlan builds the plan for zone, profile and a requested duration
// in seconds. Unknown zones or profiles fall back to the defaults.
// Explicitly configured per-stop durations are used as given and are
// not rescaled to durationS.
func (p *Planner) MakePlan(zone, profile string, durationS int) Plan {
	durationS = min(max(durationS, MinDurationS), MaxDurationS)

	meta := p.Meta()
	zone = strings.TrimSpace(zone)
	if !slices.Contains(meta.Zones, zone) {
		zone = meta.DefaultZone
	}
	profile = strings.TrimSpace(profile)
	if !slices.Contains(meta.Profiles, profile) {
		profile = meta.DefaultProfile
	}

	stops, source := p.resolveStops(zone)
	if p.cfg.TrimByDuration {
		stops = trimStops(stops, durationS)
	}

	durations, durSource := p.resolveDurations(zone, stops, durationS)
	cps := p.charsPerSecond()
	targets := make([]int, len(durations))
	for i, d := range durations {
		targets[i] = max(int(math.Round(float64(d)*cps)), minTargetChars)
	}

	return Plan{
		Zone:            zone,
		Profile:         profile,
		DurationS:       durationS,
		Stops:           stops,
		StopDurationsS:  durations,
		StopTargetChars: targets,
		Source:          source,
		DurationSource:  durSource,
	}
}

func (p *Planner) resolveStops(zone string) ([]string, string) {
	if stops := cleanList(p.cfg.Routes[zone]); len(stops) > 0 {
		return stops, SourceRoutes
	}
	if len(p.legacyStops) > 0 {
		return slices.Clone(p.legacyStops), SourceLegacy
	}
	return slices.Clone(DefaultStops), SourceDefault
}

// trimStops keeps 2 stops for tours up to 35 s, 4 up to 90 s, else all.
func trimStops(stops []string, durationS int) []string {
	keep := len(stops)
	switch {
	case durationS <= 35:
		keep = min(keep, 2)
	case durationS <= 90:
		keep = min(keep, 4)
	}
	return stops[:keep]
}

// resolveDurations takes explicit per-stop seconds from the first
// source that has any: the zone list, the global list, then the
// name map. Stops left without a value share the remaining time evenly.
func (p *Planner) resolveDurations(zone string, stops []string, total int) ([]int, string) {
	explicit := make([]float64, len(stops))
	source := "even"

	sd := p.cfg.StopDurationsS
	switch {
	case fillFromList(explicit, sd.ByZone[zone]):
		source = "zone"
	case fillFromList(explicit, sd.Global):
		source = "global"
	case fillFromNames(explicit, stops, sd.ByName):
		source = "names"
	}

	out := make([]int, len(stops))
	used, unset := 0, 0
	for i, v := range explicit {
		if v > 0 {
			out[i] = max(int(math.Round(v)), 1)
			used += out[i]
		} else {
			unset++
		}
	}
	if unset == 0 {
		return out, source
	}

	share := evenSplit(max(total-used, 0), unset)
	k := 0
	for i := range out {
		if out[i] == 0 {
			out[i] = share[k]
			k++
		}
	}
	return out, source
}

func fillFromList(dst, src []float64) bool {
	found := false
	for i := range dst {
		if i < len(src) && src[i] > 0 {
			dst[i] = src[i]
			found = true
		}
	}
	return found
}

func fillFromNames(dst []float64, stops []string, byName map[string]float64) bool {
	found := false
	for i, name := range stops {
		if v := byName[name]; v > 0 {
			dst[i] = v
			found = true
		}
	}
	return found
}

// evenSplit divides total over n parts of at least minStopS seconds.
// When the floor does not bind, the parts sum to total exactly.
func evenSplit(total, n int) []int {
	out := make([]int, n)
	if n == 0 {
		return out
	}
	base := total / n
	if base < minStopS {
		for i := range out {
			out[i] = minStopS
		}
		return out
	}
	rem := total - base*n
	for i := range out {
		out[i] = base
		if i < rem {
			out[i]++
		}
	}
	return out
}

func (p *Planner) charsPerSecond() float64 {
	cps := p.cfg.CharsPerSecond
	if cps <= 0 || math.IsNaN(cps) {
		return DefaultCharsPerSecond
	}
	return min(max(cps, minCharsPerSecond), maxCharsPerSecond)
}

func pickDefault(declared string, entries []string) string {
	declared = strings.TrimSpace(declared)
	if slices.Contains(entries, declared) {
		return declared
	}
	return entries[0]
}

// cleanList trims entries and drops blanks and duplicates.
func cleanList(in []string) []string {
	var out []string
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s != "" && !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}
