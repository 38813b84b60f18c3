package tour

import (
	"slices"
	"testing"

	"github.com/nugget/docent/internal/config"
)

func mustParse(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("config.Parse: %v", err)
	}
	return cfg
}

func sum(xs []int) int {
	total := 0
	for _, x := range xs {
		total += x
	}
	return total
}

func TestMeta_Defaults(t *testing.T) {
	m := FromConfig(nil).Meta()
	if !slices.Equal(m.Zones, []string{DefaultZone}) || m.DefaultZone != DefaultZone {
		t.Errorf("zones = %v, default %q", m.Zones, m.DefaultZone)
	}
	if !slices.Equal(m.Profiles, DefaultProfiles) || m.DefaultProfile != "大众" {
		t.Errorf("profiles = %v, default %q", m.Profiles, m.DefaultProfile)
	}
}

func TestMeta_InvalidDefaultFallsBackToFirst(t *testing.T) {
	cfg := mustParse(t, `
tour_planner:
  zones: [展厅A, 展厅B]
  profiles: [专业, 儿童]
  default_zone: 不存在
`)
	m := FromConfig(cfg).Meta()
	if m.DefaultZone != "展厅A" {
		t.Errorf("DefaultZone = %q, want 展厅A", m.DefaultZone)
	}
	if m.DefaultProfile != "专业" {
		t.Errorf("DefaultProfile = %q, want 专业", m.DefaultProfile)
	}
}

func TestMeta_ZonesFromRoutes(t *testing.T) {
	cfg := mustParse(t, `
tour_planner:
  routes:
    B线: [x]
    A线: [y]
    空线: []
`)
	m := FromConfig(cfg).Meta()
	if !slices.Equal(m.Zones, []string{"A线", "B线"}) {
		t.Errorf("zones = %v", m.Zones)
	}
}

func TestMakePlan_ConfiguredDurations(t *testing.T) {
	cfg := mustParse(t, `
tour:
  stops: [公司介绍, 骨科产品, 泌尿产品, 研发中心, 生产车间, 荣誉展厅]
tour_planner:
  stop_durations_s: [200, 200, 200, 200, 200, 200]
`)
	plan := FromConfig(cfg).MakePlan("默认路线", "大众", 1200)

	if len(plan.Stops) != 6 {
		t.Fatalf("stops = %v", plan.Stops)
	}
	if got := sum(plan.StopDurationsS); got < 1200-len(plan.Stops) {
		t.Errorf("sum(durations) = %d, want ≈1200", got)
	}
	if plan.DurationS != MaxDurationS {
		t.Errorf("DurationS = %d, want clamp to %d", plan.DurationS, MaxDurationS)
	}
	if plan.Source != SourceLegacy || plan.DurationSource != "global" {
		t.Errorf("source = %q / %q", plan.Source, plan.DurationSource)
	}
	if plan.StopTargetChars[0] != 900 {
		t.Errorf("target chars = %d, want 900", plan.StopTargetChars[0])
	}
}

func TestMakePlan_EvenSplit(t *testing.T) {
	tests := []struct {
		name     string
		duration int
		wantSum  int
		wantMin  int
	}{
		{name: "exact", duration: 600, wantSum: 600, wantMin: 100},
		{name: "remainder spread", duration: 301, wantSum: 301, wantMin: 50},
		{name: "floor binds", duration: 15, wantSum: 6 * minStopS, wantMin: minStopS},
		{name: "clamped low", duration: 1, wantSum: 6 * minStopS, wantMin: minStopS},
	}
	p := FromConfig(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := p.MakePlan("", "", tt.duration)
			if plan.Source != SourceDefault || plan.DurationSource != "even" {
				t.Fatalf("source = %q / %q", plan.Source, plan.DurationSource)
			}
			if got := sum(plan.StopDurationsS); got != tt.wantSum {
				t.Errorf("sum = %d, want %d", got, tt.wantSum)
			}
			if got := slices.Min(plan.StopDurationsS); got < tt.wantMin {
				t.Errorf("min = %d, want >= %d", got, tt.wantMin)
			}
			if got := slices.Min(plan.StopTargetChars); got < minTargetChars {
				t.Errorf("target chars below floor: %d", got)
			}
		})
	}
}

func TestMakePlan_StopPrecedence(t *testing.T) {
	cfg := mustParse(t, `
tour:
  stops: [旧一, 旧二]
tour_planner:
  zones: [展厅A, 展厅B]
  routes:
    展厅A: [A1, A2, A3]
`)
	p := FromConfig(cfg)

	a := p.MakePlan("展厅A", "", 120)
	if !slices.Equal(a.Stops, []string{"A1", "A2", "A3"}) || a.Source != SourceRoutes {
		t.Errorf("zone A = %v (%s)", a.Stops, a.Source)
	}
	b := p.MakePlan("展厅B", "", 120)
	if !slices.Equal(b.Stops, []string{"旧一", "旧二"}) || b.Source != SourceLegacy {
		t.Errorf("zone B = %v (%s)", b.Stops, b.Source)
	}
	unknown := p.MakePlan("火星", "外星人", 120)
	if unknown.Zone != "展厅A" || unknown.Profile != "大众" {
		t.Errorf("fallback zone/profile = %q/%q", unknown.Zone, unknown.Profile)
	}
}

func TestMakePlan_DurationPrecedence(t *testing.T) {
	cfg := mustParse(t, `
tour_planner:
  routes:
    展厅A: [A1, A2, A3]
  stop_durations_s:
    展厅A: [40, x]
    A3: 99
`)
	p := FromConfig(cfg)
	plan := p.MakePlan("展厅A", "", 100)

	// Zone list wins over the name map; unset stops split the rest.
	want := []int{40, 30, 30}
	if !slices.Equal(plan.StopDurationsS, want) || plan.DurationSource != "zone" {
		t.Errorf("durations = %v (%s), want %v", plan.StopDurationsS, plan.DurationSource, want)
	}

	byName := mustParse(t, `
tour_planner:
  stop_durations_s: {公司介绍: 90}
`)
	plan = FromConfig(byName).MakePlan("", "", 600)
	if plan.StopDurationsS[0] != 90 || plan.DurationSource != "names" {
		t.Errorf("durations = %v (%s)", plan.StopDurationsS, plan.DurationSource)
	}
	if got := sum(plan.StopDurationsS); got != 600 {
		t.Errorf("sum = %d, want 600", got)
	}
}

func TestMakePlan_TrimByDuration(t *testing.T) {
	cfg := mustParse(t, "tour_planner:\n  trim_by_duration: true\n")
	p := FromConfig(cfg)
	tests := []struct {
		duration int
		want     int
	}{
		{30, 2},
		{35, 2},
		{60, 4},
		{90, 4},
		{91, 6},
	}
	for _, tt := range tests {
		if got := len(p.MakePlan("", "", tt.duration).Stops); got != tt.want {
			t.Errorf("duration %d: %d stops, want %d", tt.duration, got, tt.want)
		}
	}
}

func TestCharsPerSecondClamp(t *testing.T) {
	tests := []struct {
		cps  float64
		want float64
	}{
		{0, DefaultCharsPerSecond},
		{-3, DefaultCharsPerSecond},
		{1, minCharsPerSecond},
		{6, 6},
		{20, maxCharsPerSecond},
	}
	for _, tt := range tests {
		p := NewPlanner(config.TourPlannerConfig{CharsPerSecond: tt.cps}, config.TourConfig{})
		if got := p.charsPerSecond(); got != tt.want {
			t.Errorf("cps %v → %v, want %v", tt.cps, got, tt.want)
		}
	}
}
