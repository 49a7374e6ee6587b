package decision

import "testing"

func TestParamsValidate(t *testing.T) {
	if err := DefaultParams().Validate(); err != nil {
		t.Fatalf("默认参数应有效: %v", err)
	}

	mutations := []struct {
		name   string
		mutate func(*Params)
	}{
		{"look_ahead_zero", func(p *Params) { p.LookAheadHours = 0 }},
		{"look_ahead_over", func(p *Params) { p.LookAheadHours = 25 }},
		{"negative_decay", func(p *Params) { p.UrgencyDecay = -0.1 }},
		{"negative_base_urgency", func(p *Params) { p.BaseUrgency = -1 }},
		{"floor_above_cap", func(p *Params) { p.TargetFloorPct = 0.95 }},
		{"cap_above_one", func(p *Params) { p.TargetCapPct = 1.2 }},
		{"zero_p2p_discount", func(p *Params) { p.P2PDiscount = 0 }},
		{"zero_cheap_ratio", func(p *Params) { p.CheapRatio = 0 }},
		{"negative_cheap_fill", func(p *Params) { p.CheapFillKWh = -5 }},
		{"negative_proactive_base", func(p *Params) { p.ProactiveBaseKWh = -5 }},
	}
	for _, tc := range mutations {
		p := DefaultParams()
		tc.mutate(&p)
		if err := p.Validate(); err == nil {
			t.Fatalf("%s 应校验失败", tc.name)
		}
	}
}
