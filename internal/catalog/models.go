package catalog

func floatPtr(f float64) *float64 { return &f }

// videoParams is the parameter set shared by the motion models. Each model
// embeds its own copy so specs can diverge per model without special cases.
func videoParams() []ParamSpec {
	return []ParamSpec{
		{Name: "prompt", Type: ParamString, Required: true, MaxLen: 2000},
		{Name: "negative_prompt", Type: ParamString, MaxLen: 1000},
		{Name: "duration_seconds", Type: ParamNumber, Default: float64(5), Min: floatPtr(2), Max: floatPtr(10)},
		{Name: "resolution", Type: ParamEnum, Default: "720p", Options: []string{"480p", "720p", "1080p"}},
		{Name: "motion_strength", Type: ParamNumber, Default: float64(0.5), Min: floatPtr(0), Max: floatPtr(1)},
		{Name: "seed", Type: ParamNumber, Min: floatPtr(0), Max: floatPtr(4294967295)},
		{Name: "loop", Type: ParamBoolean, Default: false},
		{Name: "style_tags", Type: ParamStringArray, MaxItems: 5},
		{Name: "callback_token", Type: ParamString, Hidden: true},
	}
}

// Default returns the built-in generation catalog.
func Default() *Catalog {
	return New(
		&Model{
			ID:            "motion-1",
			Name:          "Motion 1",
			CostPerSecond: 4,
			ResolutionPct: map[string]int64{"480p": 75, "720p": 100, "1080p": 150},
			Params:        videoParams(),
		},
		&Model{
			ID:            "motion-1-pro",
			Name:          "Motion 1 Pro",
			CostPerSecond: 8,
			ResolutionPct: map[string]int64{"480p": 75, "720p": 100, "1080p": 150},
			Params:        videoParams(),
		},
	)
}
