package domain

// BaselineProfile is the rolling historical profile of one series.
// Corresponds to baseline_profiles table in PostgreSQL.
type BaselineProfile struct {
	Strike              float64
	OptionType          OptionType
	LookbackDays        int
	MeanPressureRatio   float64
	StddevPressureRatio float64 // sample standard deviation
	MeanVolume          float64 // mean bid+ask volume per window
	StddevVolume        float64
	MeanTradeCount      float64
	SampleCount         int     // windows present in the lookback
	ExpectedWindows     int     // windows expected for the lookback
	DataQuality         float64 // SampleCount / ExpectedWindows, capped at 1
	BuiltAt             int64   // Unix nanoseconds
}

// Key returns the aggregation series of the profile.
func (p *BaselineProfile) Key() SeriesKey {
	return SeriesKey{Strike: p.Strike, OptionType: p.OptionType}
}
