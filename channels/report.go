package channels

// Report is one channel's telemetry line, serialised as a single JSON
// object both for `report` queries and for streaming mode.
type Report struct {
	Channel     int     `json:"channel"`
	Time        int64   `json:"time"`
	Adc         float64 `json:"adc"`
	Sens        float64 `json:"sens"`
	Temperature float64 `json:"temperature"`
	PidEngaged  bool    `json:"pid_engaged"`
	ISet        float64 `json:"i_set"`
	Vref        float64 `json:"vref"`
	DacValue    float64 `json:"dac_value"`
	DacFeedback float64 `json:"dac_feedback"`
	ITec        float64 `json:"i_tec"`
	TecI        float64 `json:"tec_i"`
	TecUMeas    float64 `json:"tec_u_meas"`
	PidOutput   float64 `json:"pid_output"`
	Error       string  `json:"error,omitempty"`
}

// Report assembles the telemetry view of one channel.
func (cs *Channels) Report(channel int) Report {
	ch := cs.Ch[channel]
	r := Report{
		Channel:     channel,
		PidEngaged:  ch.Mode == Closed,
		Vref:        float64(ch.Output.VRef),
		DacValue:    float64(ch.Output.DacVoltage()),
		DacFeedback: float64(ch.DacFeedback),
		ITec:        float64(ch.ITec),
		TecI:        float64(ch.Output.CurrentFromITec(ch.ITec)),
		TecUMeas:    float64(ch.TecU),
		ISet:        float64(ch.EffectiveI),
		Temperature: float64(ch.Temperature),
	}
	if s := ch.LastSample; s != nil {
		r.Time = s.Time
		r.Adc = float64(s.Voltage)
		r.Sens = float64(s.Resistance)
	}
	if out, ok := ch.PID.LastOutput(); ok {
		r.PidOutput = out
	}
	switch {
	case ch.Drift:
		r.Error = "DacDrift"
	case ch.LastError != "":
		r.Error = ch.LastError
	}
	return r
}
