package bulb

// HSV is a bulb colour: hue 0-360, saturation and value 0-100.
type HSV struct {
	Hue        int `json:"hue"`
	Saturation int `json:"saturation"`
	Value      int `json:"value"`
}

// State is a read-only snapshot of a fixture. Brightness and Color are nil
// when the device does not report them.
type State struct {
	Powered    bool `json:"powered"`
	Brightness *int `json:"brightness,omitempty"`
	Color      *HSV `json:"color,omitempty"`
}

// SysInfo is the subset of the get_sysinfo reply the recorder uses.
type SysInfo struct {
	Alias      string      `json:"alias"`
	Model      string      `json:"model"`
	DeviceID   string      `json:"deviceId"`
	MicType    string      `json:"mic_type"`
	Type       string      `json:"type"`
	IsColor    int         `json:"is_color"`
	IsDimmable int         `json:"is_dimmable"`
	RelayState *int        `json:"relay_state"`
	LightState *lightState `json:"light_state"`
	ErrCode    int         `json:"err_code"`
}

type lightState struct {
	OnOff      int         `json:"on_off"`
	Hue        *int        `json:"hue"`
	Saturation *int        `json:"saturation"`
	Brightness *int        `json:"brightness"`
	ColorTemp  *int        `json:"color_temp"`
	DftOnState *lightState `json:"dft_on_state"`
	ErrCode    int         `json:"err_code"`
}

func (s SysInfo) Color() bool    { return s.IsColor == 1 }
func (s SysInfo) Dimmable() bool { return s.IsDimmable == 1 }

// State derives the fixture snapshot. A powered-off bulb reports its
// colour under dft_on_state.
func (s SysInfo) State() State {
	if s.LightState == nil {
		return State{Powered: s.RelayState != nil && *s.RelayState == 1}
	}

	st := State{Powered: s.LightState.OnOff == 1}
	src := s.LightState
	if !st.Powered && src.DftOnState != nil {
		src = src.DftOnState
	}
	st.Brightness = src.Brightness
	if s.Color() && src.Hue != nil && src.Saturation != nil {
		value := 100
		if src.Brightness != nil {
			value = *src.Brightness
		}
		st.Color = &HSV{Hue: *src.Hue, Saturation: *src.Saturation, Value: value}
	}
	return st
}
