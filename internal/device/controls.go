package device

// ControlID はコントロールの識別子
type ControlID string

// 値の型はコメントの通り
const (
	ExposureTime        ControlID = "ExposureTime"        // int64 (us)
	AnalogueGain        ControlID = "AnalogueGain"        // float64
	ExposureValue       ControlID = "ExposureValue"       // float64
	Brightness          ControlID = "Brightness"          // float64
	Contrast            ControlID = "Contrast"            // float64
	Saturation          ControlID = "Saturation"          // float64
	Sharpness           ControlID = "Sharpness"           // float64
	FrameDurationLimits ControlID = "FrameDurationLimits" // [2]int64 (us)
	FrameDuration       ControlID = "FrameDuration"       // int64 (us), メタデータ
	NoiseReductionMode  ControlID = "NoiseReductionMode"  // NoiseReduction
	SensorTimestamp     ControlID = "SensorTimestamp"     // int64 (ns), メタデータ
	ColourGains         ControlID = "ColourGains"         // [2]float64
	DigitalGain         ControlID = "DigitalGain"         // float64, メタデータ
)

// NoiseReduction はノイズリダクションのモード
type NoiseReduction int

const (
	NoiseReductionOff NoiseReduction = iota
	NoiseReductionFast
	NoiseReductionHighQuality
	NoiseReductionMinimal
)

// ControlList はコントロール値の集合
// リクエストへの設定値とデバイスから返るメタデータの両方に使う
type ControlList map[ControlID]any

// Set は値を設定する
func (l ControlList) Set(id ControlID, value any) {
	l[id] = value
}

// Get は値を取得する
func (l ControlList) Get(id ControlID) (any, bool) {
	v, ok := l[id]
	return v, ok
}

// Contains は値が設定済みかどうかを返す
func (l ControlList) Contains(id ControlID) bool {
	_, ok := l[id]
	return ok
}

// Merge は other の値のうち未設定のものだけを追加する
func (l ControlList) Merge(other ControlList) {
	for id, v := range other {
		if _, ok := l[id]; !ok {
			l[id] = v
		}
	}
}

// Clone はコピーを返す
func (l ControlList) Clone() ControlList {
	out := make(ControlList, len(l))
	for id, v := range l {
		out[id] = v
	}
	return out
}

// Int64 は int64 として値を取得する
func (l ControlList) Int64(id ControlID) (int64, bool) {
	switch v := l[id].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}

// Float64 は float64 として値を取得する
func (l ControlList) Float64(id ControlID) (float64, bool) {
	switch v := l[id].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}
