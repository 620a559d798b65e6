package protocol

// ControlMessage is the only text message a client may send before it is authenticated.
type ControlMessage struct {
	Token string `json:"token"`
}

type Pose struct {
	YawDeg   float64 `json:"yawDeg"`
	PitchDeg float64 `json:"pitchDeg"`
	RollDeg  float64 `json:"rollDeg"`
}

type Eye struct {
	LeftOpen  float64 `json:"leftOpen"`
	RightOpen float64 `json:"rightOpen"`
}

type Mouth struct {
	Open  float64 `json:"open"`
	Smile float64 `json:"smile"`
}

type Brow struct {
	LeftUp  float64 `json:"leftUp"`
	RightUp float64 `json:"rightUp"`
}

type Debug struct {
	ServerFPS float64 `json:"serverFps"`
	LatencyMs int64   `json:"latencyMs"`
}

// TrackingResult is the result payload the inference backend emits for one frame.
// The relay passes it through unmodified; the type exists for clients and tests.
type TrackingResult struct {
	TS      int64  `json:"ts"`
	Present bool   `json:"present"`
	Pose    Pose   `json:"pose"`
	Eye     Eye    `json:"eye"`
	Mouth   Mouth  `json:"mouth"`
	Brow    Brow   `json:"brow"`
	Debug   Debug  `json:"debug"`
	Error   string `json:"error,omitempty"`
}

// EmptyResult is the neutral face: eyes open, everything else at rest.
func EmptyResult(ts int64, present bool) TrackingResult {
	return TrackingResult{
		TS:      ts,
		Present: present,
		Eye:     Eye{LeftOpen: 1.0, RightOpen: 1.0},
	}
}

// SessionResponse is returned by the session issue endpoint.
type SessionResponse struct {
	Token string `json:"token"`
}

// UploadResponse is returned after a successful archive ingestion.
type UploadResponse struct {
	ModelPath string   `json:"modelPath"`
	ModelList []string `json:"modelList"`
}

// ManifestResponse is what the render side reads to locate a project's model.
type ManifestResponse struct {
	ModelURL  string   `json:"modelUrl"`
	ModelList []string `json:"modelList"`
	UpdatedAt string   `json:"updatedAt"`
}

// ErrorResponse is the JSON body of every 4xx/5xx API response.
type ErrorResponse struct {
	Error   string   `json:"error"`
	Kind    string   `json:"kind,omitempty"`
	Details []string `json:"details,omitempty"`
}
