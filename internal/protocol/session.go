package protocol

// SessionUpdateFrame configures the upstream realtime session
type SessionUpdateFrame struct {
	Type    string        `json:"type"`
	Session SessionParams `json:"session"`
}

// SessionParams mirrors the upstream session object
type SessionParams struct {
	Modalities              []string            `json:"modalities"`
	Instructions            string              `json:"instructions,omitempty"`
	Voice                   string              `json:"voice"`
	InputAudioFormat        string              `json:"input_audio_format"`
	OutputAudioFormat       string              `json:"output_audio_format"`
	InputAudioTranscription *TranscriptionParam `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection      `json:"turn_detection,omitempty"`
	Temperature             float64             `json:"temperature"`
	MaxResponseOutputTokens int                 `json:"max_response_output_tokens"`
}

// TranscriptionParam selects the input transcription model
type TranscriptionParam struct {
	Model string `json:"model"`
}

// TurnDetection configures server-side voice activity detection
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
}

// DefaultInstructions is the assistant persona sent when none is configured
const DefaultInstructions = "You are a helpful voice assistant. Keep answers short and conversational, " +
	"and speak naturally as if talking to the user out loud."

// NewSessionUpdate builds the session.update frame the relay sends upstream
func NewSessionUpdate(voice, instructions string) SessionUpdateFrame {
	if voice == "" {
		voice = "alloy"
	}
	if instructions == "" {
		instructions = DefaultInstructions
	}
	return SessionUpdateFrame{
		Type: TypeSessionUpdate,
		Session: SessionParams{
			Modalities:              []string{"text", "audio"},
			Instructions:            instructions,
			Voice:                   voice,
			InputAudioFormat:        "pcm16",
			OutputAudioFormat:       "pcm16",
			InputAudioTranscription: &TranscriptionParam{Model: "whisper-1"},
			TurnDetection: &TurnDetection{
				Type:              "server_vad",
				Threshold:         0.6,
				PrefixPaddingMs:   500,
				SilenceDurationMs: 800,
			},
			Temperature:             0.7,
			MaxResponseOutputTokens: 4096,
		},
	}
}
