// Package protocol defines the JSON frames exchanged with the realtime voice
// backend and the relay's upstream session configuration.
package protocol

// Client → server frame types
const (
	TypeStart                  = "start"
	TypeInputAudioBufferAppend = "input_audio_buffer.append"
	TypeConversationItemCreate = "conversation.item.create"
	TypeResponseCreate         = "response.create"
	TypeResponseCancel         = "response.cancel"
	TypeSessionUpdate          = "session.update"
)

// Server → client frame types
const (
	TypeSessionCreated             = "session.created"
	TypeSessionUpdated             = "session.updated"
	TypeInputTranscriptionComplete = "conversation.item.input_audio_transcription.completed"
	TypeAudioTranscriptDelta       = "response.audio_transcript.delta"
	TypeAudioTranscriptDone        = "response.audio_transcript.done"
	TypeAudioDelta                 = "response.audio.delta"
	TypeResponseCreated            = "response.created"
	TypeResponseDone               = "response.done"
	TypeSpeechStarted              = "input_audio_buffer.speech_started"
	TypeSpeechStopped              = "input_audio_buffer.speech_stopped"
	TypeError                      = "error"
)

// StartFrame opens a session on the backend
type StartFrame struct {
	Type   string `json:"type"`
	Action string `json:"action,omitempty"`
}

// AppendAudioFrame carries one base64 PCM16 capture block
type AppendAudioFrame struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

// ConversationItemFrame injects a conversation item
type ConversationItemFrame struct {
	Type string           `json:"type"`
	Item ConversationItem `json:"item"`
}

// ConversationItem is a single message in the conversation
type ConversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role,omitempty"`
	Content []ContentPart `json:"content,omitempty"`
}

// ContentPart is one piece of item content
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// TypedFrame is a frame with no payload besides its type
type TypedFrame struct {
	Type string `json:"type"`
}

// NewStart builds the session start frame
func NewStart() StartFrame {
	return StartFrame{Type: TypeStart, Action: TypeStart}
}

// NewAppendAudio builds an input_audio_buffer.append frame
func NewAppendAudio(b64 string) AppendAudioFrame {
	return AppendAudioFrame{Type: TypeInputAudioBufferAppend, Audio: b64}
}

// NewUserText builds a user text message item
func NewUserText(text string) ConversationItemFrame {
	return ConversationItemFrame{
		Type: TypeConversationItemCreate,
		Item: ConversationItem{
			Type:    "message",
			Role:    "user",
			Content: []ContentPart{{Type: "input_text", Text: text}},
		},
	}
}

// NewResponseCreate asks the backend to generate a response
func NewResponseCreate() TypedFrame {
	return TypedFrame{Type: TypeResponseCreate}
}

// NewResponseCancel asks the backend to stop the in-flight response
func NewResponseCancel() TypedFrame {
	return TypedFrame{Type: TypeResponseCancel}
}
