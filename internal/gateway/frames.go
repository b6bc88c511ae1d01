package gateway

// clientFrame is the envelope for every client→server frame (spec §4.2
// "Frame format (client→server)"). Only the fields relevant to Type are
// populated.
type clientFrame struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

const (
	clientFrameMessage = "message"
	clientFrameCancel  = "cancel"
	clientFramePing    = "ping"
)

// serverFrame is the envelope for every server→client frame (spec §4.2
// "Frame format (server→client)").
type serverFrame struct {
	Type string `json:"type"`

	// token
	Delta string `json:"delta,omitempty"`

	// reference
	SourceKind     string  `json:"sourceKind,omitempty"`
	ChapterIndex   int     `json:"chapterIndex,omitempty"`
	Page           int     `json:"page,omitempty"`
	ParagraphIndex int     `json:"paragraphIndex,omitempty"`
	MemoryKey      string  `json:"memoryKey,omitempty"`
	Excerpt        string  `json:"excerpt,omitempty"`
	Similarity     float64 `json:"similarity,omitempty"`

	// typing
	On *bool `json:"on,omitempty"`

	// done
	MessageID string     `json:"messageId,omitempty"`
	Usage     *usageJSON `json:"usage,omitempty"`

	// error
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`
}

type usageJSON struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

const (
	serverFrameToken     = "token"
	serverFrameReference = "reference"
	serverFrameTyping    = "typing"
	serverFrameDone      = "done"
	serverFrameError     = "error"
	serverFramePong      = "pong"
)

func boolPtr(b bool) *bool { return &b }
