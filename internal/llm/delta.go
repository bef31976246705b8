package llm

// DeltaKind identifies what a streaming fragment carries.
type DeltaKind string

const (
	DeltaText        DeltaKind = "text"
	DeltaToolRequest DeltaKind = "tool_request"
	DeltaMetadata    DeltaKind = "metadata"
	DeltaEnd         DeltaKind = "end"
)

// ToolDelta is a fragment of a tool request. Fragments of one call share an
// ID or, when the provider omits it on continuation chunks, an Index.
type ToolDelta struct {
	Index     int    `json:"index"`
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Done      bool   `json:"done,omitempty"`
}

// Delta is one incremental fragment of an assistant turn.
// On DeltaEnd the finalized Turn is attached once assembled.
type Delta struct {
	Kind DeltaKind  `json:"kind"`
	Text string     `json:"text,omitempty"`
	Tool *ToolDelta `json:"tool,omitempty"`
	Meta *Metadata  `json:"metadata,omitempty"`
	Turn *Turn      `json:"turn,omitempty"`
}

func TextDelta(s string) Delta { return Delta{Kind: DeltaText, Text: s} }

func ToolRequestDelta(td ToolDelta) Delta { return Delta{Kind: DeltaToolRequest, Tool: &td} }

func MetadataDelta(m Metadata) Delta { return Delta{Kind: DeltaMetadata, Meta: &m} }

// EndDelta marks the end of a response. meta may be nil.
func EndDelta(meta *Metadata) Delta { return Delta{Kind: DeltaEnd, Meta: meta} }
