// Package broker is the runtime-side client of the secrets broker, a
// separate child process that holds every credential and private key. The
// runtime talks to it over stdio tool calls and never sees raw secrets;
// it receives completions, embeddings, signatures, and an address.
package broker

// Tool names exposed by the broker process.
const (
	ToolLLMComplete   = "llm_complete"
	ToolEmbed         = "embed"
	ToolSignMessage   = "sign_message"
	ToolSignTypedData = "sign_typed_data"
	ToolGetAddress    = "get_address"
	ToolHealth        = "health"
)

// Capability names reported by the broker's health tool.
type Capability string

const (
	CapabilityLLM   Capability = "llm"
	CapabilityEmbed Capability = "embed"
	CapabilitySign  Capability = "sign"
)

// Message is one turn of an LLM conversation.
type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// CompletionParams tune one LLM call.
type CompletionParams struct {
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"maxTokens"`
}

// CompletionRequest is the llm_complete tool payload.
type CompletionRequest struct {
	ProviderTag string           `json:"providerTag,omitempty"`
	Messages    []Message        `json:"messages"`
	Params      CompletionParams `json:"params"`
}

// Usage reports token accounting when the provider surfaces it.
type Usage struct {
	PromptTokens     int `json:"promptTokens,omitempty"`
	CompletionTokens int `json:"completionTokens,omitempty"`
}

// CompletionResult is the llm_complete tool response.
type CompletionResult struct {
	Content string `json:"content"`
	Usage   *Usage `json:"usage,omitempty"`
}

// EmbedRequest is the embed tool payload.
type EmbedRequest struct {
	Text string `json:"text"`
}

// EmbedResult is the embed tool response.
type EmbedResult struct {
	Vector []float32 `json:"vector"`
}

// SignMessageRequest is the sign_message tool payload. Message is the raw
// bytes to sign, hex-encoded with 0x prefix.
type SignMessageRequest struct {
	Message string `json:"message"`
}

// SignTypedDataRequest is the sign_typed_data tool payload. The fields carry
// the EIP-712 domain, type definitions, and message as raw JSON documents.
type SignTypedDataRequest struct {
	Domain      map[string]any              `json:"domain"`
	Types       map[string][]TypedDataField `json:"types"`
	PrimaryType string                      `json:"primaryType"`
	Message     map[string]any              `json:"message"`
}

// TypedDataField is one field of an EIP-712 type definition.
type TypedDataField struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// SignResult carries a hex-encoded signature.
type SignResult struct {
	Signature string `json:"signature"`
}

// AddressResult carries the broker key's 0x-prefixed address.
type AddressResult struct {
	Address string `json:"address"`
}

// HealthResult is the health tool response: the capability set and overall
// readiness.
type HealthResult struct {
	Capabilities []Capability `json:"capabilities"`
	Ready        bool         `json:"ready"`
}
