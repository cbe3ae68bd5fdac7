// Package catalog holds the process-embedded adapter declarations for every
// supported backend CLI. The catalog is immutable after startup.
package catalog

import "strings"

// FilesystemCapability is the filesystem access level a role may request.
type FilesystemCapability string

const (
	FilesystemReadOnly  FilesystemCapability = "read-only"
	FilesystemReadWrite FilesystemCapability = "read-write"
)

// Pick selects which stream resolution wins when several events match.
type Pick string

const (
	PickFirst Pick = "first"
	PickLast  Pick = "last"
)

// StreamFallback names a secondary extraction strategy for json_stream parsers.
type StreamFallback string

// FallbackCodex rescans the stream for codex agent-message events.
const FallbackCodex StreamFallback = "codex"

// PromptTransport is how the prompt reaches the child process.
type PromptTransport string

const (
	TransportArg   PromptTransport = "arg"
	TransportStdin PromptTransport = "stdin"
	TransportAuto  PromptTransport = "auto"
)

// ParserKind discriminates the output parser variants.
type ParserKind string

const (
	ParserJSONObject ParserKind = "json_object"
	ParserJSONStream ParserKind = "json_stream"
	ParserRegex      ParserKind = "regex"
	ParserText       ParserKind = "text"
)

// OutputParser is the closed tagged union of parser configurations.
type OutputParser struct {
	Kind ParserKind `json:"type"`

	// json_object / json_stream
	SessionIDPath string `json:"session_id_path,omitempty"`
	MessagePath   string `json:"message_path,omitempty"`

	// json_stream
	Pick     Pick           `json:"pick,omitempty"`
	Fallback StreamFallback `json:"fallback,omitempty"`

	// regex
	SessionIDPattern    string `json:"session_id_pattern,omitempty"`
	MessageCaptureGroup int    `json:"message_capture_group,omitempty"`
}

// SupportsSession reports whether the parser can recover a backend session id.
// Backends whose parser cannot are stateless: continuation is coarse, via a
// history flag instead of an id.
func (p OutputParser) SupportsSession() bool {
	switch p.Kind {
	case ParserJSONStream, ParserRegex:
		return true
	case ParserJSONObject:
		return strings.TrimSpace(p.SessionIDPath) != ""
	default:
		return false
	}
}

// Adapter declares how to call one backend CLI.
type Adapter struct {
	ArgsTemplate           []string               `json:"args_template"`
	OutputParser           OutputParser           `json:"output_parser"`
	FilesystemCapabilities []FilesystemCapability `json:"filesystem_capabilities,omitempty"`
	PromptTransport        PromptTransport        `json:"prompt_transport,omitempty"`
	PromptMaxChars         int                    `json:"prompt_max_chars,omitempty"`
}

// AllowsFilesystem reports whether the adapter accepts the capability.
// A nil list means no enforcement.
func (a Adapter) AllowsFilesystem(fs FilesystemCapability) bool {
	if a.FilesystemCapabilities == nil {
		return true
	}
	for _, c := range a.FilesystemCapabilities {
		if c == fs {
			return true
		}
	}
	return false
}

// EffectiveTransport returns the configured transport, defaulting to auto.
func (a Adapter) EffectiveTransport() PromptTransport {
	if a.PromptTransport == "" {
		return TransportAuto
	}
	return a.PromptTransport
}

// EffectiveMaxChars returns the auto-transport threshold.
func (a Adapter) EffectiveMaxChars() int {
	if a.PromptMaxChars <= 0 {
		return DefaultPromptMaxChars
	}
	return a.PromptMaxChars
}

// DefaultPromptMaxChars is the auto transport cutover: prompts longer than
// this travel over stdin.
const DefaultPromptMaxChars = 32 * 1024

// KimiReadOnlyGuardrail is appended to kimi prompts under read-only roles.
// Kimi has no sandbox flag, so the constraint is a best-effort prompt line.
const KimiReadOnlyGuardrail = "不允许写文件"

// CodexAgentMessageType is the stream event item type carrying agent text,
// used by the codex stream fallback.
const CodexAgentMessageType = "agent_message"

// sessionInvalidMarkers are matched case-insensitively against backend
// diagnostics when a resume fails, to detect a stale stored session id.
var sessionInvalidMarkers = []string{
	"no conversation found",
	"session not found",
	"invalid session",
	"unknown session",
	"no session",
}

// LooksLikeInvalidSession reports whether diagnostic text indicates the
// backend rejected the resumed session id.
func LooksLikeInvalidSession(text string) bool {
	lower := strings.ToLower(text)
	for _, m := range sessionInvalidMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// Embedded returns the adapter catalog. The returned map must be treated as
// read-only.
func Embedded() map[string]Adapter {
	return embedded
}

// Get looks up an adapter by backend id.
func Get(backendID string) (Adapter, bool) {
	a, ok := embedded[backendID]
	return a, ok
}

// Backends returns the declared backend ids in sorted order.
func Backends() []string {
	return []string{"claude", "codex", "gemini", "kimi", "opencode"}
}

var embedded = map[string]Adapter{
	"codex": {
		FilesystemCapabilities: []FilesystemCapability{FilesystemReadOnly, FilesystemReadWrite},
		ArgsTemplate: []string{
			"exec",
			"{% if capabilities.filesystem == 'read-only' %}--sandbox{% endif %}",
			"{% if capabilities.filesystem == 'read-only' %}read-only{% endif %}",
			"{% if capabilities.filesystem == 'read-write' %}--sandbox{% endif %}",
			"{% if capabilities.filesystem == 'read-write' %}workspace-write{% endif %}",
			"{% if capabilities.filesystem == 'danger-full-access' %}--sandbox{% endif %}",
			"{% if capabilities.filesystem == 'danger-full-access' %}danger-full-access{% endif %}",
			"{% if not session_id and model %}--model{% endif %}",
			"{% if not session_id and model %}{{ model }}{% endif %}",
			"{% if session_id and model %}-c{% endif %}",
			"{% if session_id and model %}model={{ model }}{% endif %}",
			"{% if options.model_reasoning_effort %}-c{% endif %}",
			"{% if options.model_reasoning_effort %}model_reasoning_effort={{ options.model_reasoning_effort }}{% endif %}",
			"{% if options.text_verbosity %}-c{% endif %}",
			"{% if options.text_verbosity %}text_verbosity={{ options.text_verbosity }}{% endif %}",
			"--skip-git-repo-check",
			"{% if not session_id %}-C{% endif %}",
			"{% if not session_id %}{{ workdir }}{% endif %}",
			"--json",
			"{% if session_id %}resume{% endif %}",
			"{% if session_id %}{{ session_id }}{% endif %}",
			"{% if prompt %}{{ prompt }}{% endif %}",
		},
		OutputParser: OutputParser{
			Kind:          ParserJSONStream,
			SessionIDPath: "thread_id",
			MessagePath:   "item.text",
			Pick:          PickLast,
			Fallback:      FallbackCodex,
		},
	},
	"claude": {
		FilesystemCapabilities: []FilesystemCapability{FilesystemReadOnly, FilesystemReadWrite},
		ArgsTemplate: []string{
			"--print",
			"{% if prompt %}{{ prompt }}{% endif %}",
			"--output-format",
			"json",
			"{% if model %}--model{% endif %}",
			"{% if model %}{{ model }}{% endif %}",
			"{% if capabilities.filesystem == 'read-write' %}--dangerously-skip-permissions{% endif %}",
			"{% if capabilities.filesystem == 'read-only' %}--permission-mode{% endif %}",
			"{% if capabilities.filesystem == 'read-only' %}plan{% endif %}",
			"{% if session_id %}--resume{% endif %}",
			"{% if session_id %}{{ session_id }}{% endif %}",
		},
		OutputParser: OutputParser{
			Kind:          ParserJSONObject,
			SessionIDPath: "session_id",
			MessagePath:   "result",
		},
	},
	"gemini": {
		FilesystemCapabilities: []FilesystemCapability{FilesystemReadOnly, FilesystemReadWrite},
		ArgsTemplate: []string{
			"--output-format",
			"json",
			"{% if capabilities.filesystem == 'read-only' %}--approval-mode{% endif %}",
			"{% if capabilities.filesystem == 'read-only' %}plan{% endif %}",
			"{% if capabilities.filesystem != 'read-only' %}-y{% endif %}",
			"{% if model %}-m{% endif %}",
			"{% if model %}{{ model }}{% endif %}",
			"{% if capabilities.filesystem == 'read-only' %}--sandbox{% endif %}",
			"{% if include_directories %}--include-directories{% endif %}",
			"{{ include_directories }}",
			"{% if session_id %}--resume{% endif %}",
			"{% if session_id %}{{ session_id }}{% endif %}",
			"{% if prompt %}--prompt{% endif %}",
			"{% if prompt %}{{ prompt }}{% endif %}",
		},
		OutputParser: OutputParser{
			Kind:          ParserJSONObject,
			SessionIDPath: "session_id",
			MessagePath:   "response",
		},
	},
	"opencode": {
		FilesystemCapabilities: []FilesystemCapability{FilesystemReadWrite},
		ArgsTemplate: []string{
			"run",
			"{% if model %}-m{% endif %}",
			"{% if model %}{{ model }}{% endif %}",
			"{% if session_id %}-s{% endif %}",
			"{% if session_id %}{{ session_id }}{% endif %}",
			"--format",
			"json",
			"{% if prompt %}{{ prompt }}{% endif %}",
		},
		OutputParser: OutputParser{
			Kind:          ParserJSONStream,
			SessionIDPath: "part.sessionID",
			MessagePath:   "part.text",
			Pick:          PickLast,
		},
	},
	"kimi": {
		FilesystemCapabilities: []FilesystemCapability{FilesystemReadWrite},
		ArgsTemplate: []string{
			"--print",
			"--thinking",
			"--output-format",
			"text",
			"--final-message-only",
			"--work-dir",
			"{{ workdir }}",
			"{% if model %}--model{% endif %}",
			"{% if model %}{{ model }}{% endif %}",
			"{% if resume and not session_id %}--continue{% endif %}",
			"{% if session_id %}--session{% endif %}",
			"{% if session_id %}{{ session_id }}{% endif %}",
			"{% if prompt %}--prompt{% endif %}",
			"{% if prompt %}{{ prompt }}{% endif %}",
		},
		OutputParser: OutputParser{
			Kind: ParserText,
		},
	},
}
