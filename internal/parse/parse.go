// Package parse recovers a normalized {session_id, message} result from
// heterogeneous backend stdout formats.
package parse

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/troika/troika/internal/catalog"
	"github.com/troika/troika/internal/common/errors"
)

// Result is the uniform parser output. An empty SessionID means the backend
// is stateless for this invocation.
type Result struct {
	SessionID string
	Message   string
}

// Parse applies the configured parser to the captured stdout.
func Parse(p catalog.OutputParser, stdout string) (Result, error) {
	switch p.Kind {
	case catalog.ParserJSONObject:
		return parseJSONObject(stdout, p.SessionIDPath, p.MessagePath)
	case catalog.ParserJSONStream:
		return parseJSONStream(stdout, p)
	case catalog.ParserRegex:
		return parseRegex(stdout, p.SessionIDPattern, p.MessageCaptureGroup)
	case catalog.ParserText:
		return Result{Message: strings.TrimSpace(stdout)}, nil
	default:
		return Result{}, errors.ParseBadFormat("unknown parser kind: "+string(p.Kind), nil)
	}
}

func parseJSONObject(stdout, sessionIDPath, messagePath string) (Result, error) {
	trimmed := strings.TrimSpace(stdout)
	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		return Result{}, errors.ParseBadFormat("stdout is not a JSON document", err)
	}

	var res Result
	if m, ok := pathString(v, messagePath); ok {
		res.Message = m
	}
	if strings.TrimSpace(sessionIDPath) != "" {
		if sid, ok := pathString(v, sessionIDPath); ok {
			res.SessionID = sid
		}
	}
	if strings.TrimSpace(res.Message) == "" {
		return Result{}, errors.ParseEmptyMessage("no message at path " + messagePath)
	}
	return res, nil
}

func parseJSONStream(stdout string, p catalog.OutputParser) (Result, error) {
	pick := p.Pick
	if pick == "" {
		pick = catalog.PickLast
	}

	var sessionID, message string
	sawEvent := false
	for _, line := range strings.Split(stdout, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		var v any
		if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
			// Tolerate interleaved non-JSON noise in the stream.
			continue
		}
		sawEvent = true

		if sessionID == "" {
			if sid, ok := pathString(v, p.SessionIDPath); ok && sid != "" {
				sessionID = sid
			}
		}
		if m, ok := pathString(v, p.MessagePath); ok && strings.TrimSpace(m) != "" {
			if pick == catalog.PickFirst {
				if message == "" {
					message = m
				}
			} else {
				message = m
			}
		}
	}

	if !sawEvent {
		return Result{}, errors.ParseBadFormat("no JSON events in stream output", nil)
	}
	if sessionID == "" {
		return Result{}, errors.ParseBadFormat("stream output carried no session id at "+p.SessionIDPath, nil)
	}
	if strings.TrimSpace(message) == "" && p.Fallback == catalog.FallbackCodex {
		message = codexFallbackMessage(stdout, pick)
	}
	if strings.TrimSpace(message) == "" {
		return Result{}, errors.ParseEmptyMessage("stream output carried no message at " + p.MessagePath)
	}
	return Result{SessionID: sessionID, Message: message}, nil
}

// codexFallbackMessage rescans the stream for events typed as agent messages
// and concatenates their textual payloads.
func codexFallbackMessage(stdout string, pick catalog.Pick) string {
	var texts []string
	for _, line := range strings.Split(stdout, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		var v map[string]any
		if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
			continue
		}

		switch v["type"] {
		case "item.completed":
			if item, ok := v["item"].(map[string]any); ok {
				if item["type"] == catalog.CodexAgentMessageType {
					if text, ok := item["text"].(string); ok && text != "" {
						texts = append(texts, text)
					}
				}
			}
		case "message":
			switch content := v["content"].(type) {
			case string:
				if content != "" {
					texts = append(texts, content)
				}
			case []any:
				for _, part := range content {
					pm, ok := part.(map[string]any)
					if !ok || pm["type"] != "text" {
						continue
					}
					if text, ok := pm["text"].(string); ok && text != "" {
						texts = append(texts, text)
					}
				}
			}
		case "output_text":
			if text, ok := v["text"].(string); ok && text != "" {
				texts = append(texts, text)
			}
		}
	}

	if len(texts) == 0 {
		return ""
	}
	if pick == catalog.PickFirst {
		return texts[0]
	}
	return strings.Join(texts, "\n")
}

func parseRegex(stdout, pattern string, messageGroup int) (Result, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Result{}, errors.ParseBadFormat("invalid session_id_pattern", err)
	}
	caps := re.FindStringSubmatch(stdout)
	if caps == nil {
		return Result{}, errors.ParseBadFormat("regex did not match output", nil)
	}
	if len(caps) < 2 {
		return Result{}, errors.ParseBadFormat("regex did not capture a session id", nil)
	}
	res := Result{SessionID: caps[1]}
	if messageGroup > 0 && messageGroup < len(caps) {
		res.Message = caps[messageGroup]
	}
	if strings.TrimSpace(res.Message) == "" {
		return Result{}, errors.ParseEmptyMessage("regex captured no message text")
	}
	return res, nil
}

// pathString resolves a dot-separated path to a string value.
func pathString(v any, path string) (string, bool) {
	if strings.TrimSpace(path) == "" {
		return "", false
	}
	cur := v
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return "", false
		}
		cur, ok = m[part]
		if !ok {
			return "", false
		}
	}
	s, ok := cur.(string)
	return s, ok
}
