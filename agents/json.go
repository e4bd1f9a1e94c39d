package agents

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

var fenceRE = regexp.MustCompile("(?s)```(?:json|JSON)?[ \t]*\n?(.*?)```")

var errNoJSON = errors.New("no JSON object in response")

// extractJSON pulls a JSON object out of a model reply that may wrap it in
// a markdown fence or surround it with prose.
func extractJSON(reply string) string {
	reply = strings.TrimSpace(reply)
	if m := fenceRE.FindStringSubmatch(reply); m != nil {
		reply = strings.TrimSpace(m[1])
	}
	start := strings.IndexByte(reply, '{')
	end := strings.LastIndexByte(reply, '}')
	if start < 0 || end < start {
		return ""
	}
	return reply[start : end+1]
}

// decodeReply decodes the JSON object in reply into v.
func decodeReply(reply string, v any) error {
	raw := extractJSON(reply)
	if raw == "" {
		return errNoJSON
	}
	return json.Unmarshal([]byte(raw), v)
}
