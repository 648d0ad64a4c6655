package tools

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// MaxToolNameLength is the maximum length of a tool name. Providers commonly
// reject function names longer than this.
const MaxToolNameLength = 64

var (
	validNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	safeNameRegex  = regexp.MustCompile(`[^a-zA-Z0-9]+`)
)

// ValidateName checks that name can be used for function calling.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidToolName)
	}
	if len(name) > MaxToolNameLength {
		return fmt.Errorf("%w: %q exceeds %d characters", ErrInvalidToolName, name, MaxToolNameLength)
	}
	if !validNameRegex.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidToolName, name)
	}
	return nil
}

// SafeName converts a name to lowercase alphanumerics and underscores.
func SafeName(name string) string {
	safe := safeNameRegex.ReplaceAllString(name, "_")
	safe = strings.ToLower(strings.Trim(safe, "_"))
	if safe == "" {
		safe = "tool"
	}
	return safe
}

// MCPToolName is the registry name of a tool served by an MCP server:
// mcp_<server>_<tool>, shortened with a hash suffix when too long.
func MCPToolName(server, tool string) string {
	base := fmt.Sprintf("mcp_%s_%s", SafeName(server), SafeName(tool))
	if len(base) <= MaxToolNameLength {
		return base
	}
	h := sha256.Sum256([]byte(server + ":" + tool))
	suffix := "_" + hex.EncodeToString(h[:])[:8]
	return base[:MaxToolNameLength-len(suffix)] + suffix
}
