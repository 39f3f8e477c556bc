package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// credentialPatterns match the ways a store credential shows up in text the
// CLI or gateway writes: request dumps, wrapped URL errors and config
// fragments. Group 1, when present, is kept.
var credentialPatterns = []*regexp.Regexp{
	// Authorization: Bearer <token>
	regexp.MustCompile(`(?i)(authorization\s*:\s*bearer\s+)(\S+)`),
	// X-API-Key: <token>
	regexp.MustCompile(`(?i)(x-api-key\s*:\s*)(\S+)`),
	// Bare "Bearer <token>" as it appears in wrapped header values.
	regexp.MustCompile(`(?i)(bearer\s+)([A-Za-z0-9_\-.~+/=]{8,})`),
	// /ws?api_key=<token>
	regexp.MustCompile(`(?i)([?&]api_key=)([^&\s"']+)`),
	// token: / key: lines of config.yaml and TASKFLOW_TOKEN=...
	regexp.MustCompile(`(?im)^(\s*(?:-\s*)?(?:token|key)\s*:\s*)("[^"]*"|'[^']*'|\S+)`),
	regexp.MustCompile(`(TASKFLOW_TOKEN=)(\S+)`),
	// Generated API keys, wherever they appear.
	regexp.MustCompile(`tf_[A-Za-z0-9_]{16,}`),
}

// Redact replaces store credentials in input with [REDACTED].
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range credentialPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			if sub := pat.FindStringSubmatch(match); len(sub) >= 3 {
				return sub[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

var sensitiveFieldNames = []string{"token", "authorization", "api_key", "apikey", "x-api-key", "bearer", "secret", "password"}

// IsSensitiveField reports whether a log attribute, header, env var or
// config key named name carries a credential.
func IsSensitiveField(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	if lower == "" {
		return false
	}
	for _, s := range sensitiveFieldNames {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// RedactField returns value, or [REDACTED] when name is a credential field.
// Values of other fields still go through Redact.
func RedactField(name, value string) string {
	if IsSensitiveField(name) {
		if value == "" {
			return ""
		}
		return redactedPlaceholder
	}
	return Redact(value)
}
