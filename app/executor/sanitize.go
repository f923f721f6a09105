package executor

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// dangerousChars are removed from every stringified parameter value before it
// gets anywhere near a command line. Arguments are passed as a discrete vector
// for direct invocation, so this is defense-in-depth there; for the crontab
// path the shell re-parses the command and the quoting in BuildShellCommand is
// the primary mechanism.
var dangerousChars = []string{";", "|", "&", "$", "`", "<", ">", "(", ")", "\n", "\r"}

var paramNameRe = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// Params maps parameter names to values. Values are booleans (switch
// parameters), scalars (string/number) or lists of scalars.
type Params map[string]any

// Sanitize converts a value to string and strips shell metacharacters
func Sanitize(v any) string {
	if v == nil {
		return ""
	}
	s := stringify(v)
	for _, c := range dangerousChars {
		s = strings.ReplaceAll(s, c, "")
	}
	return s
}

// BuildArgv builds the argument vector for direct script invocation.
// Parameter names are reduced to [A-Za-z0-9_], boolean true emits a bare
// switch, lists are comma-joined with per-element sanitization, scalars are
// sanitized and dropped entirely if nothing survives. Parameters are emitted
// in sorted name order to keep invocations reproducible.
func BuildArgv(shell, scriptPath string, params Params) []string {
	argv := []string{shell, "-NoProfile", "-ExecutionPolicy", "Bypass", "-File", scriptPath}
	return append(argv, ParamTokens(params)...)
}

// ParamTokens converts params to argument tokens following BuildArgv rules
func ParamTokens(params Params) []string {
	var tokens []string
	for _, name := range sortedNames(params) {
		cleanName := paramNameRe.ReplaceAllString(name, "")
		if cleanName == "" {
			continue
		}
		switch v := params[name].(type) {
		case bool:
			if v {
				tokens = append(tokens, "-"+cleanName)
			}
		case []any, []string:
			tokens = append(tokens, "-"+cleanName, joinList(v))
		default:
			if s := Sanitize(v); s != "" {
				tokens = append(tokens, "-"+cleanName, s)
			}
		}
	}
	return tokens
}

// BuildShellCommand builds a single shell-parsed command string for scheduled
// invocation. Scalar and list values are single-quoted with embedded quotes
// escaped, and output is appended to the per-schedule log file with stderr
// merged into stdout. The result is stored verbatim as the crontab command.
func BuildShellCommand(shell, scriptPath string, params Params, logFile string) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("%s -NoProfile -ExecutionPolicy Bypass -File %s", shell, shellQuote(scriptPath)))

	for _, name := range sortedNames(params) {
		cleanName := paramNameRe.ReplaceAllString(name, "")
		if cleanName == "" {
			continue
		}
		switch v := params[name].(type) {
		case bool:
			if v {
				b.WriteString(" -" + cleanName)
			}
		case []any, []string:
			b.WriteString(" -" + cleanName + " " + shellQuote(joinList(v)))
		default:
			if s := Sanitize(v); s != "" {
				b.WriteString(" -" + cleanName + " " + shellQuote(s))
			}
		}
	}

	b.WriteString(" >> " + shellQuote(logFile) + " 2>&1")
	return b.String()
}

// joinList sanitizes each element and joins with commas
func joinList(v any) string {
	var vals []string
	switch list := v.(type) {
	case []any:
		for _, el := range list {
			vals = append(vals, Sanitize(el))
		}
	case []string:
		for _, el := range list {
			vals = append(vals, Sanitize(el))
		}
	}
	return strings.Join(vals, ",")
}

// shellQuote wraps s in single quotes, escaping embedded single quotes with
// the standard '\'' sequence
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func sortedNames(params Params) []string {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// stringify renders values the way they appear in a command line. Floats
// holding integral values (the common case for JSON-decoded numbers) are
// rendered without the trailing ".0...".
func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%v", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}
