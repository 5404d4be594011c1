package configstore

import (
	"bytes"
	"os"
	"strings"
)

// Values may reference the environment as $VAR or ${VAR}; `\$` keeps a
// literal dollar. TOML rejects `\$` inside basic strings, so escapeDollars
// doubles the backslash before decoding and expandEnv consumes it afterwards.

// escapeDollars rewrites `\$` to `\\$` inside basic strings. Literal strings
// and comments are copied unchanged.
func escapeDollars(data []byte) []byte {
	if !bytes.Contains(data, []byte(`\$`)) {
		return data
	}
	out := make([]byte, 0, len(data)+8)
	var delim string // open string delimiter, "" outside strings
	for i := 0; i < len(data); i++ {
		rest := data[i:]
		switch {
		case delim == "" && data[i] == '#':
			end := bytes.IndexByte(rest, '\n')
			if end < 0 {
				end = len(rest)
			}
			out = append(out, rest[:end]...)
			i += end - 1
		case delim == "":
			for _, d := range []string{`"""`, `'''`, `"`, `'`} {
				if bytes.HasPrefix(rest, []byte(d)) {
					delim = d
					break
				}
			}
			if delim != "" {
				out = append(out, delim...)
				i += len(delim) - 1
				continue
			}
			out = append(out, data[i])
		case delim[0] == '"' && data[i] == '\\' && i+1 < len(data):
			if data[i+1] == '$' {
				out = append(out, '\\')
			}
			out = append(out, data[i], data[i+1])
			i++
		case bytes.HasPrefix(rest, []byte(delim)):
			out = append(out, delim...)
			i += len(delim) - 1
			delim = ""
		default:
			out = append(out, data[i])
		}
	}
	return out
}

// expandEnv substitutes environment variables in s, turning `\$` into "$".
func expandEnv(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}
	parts := strings.Split(s, `\$`)
	for i, p := range parts {
		parts[i] = os.Expand(p, os.Getenv)
	}
	return strings.Join(parts, "$")
}
