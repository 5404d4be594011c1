// Package openflag decides whether to open the dashboard in a browser.
package openflag

import (
	"os"
	"strings"
)

// EnvOpen names the variable that requests opening the dashboard once the
// gateway is running.
const EnvOpen = "BERTH_OPEN"

// Enabled reports whether BERTH_OPEN is set to a truthy value.
func Enabled() bool {
	return IsTruthy(os.Getenv(EnvOpen))
}

// IsTruthy accepts 1, t, true, yes and on in any case. It also parses boolean
// query parameters such as ?wait=1.
func IsTruthy(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "t", "true", "yes", "on":
		return true
	}
	return false
}
