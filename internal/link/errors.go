package link

import (
	"context"
	"errors"
	"strings"

	dragonpilot "github.com/ZanzyTHEbar/dragonpilot"
)

// VendorTokens lists the tokens that mean the vehicle refused a command.
// Anything else coming back from a transport is treated as a link failure.
type VendorTokens struct {
	Refused []string
}

// VendorErrorMappings holds the refusal tables per autopilot vendor.
var VendorErrorMappings = map[string]VendorTokens{
	"px4": {
		Refused: []string{
			"COMMAND_DENIED",
			"TEMPORARILY_REJECTED",
			"NOT_ARMABLE",
			"ARMING_DENIED",
			"PREFLIGHT_FAIL",
			"GEOFENCE",
			"NOT_IN_AIR",
			"UNSUPPORTED",
		},
	},
	"ardupilot": {
		Refused: []string{
			"DENIED",
			"PREARM",
			"NOT_ARMABLE",
			"FENCE_BREACH",
			"MODE_CHANGE_FAILED",
			"THROTTLE_NOT_ZERO",
		},
	},
	"generic": {
		Refused: []string{
			"REJECTED",
			"DENIED",
			"NOT_ARMABLE",
			"GEOFENCE",
			"NOT_READY",
			"UNSUPPORTED",
			"BUSY",
		},
	},
}

// Normalize maps a transport error to a RejectedError or a LinkError.
// The original error is kept as the cause.
func Normalize(tool, vendor string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return dragonpilot.NewLinkError("command interrupted", err)
	}
	var refusal *Refusal
	if errors.As(err, &refusal) {
		return dragonpilot.NewRejectedError(tool, refusal.Token, err)
	}
	if token, ok := refusalToken(err.Error(), vendor); ok {
		return dragonpilot.NewRejectedError(tool, token, err)
	}
	return dragonpilot.NewLinkError("vehicle link failure", err)
}

func refusalToken(msg, vendor string) (string, bool) {
	tokens, exists := VendorErrorMappings[vendor]
	if !exists {
		tokens = VendorErrorMappings["generic"]
	}
	upper := strings.ToUpper(msg)
	for _, token := range tokens.Refused {
		if strings.Contains(upper, token) {
			return token, true
		}
	}
	return "", false
}
