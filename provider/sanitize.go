package provider

import (
	"errors"
	"strings"

	"github.com/hashicorp/go-secure-stdlib/strutil"
)

// maxStoredErrorLength bounds error messages persisted on configs and
// leases so a single failure cannot bloat storage rows.
const maxStoredErrorLength = 255

// SanitizeError strips any of the given secret values that an external
// system echoed back inside an error message. The result is safe to
// persist and surface to callers.
func SanitizeError(err error, secrets ...string) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	for _, secret := range strutil.RemoveDuplicates(strutil.RemoveEmpty(secrets), false) {
		msg = strings.ReplaceAll(msg, secret, "<redacted>")
	}

	return errors.New(msg)
}

// TruncateError caps an error message at the persisted length limit.
func TruncateError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if len(msg) > maxStoredErrorLength {
		msg = msg[:maxStoredErrorLength]
	}
	return msg
}
