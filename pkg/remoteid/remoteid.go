// Package remoteid generates the identifiers under which policies and keys
// are created on the gateway control plane. Ids are generated on our side so
// that create calls are idempotent-by-id and safe to retry.
package remoteid

import (
	"encoding/hex"

	"github.com/nexgate-io/console/pkg/uuidv7"
)

// New returns a 32-character lowercase hex identifier built from a UUIDv7:
// time-ordered with millisecond precision, the rest random.
func New() (string, error) {
	u, err := uuidv7.New()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(u[:]), nil
}
