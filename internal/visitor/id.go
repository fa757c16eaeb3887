package visitor

import (
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	idPrefix     = "visitor_"
	randomSuffix = 13
)

// NewID returns a fresh visitor identifier of the form
// visitor_<epoch millis>_<base36 random>.
func NewID(now time.Time) string {
	u := uuid.New()
	suffix := new(big.Int).SetBytes(u[:]).Text(36)
	if len(suffix) < randomSuffix {
		suffix = strings.Repeat("0", randomSuffix-len(suffix)) + suffix
	}
	return idPrefix + strconv.FormatInt(now.UnixMilli(), 10) + "_" + suffix[:randomSuffix]
}

// ValidID reports whether id is usable as a visitor key. Identifiers minted
// elsewhere are accepted as long as they are printable, bounded and free of
// path separators, since they end up in storage keys.
func ValidID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for _, c := range id {
		if c <= ' ' || c == '/' || c == '\\' || c == 0x7f {
			return false
		}
	}
	return true
}
