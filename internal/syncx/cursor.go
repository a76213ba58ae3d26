package syncx

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Cursor is a position in a collection listing.
// Format: base64("<updated_at_ms>|<uuid>"), ordered by (updated_at_ms, uid).
type Cursor struct {
	Ms  int64
	UID uuid.UUID
}

// IsZero reports whether the cursor points at the start of the collection
func (c Cursor) IsZero() bool {
	return c.Ms == 0 && c.UID == uuid.Nil
}

// EncodeCursor returns the opaque cursor string, or "" for the zero cursor
func EncodeCursor(c Cursor) string {
	if c.IsZero() {
		return ""
	}
	raw := fmt.Sprintf("%d|%s", c.Ms, c.UID.String())
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a cursor string.
// Returns the zero cursor and false if s is empty or malformed.
func DecodeCursor(s string) (Cursor, bool) {
	if s == "" {
		return Cursor{}, false
	}

	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, false
	}

	msPart, uidPart, found := strings.Cut(string(b), "|")
	if !found || strings.Contains(uidPart, "|") {
		return Cursor{}, false
	}

	ms, err := strconv.ParseInt(msPart, 10, 64)
	if err != nil {
		return Cursor{}, false
	}

	id, err := uuid.Parse(uidPart)
	if err != nil {
		return Cursor{}, false
	}

	return Cursor{Ms: ms, UID: id}, true
}

// RFC3339 converts Unix milliseconds to an RFC3339 timestamp string
func RFC3339(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339Nano)
}

// NowMs returns the current Unix milliseconds timestamp (UTC)
func NowMs() int64 {
	return time.Now().UTC().UnixMilli()
}
