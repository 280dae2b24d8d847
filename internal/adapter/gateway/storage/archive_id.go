package storage

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	contentObject  = "content"
	metadataObject = "metadata.json"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// newArtifactID returns a lexicographically sortable archive ID, so a
// listing of one unit's snapshots is already in archive order.
func newArtifactID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// digest returns the hex SHA-256 of content, stored alongside each snapshot
func digest(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// contentTypeOr falls back to markdown, the format of every story artifact
func contentTypeOr(ct string) string {
	if ct != "" {
		return ct
	}
	return "text/markdown; charset=utf-8"
}
