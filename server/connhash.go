package server

import (
	"crypto/sha256"
	"encoding/hex"
)

// connHash derives the connection-hash identifying a distinct backend
// target (URL + user): every session opened against the same backend
// credentials shares one pool (§3). The client never computes or sends
// this value — it is a server-side concept used to key C5/C6's pool
// registry and C2/C4's per-pool coordinator view.
func connHash(url, user string) string {
	sum := sha256.Sum256([]byte(url + "\x00" + user))
	return hex.EncodeToString(sum[:])[:16]
}
