package claim

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Credentials are the run-scoped token handed to a worker with a claim.
// They authorize the reclaim/report operations for exactly one
// (taskId, runId) until takenUntil; reclaiming issues a fresh set.
type Credentials struct {
	ClientID    string    `json:"clientId"`
	AccessToken string    `json:"accessToken"`
	Expires     time.Time `json:"expires"`
}

// Minter derives run credentials from a service-wide secret. Stateless:
// verification recomputes the same HMAC, so any replica can check a token
// minted by any other.
type Minter struct {
	secret []byte
}

func NewMinter(secret string) *Minter {
	return &Minter{secret: []byte(secret)}
}

func (m *Minter) token(taskID string, runID int, takenUntil time.Time) string {
	mac := hmac.New(sha256.New, m.secret)
	fmt.Fprintf(mac, "%s:%d:%d", taskID, runID, takenUntil.UnixMilli())
	return hex.EncodeToString(mac.Sum(nil))
}

// Mint issues credentials for one claimed run.
func (m *Minter) Mint(taskID string, runID int, takenUntil time.Time) Credentials {
	return Credentials{
		ClientID:    fmt.Sprintf("task-run/%s/%d", taskID, runID),
		AccessToken: m.token(taskID, runID, takenUntil),
		Expires:     takenUntil,
	}
}

// Verify checks a token against the run coordinates it claims to cover.
func (m *Minter) Verify(token, taskID string, runID int, takenUntil time.Time) bool {
	expected := m.token(taskID, runID, takenUntil)
	return hmac.Equal([]byte(token), []byte(expected))
}
