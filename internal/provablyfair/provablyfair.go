// Package provablyfair implements the pure commit/reveal derivation
// functions behind dealer station rounds, isolated from any state-machine
// or I/O concern so they can be unit tested and independently verified by
// any observer.
package provablyfair

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// NewHouseSeed generates 24 random bytes hex-encoded, committed before a
// round is played and revealed after.
func NewHouseSeed() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("provablyfair: generate house seed: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// CommitHash computes sha256(houseSeed), the value published before the
// round is played.
func CommitHash(houseSeed string) string {
	sum := sha256.Sum256([]byte(houseSeed))
	return hex.EncodeToString(sum[:])
}

// VerifyReveal checks that a revealed houseSeed matches a previously
// published commitHash — the observable guarantee any client can run
// independently.
func VerifyReveal(houseSeed, commitHash string) bool {
	return CommitHash(houseSeed) == commitHash
}

func firstByte(houseSeed, playerSeed, challengeID, suffix string) byte {
	h := sha256.New()
	h.Write([]byte(houseSeed))
	h.Write([]byte("|"))
	h.Write([]byte(playerSeed))
	h.Write([]byte("|"))
	h.Write([]byte(challengeID))
	if suffix != "" {
		h.Write([]byte("|"))
		h.Write([]byte(suffix))
	}
	sum := h.Sum(nil)
	return sum[0]
}

// ComputeCoinflip derives "heads" or "tails" from the LSB of the first
// byte of sha256(houseSeed|playerSeed|challengeId).
func ComputeCoinflip(houseSeed, playerSeed, challengeID string) string {
	if firstByte(houseSeed, playerSeed, challengeID, "")&1 == 0 {
		return "heads"
	}
	return "tails"
}

// ComputeDiceDuel derives a face 1..6 from
// (firstByte(sha256(houseSeed|playerSeed|challengeId|"dice_duel")) mod 6) + 1.
func ComputeDiceDuel(houseSeed, playerSeed, challengeID string) int {
	return int(firstByte(houseSeed, playerSeed, challengeID, "dice_duel")%6) + 1
}
