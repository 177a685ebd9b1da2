package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// canonicalHash hashes the RFC 8785 canonical JSON of v. Callers clear Seq
// and Hash first; PrevHash stays in, which links the chain.
func canonicalHash(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal audit record: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize audit record: %w", err)
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// EventHash computes the chain hash of e.
func EventHash(e Event) (string, error) {
	e.Seq = 0
	e.Hash = ""
	e.Timestamp = e.Timestamp.UTC()
	return canonicalHash(e)
}

// SummaryHash computes the chain hash of s.
func SummaryHash(s Summary) (string, error) {
	s.Seq = 0
	s.Hash = ""
	s.Timestamp = s.Timestamp.UTC()
	return canonicalHash(s)
}

// ChainReport is the result of VerifyChain.
type ChainReport struct {
	Events    int      `json:"events"`
	Summaries int      `json:"summaries"`
	Valid     bool     `json:"valid"`
	Problems  []string `json:"problems,omitempty"`
}
