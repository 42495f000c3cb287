package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// DomainID is the domain prefix for node, event and session identity.
// The version suffix enables future algorithm migration.
const DomainID = "htmlgraph/id/v1"

// IDHexWidth is the number of hex characters kept from the digest.
//
// 8 hex characters carry 32 bits. By the birthday bound the probability of
// any collision among n ids sharing a tag is about n²/2³³: roughly 1.2e-4
// at 1,000 nodes and 1.2e-2 at 10,000. Ids are namespaced by tag, so the
// bound applies per node type. Callers that allocate a fresh id for new
// content (NodeStore.Create) detect an occupied id and retry with a new
// nonce.
const IDHexWidth = 8

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// NewID returns "<tag>-<hex8>" computed over the tag and seed fields.
//
// Identical inputs always produce the same id, so a retried create with the
// same seeds and nonce lands on the same document. Include a nonce among the
// seeds when distinct creations of identical content must not collide.
func NewID(typeTag string, seeds ...string) string {
	if seeds == nil {
		seeds = []string{}
	}
	canonical, err := MarshalCanonical(map[string]any{
		"tag":   typeTag,
		"seeds": seeds,
	})
	if err != nil {
		// Strings always marshal; reaching here means the encoder is broken.
		panic(fmt.Sprintf("NewID: canonical marshal: %v", err))
	}
	return typeTag + "-" + hashWithDomain(DomainID, canonical)[:IDHexWidth]
}

// TagOf returns the type tag of an id produced by NewID, or "" when the id
// has no tag separator.
func TagOf(id string) string {
	i := strings.LastIndexByte(id, '-')
	if i <= 0 {
		return ""
	}
	return id[:i]
}

// Tag prefixes for each node type.
var typeTags = map[NodeType]string{
	TypeFeature: "feat",
	TypeBug:     "bug",
	TypeChore:   "chore",
	TypeSpike:   "spike",
	TypeEpic:    "epic",
	TypeTrack:   "trk",
	TypeSession: "sess",
}

// TagFor returns the id tag for a node type. Unknown types use the type name.
func TagFor(t NodeType) string {
	if tag, ok := typeTags[t]; ok {
		return tag
	}
	return string(t)
}

// TypeForTag maps an id tag back to its node type.
func TypeForTag(tag string) (NodeType, bool) {
	for t, tg := range typeTags {
		if tg == tag {
			return t, true
		}
	}
	return "", false
}
