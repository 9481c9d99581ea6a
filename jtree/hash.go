package jtree

import (
	"fmt"
	"time"

	"github.com/cespare/xxhash"
)

// NoHash is stored when a version has no recorded fingerprint (either
// input was never transmitted, or the row predates fingerprinting).
const NoHash = "none"

// AutomergedAuthor stands in for the author reference when a version
// was produced by automatic merge rather than a person.
const AutomergedAuthor = "automerged"

func digest(b []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(b))
}

// HashData fingerprints (data, schema) after reference normalization,
// so the same logical content hashes identically on every component.
// The digest is an equality proxy, not a tamper seal.
func (id Identity) HashData(data, schema Node) string {
	if data == nil || schema == nil {
		return NoHash
	}
	tree := Object{
		"data":   id.Normalize(data),
		"schema": id.Normalize(schema),
	}
	return digest(Canon(tree))
}

// HashMetadata fingerprints (author, timestamp). A nil author hashes as
// the automerged sentinel; timestamps are truncated to whole seconds so
// sub-second noise between components does not break equality.
func HashMetadata(author *Ref, utc time.Time) string {
	var a Node = String(AutomergedAuthor)
	if author != nil {
		a = Object{
			"user_id":        Number(author.ID),
			"component_uuid": String(author.Component.String()),
		}
	}
	tree := Object{
		"author":       a,
		"utc_datetime": String(utc.UTC().Truncate(time.Second).Format("2006-01-02 15:04:05")),
	}
	return digest(Canon(tree))
}
