// Package wire defines the payloads components exchange: one object's
// shared state (versions, satellites, permissions) as produced by the
// export preprocessor on one side and consumed by the import
// orchestrator on the other.
package wire

import (
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/sciapp/sampledb-sub002/jtree"
)

var ErrBadShare = errors.New("wire: malformed object share")

// TimeFormat is the timestamp format used on the wire, truncated to
// seconds so metadata fingerprints agree across components.
const TimeFormat = "2006-01-02 15:04:05"

// Ref is a portable reference: the owning component plus the entity's
// id in that component's namespace.
type Ref struct {
	ID        int64     `json:"id"`
	Component uuid.UUID `json:"component_uuid"`
}

func (r *Ref) Tree() *jtree.Ref {
	if r == nil {
		return nil
	}
	return &jtree.Ref{ID: r.ID, Component: r.Component}
}

// ActionRef points at the instrument action an object was created with.
type ActionRef struct {
	Type string `json:"type"`
	Ref
}

// Tree wraps a jtree.Node so payload and schema trees round-trip
// through encoding/json without an intermediate any value.
type Tree struct {
	jtree.Node
}

func (t Tree) MarshalJSON() ([]byte, error) {
	if t.Node == nil {
		return []byte("null"), nil
	}
	return jtree.ToJSON(t.Node)
}

func (t *Tree) UnmarshalJSON(raw []byte) (err error) {
	if string(raw) == "null" {
		t.Node = nil
		return nil
	}
	t.Node, err = jtree.FromJSON(raw)
	return
}

// VersionShare is one remote version in an object share. Data and
// Schema may be absent when the sharing policy withholds them; the
// hashes still travel so the receiver can align histories.
type VersionShare struct {
	FedVersion   int64    `json:"version_id"`
	Author       *Ref     `json:"user,omitempty"`
	Data         Tree     `json:"data"`
	Schema       Tree     `json:"schema"`
	UTC          string   `json:"utc_datetime"`
	HashData     string   `json:"hash_data,omitempty"`
	HashMetadata string   `json:"hash_metadata,omitempty"`
	ImportNotes  []string `json:"import_notes,omitempty"`
}

// MarshalJSON omits withheld payload and schema trees entirely; a
// receiver distinguishes "not shared" (absent) from "shared as null".
func (v VersionShare) MarshalJSON() ([]byte, error) {
	type versionShare VersionShare
	aux := struct {
		versionShare
		Data   *Tree `json:"data,omitempty"`
		Schema *Tree `json:"schema,omitempty"`
	}{versionShare: versionShare(v)}
	if v.Data.Node != nil {
		aux.Data = &v.Data
	}
	if v.Schema.Node != nil {
		aux.Schema = &v.Schema
	}
	return json.Marshal(aux)
}

// Time parses the version's timestamp; a missing or malformed stamp
// yields the zero time rather than an error, matching the tolerance the
// importer needs for legacy rows.
func (v *VersionShare) Time() time.Time {
	t, err := time.Parse(TimeFormat, v.UTC)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// CommentShare is a comment attached to the shared object.
type CommentShare struct {
	Ref
	Author  *Ref   `json:"user,omitempty"`
	Content string `json:"content"`
	UTC     string `json:"utc_datetime"`
}

// FileShare is file metadata; content is fetched on demand by the
// poller, never inlined in the share.
type FileShare struct {
	Ref
	Uploader *Ref   `json:"user,omitempty"`
	Name     string `json:"original_file_name,omitempty"`
	URL      string `json:"url,omitempty"`
	Hash     string `json:"hash,omitempty"`
	UTC      string `json:"utc_datetime"`
}

// LocationShare is a location record referenced by assignments; Parent
// chains are cycle-checked by the importer before any write.
type LocationShare struct {
	Ref
	Name   string `json:"name,omitempty"`
	Parent *Ref   `json:"parent_location,omitempty"`
}

// LocationAssignmentShare assigns the shared object to a location.
type LocationAssignmentShare struct {
	Ref
	Location    *Ref   `json:"location,omitempty"`
	Responsible *Ref   `json:"responsible_user,omitempty"`
	Description string `json:"description,omitempty"`
	Confirmed   bool   `json:"confirmed,omitempty"`
	UTC         string `json:"utc_datetime"`
}

// PermissionsShare carries per-principal permission levels plus the
// default level for all users. Imports apply these monotonically.
type PermissionsShare struct {
	Users    map[int64]string `json:"users,omitempty"`
	Groups   map[int64]string `json:"groups,omitempty"`
	Projects map[int64]string `json:"projects,omitempty"`
	AllUsers string           `json:"all_users,omitempty"`
}

// ConflictEntry describes a remote-side resolution: the remote version
// the resolution produced and the remote's cursor position for it.
type ConflictEntry struct {
	VersionSolvedIn int64 `json:"version_solved_in"`
	FedVersionID    int64 `json:"fed_version_id"`
}

// ConflictStatus maps the smallest remote version id a resolution
// covers to that resolution. Consumed by the import state machine to
// detect and adopt remote resolutions.
type ConflictStatus map[int64]ConflictEntry

// SolutionAtOrAfter returns the remote resolution covering fedver or
// any later remote version, preferring the smallest covering key.
func (cs ConflictStatus) SolutionAtOrAfter(fedver int64) (key int64, entry ConflictEntry, ok bool) {
	keys := make([]int64, 0, len(cs))
	for k := range cs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, k := range keys {
		if k >= fedver {
			return k, cs[k], true
		}
	}
	return 0, ConflictEntry{}, false
}

// ObjectShare is one object's complete shared state.
type ObjectShare struct {
	ObjectID            int64                     `json:"object_id"`
	Component           uuid.UUID                 `json:"component_uuid"`
	Versions            []VersionShare            `json:"versions"`
	Action              *ActionRef                `json:"action,omitempty"`
	Comments            []CommentShare            `json:"comments,omitempty"`
	Files               []FileShare               `json:"files,omitempty"`
	Locations           []LocationShare           `json:"locations,omitempty"`
	LocationAssignments []LocationAssignmentShare `json:"object_location_assignments,omitempty"`
	Permissions         *PermissionsShare         `json:"permissions,omitempty"`
	SharingUser         *Ref                      `json:"sharing_user,omitempty"`
	ConflictStatus      ConflictStatus            `json:"conflict_status,omitempty"`
}

// ParseObjectShare decodes and sanity-checks an inbound share. Versions
// must arrive oldest first with non-negative ids; the component must be
// set. Anything else is the importer's business.
func ParseObjectShare(raw []byte) (*ObjectShare, error) {
	var share ObjectShare
	if err := json.Unmarshal(raw, &share); err != nil {
		return nil, errors.Join(ErrBadShare, err)
	}
	if share.ObjectID < 0 || share.Component == uuid.Nil {
		return nil, ErrBadShare
	}
	prev := int64(-1)
	for i := range share.Versions {
		v := &share.Versions[i]
		if v.FedVersion < 0 || v.FedVersion <= prev {
			return nil, ErrBadShare
		}
		prev = v.FedVersion
	}
	return &share, nil
}
