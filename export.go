package federation

import (
	"strings"

	"github.com/sciapp/sampledb-sub002/jtree"
	"github.com/sciapp/sampledb-sub002/wire"
)

func wireRef(ref *jtree.Ref) *wire.Ref {
	if ref == nil {
		return nil
	}
	return &wire.Ref{ID: ref.ID, Component: ref.Component}
}

// ExportObject assembles the object's complete shared state and filters
// it down to what the policy allows for the receiving component.
// Version ids on the wire are this component's local version ids; the
// conflict-status map advertises recorded resolutions so the receiver
// can adopt them instead of re-diverging.
func (d *DB) ExportObject(obj int64, policy wire.Policy) (*wire.ObjectShare, error) {
	o, err := d.GetObject(obj)
	if err != nil {
		return nil, err
	}
	versions, err := d.Versions(obj)
	if err != nil {
		return nil, err
	}

	share := &wire.ObjectShare{
		ObjectID:  o.ID,
		Component: d.src.UUID,
	}
	for _, v := range versions {
		vs := wire.VersionShare{
			FedVersion:   v.VersionID,
			Author:       wireRef(v.Author),
			Data:         wire.Tree{Node: v.Data},
			Schema:       wire.Tree{Node: v.Schema},
			UTC:          v.UTC.Format(wire.TimeFormat),
			HashData:     v.HashData,
			HashMetadata: v.HashMetadata,
		}
		if v.ImportNotes != "" {
			vs.ImportNotes = strings.Split(v.ImportNotes, "\n")
		}
		share.Versions = append(share.Versions, vs)
	}

	comments, err := d.ObjectComments(obj)
	if err != nil {
		return nil, err
	}
	for _, c := range comments {
		share.Comments = append(share.Comments, wire.CommentShare{
			Ref:     wire.Ref{ID: c.ID, Component: c.Component},
			Author:  wireRef(c.Author),
			Content: c.Content,
			UTC:     c.UTC.Format(wire.TimeFormat),
		})
	}
	files, err := d.ObjectFiles(obj)
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		share.Files = append(share.Files, wire.FileShare{
			Ref:      wire.Ref{ID: f.ID, Component: f.Component},
			Uploader: wireRef(f.Uploader),
			Name:     f.Name,
			URL:      f.URL,
			Hash:     f.Hash,
			UTC:      f.UTC.Format(wire.TimeFormat),
		})
	}
	assignments, err := d.ObjectLocationAssignments(obj)
	if err != nil {
		return nil, err
	}
	for _, a := range assignments {
		share.LocationAssignments = append(share.LocationAssignments, wire.LocationAssignmentShare{
			Ref:         wire.Ref{ID: a.ID, Component: a.Component},
			Location:    wireRef(a.Location),
			Responsible: wireRef(a.Responsible),
			Description: a.Description,
			Confirmed:   a.Confirmed,
			UTC:         a.UTC.Format(wire.TimeFormat),
		})
		if a.Location != nil {
			if loc, err := d.GetLocation(a.Location.Component, a.Location.ID); err == nil {
				share.Locations = append(share.Locations, wire.LocationShare{
					Ref:    wire.Ref{ID: loc.ID, Component: loc.Component},
					Name:   loc.Name,
					Parent: wireRef(loc.Parent),
				})
			}
		}
	}

	perms, err := d.GetObjectPermissions(obj)
	if err != nil {
		return nil, err
	}
	share.Permissions = wirePermissions(perms)

	conflicts, err := d.ListConflicts(obj, ConflictFilter{})
	if err != nil {
		return nil, err
	}
	for _, c := range conflicts {
		if !c.Solved {
			continue
		}
		if share.ConflictStatus == nil {
			share.ConflictStatus = wire.ConflictStatus{}
		}
		share.ConflictStatus[c.BaseVersion+1] = wire.ConflictEntry{
			VersionSolvedIn: c.VersionSolvedIn,
			FedVersionID:    c.FedVersion,
		}
	}

	return policy.Apply(share), nil
}

func wirePermissions(perms *ObjectPermissions) *wire.PermissionsShare {
	out := &wire.PermissionsShare{}
	for id, lvl := range perms.Users {
		if out.Users == nil {
			out.Users = map[int64]string{}
		}
		out.Users[id] = lvl.String()
	}
	for id, lvl := range perms.Groups {
		if out.Groups == nil {
			out.Groups = map[int64]string{}
		}
		out.Groups[id] = lvl.String()
	}
	for id, lvl := range perms.Projects {
		if out.Projects == nil {
			out.Projects = map[int64]string{}
		}
		out.Projects[id] = lvl.String()
	}
	if perms.AllUsers != PermNone {
		out.AllUsers = perms.AllUsers.String()
	}
	if out.Users == nil && out.Groups == nil && out.Projects == nil && out.AllUsers == "" {
		return nil
	}
	return out
}
