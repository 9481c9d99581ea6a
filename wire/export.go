package wire

// Access flags gate which parts of an object share are populated for a
// given remote component. Omitted parts are absent from the share, not
// zeroed, so the receiver can tell "withheld" from "empty".
type Access struct {
	Data                      bool `json:"data"`
	Action                    bool `json:"action"`
	Users                     bool `json:"users"`
	Comments                  bool `json:"comments"`
	Files                     bool `json:"files"`
	ObjectLocationAssignments bool `json:"object_location_assignments"`
}

// PermissionPolicy selects which principals' permission levels travel
// with the share.
type PermissionPolicy struct {
	Users    []int64 `json:"users,omitempty"`
	Groups   []int64 `json:"groups,omitempty"`
	Projects []int64 `json:"projects,omitempty"`
	AllUsers bool    `json:"all_users,omitempty"`
}

// Policy is the caller-supplied sharing policy for one remote
// component.
type Policy struct {
	Access      Access           `json:"access"`
	Permissions PermissionPolicy `json:"permissions"`
}

// Apply filters a fully-assembled share down to what the policy allows.
// Version rows always travel (the receiver needs them to align
// histories) but their payloads are withheld without data access; the
// fingerprints stay so alignment still works.
func (p Policy) Apply(share *ObjectShare) *ObjectShare {
	out := *share
	if !p.Access.Data {
		versions := make([]VersionShare, len(share.Versions))
		copy(versions, share.Versions)
		for i := range versions {
			versions[i].Data = Tree{}
			versions[i].Schema = Tree{}
		}
		out.Versions = versions
	}
	if !p.Access.Action {
		out.Action = nil
	}
	if !p.Access.Comments {
		out.Comments = nil
	}
	if !p.Access.Files {
		out.Files = nil
	}
	if !p.Access.ObjectLocationAssignments {
		out.Locations = nil
		out.LocationAssignments = nil
	}
	if !p.Access.Users {
		out.SharingUser = nil
		out.Versions = stripVersionUsers(out.Versions)
		out.Comments = stripCommentUsers(out.Comments)
		out.Files = stripFileUsers(out.Files)
		out.LocationAssignments = stripAssignmentUsers(out.LocationAssignments)
	}
	out.Permissions = p.filterPermissions(share.Permissions)
	return &out
}

func stripVersionUsers(versions []VersionShare) []VersionShare {
	if versions == nil {
		return nil
	}
	out := make([]VersionShare, len(versions))
	copy(out, versions)
	for i := range out {
		out[i].Author = nil
	}
	return out
}

func stripCommentUsers(comments []CommentShare) []CommentShare {
	if comments == nil {
		return nil
	}
	out := make([]CommentShare, len(comments))
	copy(out, comments)
	for i := range out {
		out[i].Author = nil
	}
	return out
}

func stripFileUsers(files []FileShare) []FileShare {
	if files == nil {
		return nil
	}
	out := make([]FileShare, len(files))
	copy(out, files)
	for i := range out {
		out[i].Uploader = nil
	}
	return out
}

func stripAssignmentUsers(assignments []LocationAssignmentShare) []LocationAssignmentShare {
	if assignments == nil {
		return nil
	}
	out := make([]LocationAssignmentShare, len(assignments))
	copy(out, assignments)
	for i := range out {
		out[i].Responsible = nil
	}
	return out
}

func (p Policy) filterPermissions(perms *PermissionsShare) *PermissionsShare {
	if perms == nil {
		return nil
	}
	out := &PermissionsShare{}
	out.Users = pickLevels(perms.Users, p.Permissions.Users)
	out.Groups = pickLevels(perms.Groups, p.Permissions.Groups)
	out.Projects = pickLevels(perms.Projects, p.Permissions.Projects)
	if p.Permissions.AllUsers {
		out.AllUsers = perms.AllUsers
	}
	if out.Users == nil && out.Groups == nil && out.Projects == nil && out.AllUsers == "" {
		return nil
	}
	return out
}

func pickLevels(levels map[int64]string, allowed []int64) map[int64]string {
	if len(levels) == 0 || len(allowed) == 0 {
		return nil
	}
	out := map[int64]string{}
	for _, id := range allowed {
		if lvl, ok := levels[id]; ok {
			out[id] = lvl
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
