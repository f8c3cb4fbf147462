package crawler

import "maps"

// Record is an untyped scraped record keyed by field name.
type Record map[string]Value

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	maps.Copy(out, r)
	return out
}

// Str returns the string payload for key, or "".
func (r Record) Str(key string) string {
	return r[key].Str()
}

// Set stores v under key, skipping zero values so extractors can assign
// unconditionally.
func (r Record) Set(key string, v Value) {
	if v.IsZero() {
		return
	}
	r[key] = v
}

// Native converts the record into a plain map for JSON output.
func (r Record) Native() map[string]any {
	out := make(map[string]any, len(r))
	for k, v := range r {
		out[k] = v.Native()
	}
	return out
}

// Role is the capacity in which a person relates to a catalog item.
type Role string

// Supported roles.
const (
	RoleAuthor     Role = "author"
	RoleArtist     Role = "artist"
	RolePublisher  Role = "publisher"
	RoleOwner      Role = "owner"
	RoleTranslator Role = "translator"
	RoleVoice      Role = "voice"
	RoleEditor     Role = "editor"
)

// Roles lists every role in a stable order.
var Roles = []Role{
	RoleAuthor,
	RoleArtist,
	RolePublisher,
	RoleOwner,
	RoleTranslator,
	RoleVoice,
	RoleEditor,
}

// RecordKey is the record field carrying the person list for the role,
// e.g. "authors_data".
func (r Role) RecordKey() string {
	return string(r) + "s_data"
}

// PersonRef names a person by display name and canonical URL.
type PersonRef struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Well-known record keys shared by extractors and stores.
const (
	FieldURL      = "url"
	FieldSource   = "source"
	FieldTitle    = "title"
	FieldCover    = "cover_image"
	FieldBookURL  = "book_url"
	FieldDeleted  = "deleted"
	FieldTaskID   = "task_id"
	FieldSiteRank = "site_ratings"
	FieldAwards   = "awards"
)
