package flush

import (
	"viewsync/internal/metadata"
	"viewsync/internal/persistence"
	"viewsync/internal/view"
)

// VersionFlusher maintains the optimistic-lock version of a view type.
type VersionFlusher struct {
	path string
}

func newVersionFlusher(vt *metadata.ViewType) *VersionFlusher {
	if !vt.IsVersioned() {
		return nil
	}
	return &VersionFlusher{path: vt.EntityType().Version.Name}
}

// Path is the version attribute path.
func (f *VersionFlusher) Path() string { return f.path }

// AppendUpdateFragment adds "e.<version> = :_nextVersion".
func (f *VersionFlusher) AppendUpdateFragment(b *persistence.UpdateBuilder) {
	b.Set(f.path, persistence.ParamNextVersion)
}

// Bind sets the expected and the next version of v.
func (f *VersionFlusher) Bind(params persistence.Params, v *view.Instance) {
	params[persistence.ParamVersion] = v.Version()
	params[persistence.ParamNextVersion] = v.Version() + 1
}

// Next is the version v carries after a successful write.
func (f *VersionFlusher) Next(v *view.Instance) int64 { return v.Version() + 1 }
