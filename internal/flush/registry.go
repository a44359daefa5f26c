package flush

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru"

	"viewsync/internal/core/apperror"
	"viewsync/internal/metadata"
	"viewsync/internal/persistence"
)

// DefaultTemplateCacheSize bounds the number of reduced update statements
// kept per registry.
const DefaultTemplateCacheSize = 512

// Options tune a Registry.
type Options struct {
	// CollectionStatements is set when the store executes join-table
	// statements. Otherwise plural attributes are written through merges.
	CollectionStatements bool
	TemplateCacheSize    int
}

// Registry holds the composites and updaters of every view type. It is
// built once and shared read-only by all flushes.
type Registry struct {
	metadata   *metadata.Registry
	opts       Options
	composites map[*metadata.ViewType]*Composite
	updaters   map[*metadata.ViewType]*Updater
	// templates maps a view type and composite signature to its reduced
	// update statement. The ARC cache is safe for concurrent use.
	templates *lru.ARCCache
}

// NewRegistry builds flushers for every view type of md.
func NewRegistry(md *metadata.Registry, opts Options) (*Registry, error) {
	if md == nil {
		return nil, apperror.NewConfiguration("flush registry needs a metadata registry")
	}
	if opts.TemplateCacheSize <= 0 {
		opts.TemplateCacheSize = DefaultTemplateCacheSize
	}
	templates, err := lru.NewARC(opts.TemplateCacheSize)
	if err != nil {
		return nil, fmt.Errorf("template cache: %w", err)
	}
	r := &Registry{
		metadata:   md,
		opts:       opts,
		composites: make(map[*metadata.ViewType]*Composite),
		updaters:   make(map[*metadata.ViewType]*Updater),
		templates:  templates,
	}
	for _, vt := range md.Views() {
		if vt.Embeddable {
			continue
		}
		r.composites[vt] = r.buildComposite(vt, "", "")
	}
	for _, vt := range md.Views() {
		if vt.Embeddable {
			continue
		}
		u, err := newUpdater(r, vt)
		if err != nil {
			return nil, err
		}
		r.updaters[vt] = u
	}
	return r, nil
}

// Metadata returns the mapping model.
func (r *Registry) Metadata() *metadata.Registry { return r.metadata }

// Composite returns the full composite of a non-embeddable view type.
func (r *Registry) Composite(vt *metadata.ViewType) *Composite {
	return r.composites[vt]
}

// Updater returns the update plan builder of a non-embeddable view type.
func (r *Registry) Updater(vt *metadata.ViewType) *Updater {
	return r.updaters[vt]
}

// buildComposite creates one flusher per attribute. Subview targets are
// looked up lazily through Composite, so reference cycles are fine.
func (r *Registry) buildComposite(vt *metadata.ViewType, pathPrefix, paramPrefix string) *Composite {
	flushers := make([]AttributeFlusher, 0, len(vt.Attributes))
	for _, a := range vt.Attributes {
		flushers = append(flushers, r.flusherFor(vt, a, pathPrefix, paramPrefix))
	}
	return newComposite(vt, flushers, nil)
}

func (r *Registry) flusherFor(vt *metadata.ViewType, a *metadata.Attribute, pathPrefix, paramPrefix string) AttributeFlusher {
	switch a.Kind() {
	case metadata.KindEmbedded:
		return newEmbeddableFlusher(r, vt, a, pathPrefix, paramPrefix)
	case metadata.KindSubview:
		return newSubviewFlusher(r, vt, a, pathPrefix, paramPrefix)
	case metadata.KindCollection:
		if a.IsIndexed() && !a.IsInverse() {
			return newIndexedListFlusher(r, vt, a, r.opts.CollectionStatements)
		}
		return newCollectionFlusher(r, vt, a, r.opts.CollectionStatements)
	case metadata.KindMap:
		return newMapFlusher(r, vt, a, r.opts.CollectionStatements)
	default:
		return newBasicFlusher(r, vt, a, pathPrefix, paramPrefix)
	}
}

type templateKey struct {
	viewType  string
	signature string
	versioned bool
}

// template returns the cached statement for key, building it on a miss.
func (r *Registry) template(key templateKey, build func() *persistence.UpdateStatement) *persistence.UpdateStatement {
	if cached, ok := r.templates.Get(key); ok {
		templateLookups.WithLabelValues("hit").Inc()
		return cached.(*persistence.UpdateStatement)
	}
	templateLookups.WithLabelValues("miss").Inc()
	stmt := build()
	r.templates.Add(key, stmt)
	return stmt
}
