package storage

// PageReader is the minimal read surface a Codec needs to decode a value:
// either a live Transaction (which redirects through its update map) or a
// published Snapshot (which reads committed pages directly). Codecs never
// touch a PageFile directly; this keeps commit atomicity solely the
// transaction's concern, per the Codec Registry contract.
type PageReader interface {
	ReadPage(page PageId) ([]byte, error)
	SlicePage(page PageId, count uint32) (*Window, error)
	UnslicePage(w *Window) error
}

// Codec marshals and unmarshals a single typed object to and from pages. A
// codec is pure with respect to a transaction: Remove is the only method
// that may schedule page-table changes, and it does so purely through the
// transaction's own allocator/update-map operations, never by touching the
// page file directly. Encode/Decode are pure functions with no side
// effects; tx.Put defers calling Encode until commit, so puts pay the
// encoding cost at most once even if a page is overwritten many times
// before commit.
type Codec interface {
	// Name disambiguates this codec's entries in a snapshot's per-page
	// object cache; it should be stable and unique per registered type.
	Name() string

	// Encode marshals value to at most one page's worth of bytes; commit
	// zero-pads the result to the full page size.
	Encode(value any) ([]byte, error)

	// Decode unmarshals a page's worth of bytes back into a value.
	Decode(buf []byte) (any, error)

	// Load decodes the value stored at page, reading through r and calling
	// Decode. The default pattern is r.ReadPage(page) then Decode; codecs
	// whose values span more than one page use r.SlicePage instead.
	Load(r PageReader, page PageId) (any, error)

	// Remove schedules the update(s) needed to release page (and any
	// auxiliary pages it owns) via tx.
	Remove(tx *Transaction, page PageId) error
}

// Registry is a lookup of codecs by name, for callers that must pick a
// codec dynamically. The flush worker and the other call sites in this
// module hold a concrete Codec value directly and do not use the registry.
type Registry struct {
	codecs map[string]Codec
}

// NewRegistry creates an empty codec registry.
func NewRegistry() *Registry {
	return &Registry{codecs: make(map[string]Codec)}
}

// Register adds c under its own Name(). It panics on a duplicate name,
// since that indicates a programming error wiring up the store, not a
// runtime condition.
func (r *Registry) Register(c Codec) {
	if _, exists := r.codecs[c.Name()]; exists {
		panic("storage: codec already registered: " + c.Name())
	}
	r.codecs[c.Name()] = c
}

// Lookup returns the codec registered under name, if any.
func (r *Registry) Lookup(name string) (Codec, bool) {
	c, ok := r.codecs[name]
	return c, ok
}
