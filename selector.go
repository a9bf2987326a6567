package langclient

// DocumentSelector decides which documents a session synchronizes with
// its server. A document matches when its language identifier is in
// Languages, or when Predicate returns true; the criteria are combined
// with a logical OR. With neither configured, no document matches and
// the session tracks nothing.
type DocumentSelector struct {
	// Languages is the set of accepted language identifiers.
	Languages []string

	// Predicate is an arbitrary caller-supplied test over the document.
	Predicate func(doc Document) bool
}

// Matches reports whether the session should track doc.
func (s DocumentSelector) Matches(doc Document) bool {
	for _, lang := range s.Languages {
		if lang == doc.LanguageID {
			return true
		}
	}
	if s.Predicate != nil && s.Predicate(doc) {
		return true
	}
	return false
}
