package merge

// KnownAssets is the user-curated set of canonical account and asset display
// names. It is consulted only for conflict resolution, never for
// fingerprinting.
type KnownAssets map[string]struct{}

// Contains reports whether name is a recognized asset.
func (k KnownAssets) Contains(name string) bool {
	_, ok := k[name]
	return ok
}

// SelectBetterAccount resolves a conflict between a candidate's value (source)
// and the existing record's value (target) for one mergeable text field:
//
//   - an empty side loses to the other;
//   - a recognized asset name displaces an unrecognized one, regardless of
//     arrival order;
//   - when both or neither are recognized, the existing value is sticky and a
//     later report does not overwrite it.
func SelectBetterAccount(source, target string, known KnownAssets) string {
	if source == "" {
		return target
	}
	if target == "" {
		return source
	}

	sourceKnown := known.Contains(source)
	targetKnown := known.Contains(target)
	if sourceKnown != targetKnown {
		if sourceKnown {
			return source
		}
		return target
	}

	return target
}
