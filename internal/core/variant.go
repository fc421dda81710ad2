package core

// NormalizeWeights scales weights so they sum to 1.0, keeping input order.
// A list whose weights sum to zero or less is replaced by a single control
// variant so a selection always exists.
func NormalizeWeights(variants []Variant) []Variant {
	var total float64
	for _, v := range variants {
		total += v.Weight
	}

	if total <= 0 {
		return []Variant{{Key: ControlVariant, Weight: 1}}
	}

	normalized := make([]Variant, len(variants))
	for i, v := range variants {
		normalized[i] = Variant{Key: v.Key, Weight: v.Weight / total}
	}

	return normalized
}

// SelectVariant picks the variant whose cumulative weight range
// (previous, cumulative] contains bucket. A bucket sitting exactly on a
// boundary goes to the variant that ends there.
//
// The boolean is false when rounding left the bucket above the final
// cumulative total; the control variant is returned in that case.
func SelectVariant(bucket float64, variants []Variant) (string, bool) {
	var cumulative float64
	for _, v := range NormalizeWeights(variants) {
		cumulative += v.Weight
		if bucket <= cumulative {
			return v.Key, true
		}
	}

	return ControlVariant, false
}
