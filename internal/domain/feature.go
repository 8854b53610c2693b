package domain

import (
	"fmt"
	"sort"
	"strings"
)

// Feature gates one group of read endpoints
type Feature string

const (
	FeatureQuery          Feature = "QUERY"
	FeaturePets           Feature = "PETS"
	FeatureLowestBin      Feature = "LOWESTBIN"
	FeatureUnderBin       Feature = "UNDERBIN"
	FeatureAverageAuction Feature = "AVERAGE_AUCTION"
	FeatureAverageBin     Feature = "AVERAGE_BIN"
)

// AllFeatures lists every known feature
var AllFeatures = []Feature{
	FeatureQuery,
	FeaturePets,
	FeatureLowestBin,
	FeatureUnderBin,
	FeatureAverageAuction,
	FeatureAverageBin,
}

// FeatureSet is the set of enabled features
type FeatureSet map[Feature]bool

// ParseFeatures accepts names separated by "+" or "," (QUERY+PETS), or "ALL"
func ParseFeatures(names []string) (FeatureSet, error) {
	set := make(FeatureSet)
	for _, raw := range names {
		for _, part := range strings.FieldsFunc(raw, func(r rune) bool { return r == '+' || r == ',' }) {
			name := Feature(strings.ToUpper(strings.TrimSpace(part)))
			if name == "" {
				continue
			}
			if name == "ALL" {
				for _, f := range AllFeatures {
					set[f] = true
				}
				continue
			}
			if !isKnownFeature(name) {
				return nil, fmt.Errorf("unknown feature %q", name)
			}
			set[name] = true
		}
	}

	if len(set) == 0 {
		return nil, fmt.Errorf("no features enabled")
	}
	if set[FeatureUnderBin] && !set[FeatureLowestBin] {
		return nil, fmt.Errorf("feature %s requires %s", FeatureUnderBin, FeatureLowestBin)
	}
	return set, nil
}

func isKnownFeature(f Feature) bool {
	for _, known := range AllFeatures {
		if f == known {
			return true
		}
	}
	return false
}

// Enabled reports whether f is on
func (s FeatureSet) Enabled(f Feature) bool {
	return s[f]
}

// List returns the enabled features sorted by name
func (s FeatureSet) List() []string {
	out := make([]string, 0, len(s))
	for f, on := range s {
		if on {
			out = append(out, string(f))
		}
	}
	sort.Strings(out)
	return out
}
