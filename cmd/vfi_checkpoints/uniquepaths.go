package main

import (
	"path/filepath"
	"slices"
	"strings"
)

// MinimalUniquePaths returns, for each record path, the shortest label that tells it apart from the others:
// the path components where it differs from the other paths. A single path is returned as is.
func MinimalUniquePaths(paths ...string) []string {
	if len(paths) <= 1 {
		return paths
	}
	split := make([][]string, len(paths))
	for ii, path := range paths {
		split[ii] = strings.Split(filepath.Clean(path), string(filepath.Separator))
	}

	labels := make([]string, len(paths))
	for ii, parts := range split {
		var diffs []int
		for jj, other := range split {
			if ii == jj {
				continue
			}
			for kk := range min(len(parts), len(other)) {
				if parts[kk] != other[kk] && !slices.Contains(diffs, kk) {
					diffs = append(diffs, kk)
				}
			}
		}
		slices.Sort(diffs)
		switch len(diffs) {
		case 0:
			labels[ii] = parts[len(parts)-1]
		case 1:
			labels[ii] = parts[diffs[0]]
		default:
			labels[ii] = parts[diffs[0]] + "..." + parts[diffs[len(diffs)-1]]
		}
	}
	return labels
}
