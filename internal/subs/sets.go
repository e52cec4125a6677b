package subs

import (
	"encoding/json"
	"sort"
)

// Sets are stored as sorted JSON arrays. Sorting keeps encodings canonical
// so identical sets always produce identical bytes.

func decodeStrings(b []byte) []string {
	if len(b) == 0 {
		return nil
	}
	var out []string
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return out
}

func encodeStrings(set []string) []byte {
	sort.Strings(set)
	b, _ := json.Marshal(set)
	return b
}

func decodeInt64s(b []byte) []int64 {
	if len(b) == 0 {
		return nil
	}
	var out []int64
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return out
}

func encodeInt64s(set []int64) []byte {
	sort.Slice(set, func(i, j int) bool { return set[i] < set[j] })
	b, _ := json.Marshal(set)
	return b
}

func addString(set []string, v string) ([]string, bool) {
	for _, s := range set {
		if s == v {
			return set, false
		}
	}
	return append(set, v), true
}

func removeString(set []string, v string) ([]string, bool) {
	for i, s := range set {
		if s == v {
			return append(set[:i], set[i+1:]...), true
		}
	}
	return set, false
}

func addInt64(set []int64, v int64) ([]int64, bool) {
	for _, s := range set {
		if s == v {
			return set, false
		}
	}
	return append(set, v), true
}

func removeInt64(set []int64, v int64) ([]int64, bool) {
	for i, s := range set {
		if s == v {
			return append(set[:i], set[i+1:]...), true
		}
	}
	return set, false
}
