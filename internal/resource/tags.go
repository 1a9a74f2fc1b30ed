package resource

import "sort"

// tagDiff returns the tags to set and the keys to remove to move a resource
// from prior to next.
func tagDiff(prior, next map[string]string) (map[string]string, []string) {
	set := map[string]string{}
	for k, v := range next {
		if old, ok := prior[k]; !ok || old != v {
			set[k] = v
		}
	}
	var remove []string
	for k := range prior {
		if _, ok := next[k]; !ok {
			remove = append(remove, k)
		}
	}
	sort.Strings(remove)
	return set, remove
}
