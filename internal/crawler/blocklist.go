package crawler

import (
	"slices"
	"strings"

	"github.com/JakeFAU/llm-reader/internal/blockade"
)

// denyList matches hosts against the statically configured blocked domains.
// "*.example.com" and ".example.com" match the domain and every subdomain;
// anything else must match exactly.
type denyList struct {
	exact    map[string]struct{}
	suffixes []string
}

func newDenyList(patterns []string) *denyList {
	d := &denyList{exact: make(map[string]struct{})}
	for _, raw := range patterns {
		value := strings.ToLower(strings.TrimSpace(raw))
		var wildcard bool
		for _, prefix := range []string{"*.", "."} {
			if strings.HasPrefix(value, prefix) {
				value, wildcard = strings.TrimPrefix(value, prefix), true
				break
			}
		}
		value = blockade.NormalizeDomain(value)
		switch {
		case value == "":
		case wildcard && !slices.Contains(d.suffixes, value):
			d.suffixes = append(d.suffixes, value)
		case !wildcard:
			d.exact[value] = struct{}{}
		}
	}
	if len(d.exact) == 0 && len(d.suffixes) == 0 {
		return nil
	}
	return d
}

func (d *denyList) blocks(host string) bool {
	if d == nil {
		return false
	}
	host = blockade.NormalizeDomain(host)
	if host == "" {
		return false
	}
	if _, ok := d.exact[host]; ok {
		return true
	}
	for _, suffix := range d.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}
