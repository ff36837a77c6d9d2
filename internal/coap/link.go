package coap

import "strings"

// Link is one entry of a CoRE Link-Format document (RFC 6690), as served
// by a node's /.well-known/core resource.
type Link struct {
	Path  string
	Attrs map[string]string
}

// ParseLinks parses a comma-separated CoRE Link-Format payload into its
// entries. Malformed entries (missing the <path> delimiters) are skipped.
func ParseLinks(payload string) []Link {
	var links []Link
	for _, entry := range strings.Split(payload, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ";")
		path := strings.TrimSpace(parts[0])
		if !strings.HasPrefix(path, "<") || !strings.HasSuffix(path, ">") {
			continue
		}
		path = strings.TrimSuffix(strings.TrimPrefix(path, "<"), ">")

		attrs := make(map[string]string, len(parts)-1)
		for _, attr := range parts[1:] {
			kv := strings.SplitN(attr, "=", 2)
			key := strings.TrimSpace(kv[0])
			if key == "" {
				continue
			}
			val := ""
			if len(kv) == 2 {
				val = strings.Trim(strings.TrimSpace(kv[1]), `"`)
			}
			attrs[key] = val
		}
		links = append(links, Link{Path: path, Attrs: attrs})
	}
	return links
}
