package sipmsg

import "strings"

// viaHeader is the canonical long name the codec folds every compact form
// and alternate capitalization into, per spec §4.A.
const viaHeader = "Via"

// compactForms maps the RFC 3261 compact header tokens to their long names.
var compactForms = map[string]string{
	"v": "Via",
	"f": "From",
	"t": "To",
	"i": "Call-ID",
	"m": "Contact",
	"c": "Content-Type",
	"l": "Content-Length",
	"k": "Supported",
}

// canonicalNames lists the well-known headers so serialization reproduces
// their standard capitalization instead of echoing whatever the peer sent.
var canonicalNames = map[string]string{
	"via":            "Via",
	"from":           "From",
	"to":             "To",
	"call-id":        "Call-ID",
	"contact":        "Contact",
	"content-type":   "Content-Type",
	"content-length": "Content-Length",
	"cseq":           "CSeq",
	"max-forwards":   "Max-Forwards",
	"supported":      "Supported",
	"allow":          "Allow",
	"record-route":   "Record-Route",
	"route":          "Route",
	"user-agent":     "User-Agent",
	"expires":        "Expires",
	"accept":         "Accept",
}

// multiValued lists the headers the codec keeps as an ordered list rather
// than collapsing to the first occurrence (spec §4.A: "Via is intrinsically
// multi-valued... all other headers retain the first occurrence unless
// explicitly multi-valued").
var multiValued = map[string]bool{
	"via":          true,
	"record-route": true,
	"route":        true,
}

func normalizeName(name string) string {
	lower := strings.ToLower(strings.TrimSpace(name))
	if long, ok := compactForms[lower]; ok {
		return strings.ToLower(long)
	}
	return lower
}

func canonicalName(lowerName string) string {
	if canon, ok := canonicalNames[lowerName]; ok {
		return canon
	}
	// Title-case each hyphen-separated segment for headers we don't special-case.
	parts := strings.Split(lowerName, "-")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, "-")
}

// Headers is a case-insensitive, order-preserving multi-map of SIP headers.
type Headers struct {
	values map[string][]string
	order  []string // order of first appearance, by normalized (lowercase) name
}

// NewHeaders returns an empty header set.
func NewHeaders() *Headers {
	return &Headers{values: make(map[string][]string)}
}

// Get returns the first value of name, or "" if absent.
func (h *Headers) Get(name string) string {
	vs := h.GetAll(name)
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

// GetAll returns every value of name, in arrival order.
func (h *Headers) GetAll(name string) []string {
	return h.values[normalizeName(name)]
}

// Set replaces every existing value of name with value.
func (h *Headers) Set(name, value string) {
	norm := normalizeName(name)
	if _, exists := h.values[norm]; !exists {
		h.order = append(h.order, norm)
	}
	h.values[norm] = []string{value}
}

// Add appends value to name's list, registering a new multi-valued entry.
func (h *Headers) Add(name, value string) {
	norm := normalizeName(name)
	if _, exists := h.values[norm]; !exists {
		h.order = append(h.order, norm)
	}
	h.values[norm] = append(h.values[norm], value)
}

// Remove deletes every value of name.
func (h *Headers) Remove(name string) {
	norm := normalizeName(name)
	delete(h.values, norm)
	for i, n := range h.order {
		if n == norm {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
}

// Has reports whether name has at least one value.
func (h *Headers) Has(name string) bool {
	return len(h.values[normalizeName(name)]) > 0
}

// Clone deep-copies the header set so a retransmitted request can be
// mutated (e.g. NAT Via rewrite) without aliasing the original.
func (h *Headers) Clone() *Headers {
	c := NewHeaders()
	c.order = append(c.order, h.order...)
	for k, v := range h.values {
		c.values[k] = append([]string(nil), v...)
	}
	return c
}

// writeTo renders every header as "Name: value\r\n", one line per value,
// using canonical capitalization (spec §4.A).
func (h *Headers) writeTo(sb *strings.Builder) {
	for _, norm := range h.order {
		canon := canonicalName(norm)
		for _, v := range h.values[norm] {
			sb.WriteString(canon)
			sb.WriteString(": ")
			sb.WriteString(v)
			sb.WriteString("\r\n")
		}
	}
}

// isMultiValued reports whether name accumulates values instead of being
// overwritten by repeated Set calls during parsing.
func isMultiValued(normalizedName string) bool {
	return multiValued[normalizedName]
}
