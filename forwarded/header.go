// Package forwarded parses the HTTP Forwarded header (RFC 7239 section 4).
//
// The parser is lenient: unknown parameters are ignored and malformed
// values are kept as they are. The only failure is a header value that is
// not text. Whole parameters are lowercased before matching, values
// included, so case sensitive host names or obfuscated identifiers come
// back lowercased.
package forwarded

import (
	"encoding/json"
	"net/http"
	"strings"
)

// HeaderName is the canonical name of the Forwarded header
const HeaderName = "Forwarded"

// A Header represents the parameters of a single Forwarded header value
type Header struct {
	forEntries []string
	by         param
	host       param
	proto      param
}

type param struct {
	value string
	set   bool
}

// For returns the for entries in header order
func (h Header) For() []string {
	if h.forEntries == nil {
		return nil
	}

	entries := make([]string, len(h.forEntries))
	copy(entries, h.forEntries)

	return entries
}

// By returns the by parameter, if any
func (h Header) By() (string, bool) {
	return h.by.value, h.by.set
}

// Host returns the host parameter, if any
func (h Header) Host() (string, bool) {
	return h.host.value, h.host.set
}

// Proto returns the proto parameter, if any
func (h Header) Proto() (string, bool) {
	return h.proto.value, h.proto.set
}

// Empty reports whether no known parameter was found
func (h Header) Empty() bool {
	return len(h.forEntries) == 0 && !h.by.set && !h.host.set && !h.proto.set
}

// Parse parses a Forwarded header value
func Parse(raw string) (Header, error) {
	if err := checkEncoding(raw); err != nil {
		return Header{}, &ParseError{Value: raw, Err: err}
	}

	var h Header

	for _, segment := range strings.Split(raw, ";") {
		segment = strings.ToLower(strings.TrimSpace(segment))

		switch {
		case strings.HasPrefix(segment, "for=") || strings.HasPrefix(segment, "for ="):
			// A single segment may carry repeats: for=192.0.2.43, for=198.51.100.17
			for _, piece := range strings.Split(segment, ",") {
				h.forEntries = append(h.forEntries, lastValue(strings.TrimSpace(piece)))
			}
		case strings.HasPrefix(segment, "by="):
			h.by = param{lastValue(segment), true}
		case strings.HasPrefix(segment, "host="):
			h.host = param{lastValue(segment), true}
		case strings.HasPrefix(segment, "proto="):
			h.proto = param{lastValue(segment), true}
		}
	}

	return h, nil
}

// ParseBytes parses a Forwarded header value given as raw bytes
func ParseBytes(raw []byte) (Header, error) {
	return Parse(string(raw))
}

// FromHeader parses the Forwarded field of h. The boolean is false if the
// field is missing. Only the first field value is considered.
func FromHeader(h http.Header) (Header, bool, error) {
	values, ok := h[HeaderName]
	if !ok || len(values) == 0 {
		return Header{}, false, nil
	}

	parsed, err := Parse(values[0])
	if err != nil {
		return Header{}, true, err
	}

	return parsed, true, nil
}

// lastValue returns everything after the last '=', or s itself
func lastValue(s string) string {
	return s[strings.LastIndexByte(s, '=')+1:]
}

// String renders the known parameters only
func (h Header) String() string {
	var parts []string

	if len(h.forEntries) > 0 {
		entries := make([]string, 0, len(h.forEntries))
		for _, e := range h.forEntries {
			entries = append(entries, "for="+e)
		}

		parts = append(parts, strings.Join(entries, ", "))
	}

	for _, p := range []struct {
		key string
		param
	}{
		{"by", h.by},
		{"host", h.host},
		{"proto", h.proto},
	} {
		if p.set {
			parts = append(parts, p.key+"="+p.value)
		}
	}

	return strings.Join(parts, ";")
}

// GoString is used by the %#v verb
func (h Header) GoString() string {
	return "forwarded.Header{" + h.String() + "}"
}

type jsonHeader struct {
	For   []string `json:"for"`
	By    *string  `json:"by,omitempty"`
	Host  *string  `json:"host,omitempty"`
	Proto *string  `json:"proto,omitempty"`
}

// MarshalJSON encodes the known parameters, omitting absent ones
func (h Header) MarshalJSON() ([]byte, error) {
	j := jsonHeader{
		For: h.For(),
	}

	if j.For == nil {
		j.For = []string{}
	}

	if v, ok := h.By(); ok {
		j.By = &v
	}

	if v, ok := h.Host(); ok {
		j.Host = &v
	}

	if v, ok := h.Proto(); ok {
		j.Proto = &v
	}

	return json.Marshal(j)
}
