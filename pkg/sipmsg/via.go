package sipmsg

import (
	"fmt"
	"strconv"
	"strings"
)

// ViaHeader is one entry of a (possibly multi-valued) Via header.
type ViaHeader struct {
	Transport  string // "UDP", "TCP", ...
	Host       string
	Port       int
	ParamNames []string
	Params     map[string]string
}

// ParseVia parses a single "SIP/2.0/UDP host:port;branch=...;rport" entry.
// The caller splits a comma-joined Via line into entries before calling this.
func ParseVia(raw string) (*ViaHeader, error) {
	s := strings.TrimSpace(raw)
	const prefix = "SIP/2.0/"
	idx := strings.Index(strings.ToUpper(s), prefix)
	if idx != 0 {
		return nil, fmt.Errorf("%w: Via missing SIP/2.0/ prefix", ErrMalformedHeader)
	}
	s = s[len(prefix):]

	spaceIdx := strings.IndexAny(s, " \t")
	if spaceIdx < 0 {
		return nil, fmt.Errorf("%w: Via missing sent-by", ErrMalformedHeader)
	}
	v := &ViaHeader{Transport: strings.ToUpper(s[:spaceIdx]), Params: make(map[string]string)}
	rest := strings.TrimSpace(s[spaceIdx:])

	semi := strings.Index(rest, ";")
	sentBy := rest
	if semi >= 0 {
		sentBy = rest[:semi]
		paramsPart := rest[semi+1:]
		for _, p := range strings.Split(paramsPart, ";") {
			if p == "" {
				continue
			}
			if eq := strings.Index(p, "="); eq >= 0 {
				name, val := p[:eq], p[eq+1:]
				if _, exists := v.Params[name]; !exists {
					v.ParamNames = append(v.ParamNames, name)
				}
				v.Params[name] = val
			} else {
				if _, exists := v.Params[p]; !exists {
					v.ParamNames = append(v.ParamNames, p)
				}
				v.Params[p] = ""
			}
		}
	}

	sentBy = strings.TrimSpace(sentBy)
	if colon := strings.LastIndex(sentBy, ":"); colon >= 0 {
		port, err := strconv.Atoi(sentBy[colon+1:])
		if err != nil {
			return nil, fmt.Errorf("%w: bad Via port", ErrMalformedHeader)
		}
		v.Host = sentBy[:colon]
		v.Port = port
	} else {
		v.Host = sentBy
	}

	return v, nil
}

// HasParam reports whether the named parameter is present (flag or valued).
func (v *ViaHeader) HasParam(name string) bool {
	_, ok := v.Params[name]
	return ok
}

// SetParam sets name=value, preserving existing parameter order, or
// appending a new one at the end.
func (v *ViaHeader) SetParam(name, value string) {
	if _, exists := v.Params[name]; !exists {
		v.ParamNames = append(v.ParamNames, name)
	}
	v.Params[name] = value
}

// RemoveParam deletes name if present; a no-op otherwise, keeping callers
// that always call it idempotent.
func (v *ViaHeader) RemoveParam(name string) {
	if _, exists := v.Params[name]; !exists {
		return
	}
	delete(v.Params, name)
	for i, n := range v.ParamNames {
		if n == name {
			v.ParamNames = append(v.ParamNames[:i], v.ParamNames[i+1:]...)
			break
		}
	}
}

func (v *ViaHeader) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "SIP/2.0/%s %s", v.Transport, v.Host)
	if v.Port != 0 {
		fmt.Fprintf(&sb, ":%d", v.Port)
	}
	for _, name := range v.ParamNames {
		sb.WriteString(";")
		sb.WriteString(name)
		if val := v.Params[name]; val != "" {
			sb.WriteString("=")
			sb.WriteString(val)
		}
	}
	return sb.String()
}
