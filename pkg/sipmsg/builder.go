package sipmsg

import (
	"fmt"
	"strconv"
	"strings"
)

// RequestBuilder is a fluent builder for outbound requests, adapted from
// the teacher's pkg/sip/message/builder.go RequestBuilder.
type RequestBuilder struct {
	req         *Request
	maxForwards int
}

func BuildRequest(method string, uri *URI) *RequestBuilder {
	return &RequestBuilder{req: NewRequest(strings.ToUpper(method), uri), maxForwards: 70}
}

func (b *RequestBuilder) Via(transport, host string, port int, branch string) *RequestBuilder {
	via := fmt.Sprintf("SIP/2.0/%s %s:%d", strings.ToUpper(transport), host, port)
	if branch != "" {
		via += ";branch=" + branch
	}
	b.req.headers.Add("Via", via)
	return b
}

func (b *RequestBuilder) ViaParam(name, value string) *RequestBuilder {
	vias := b.req.headers.GetAll("Via")
	if len(vias) == 0 {
		return b
	}
	vh, err := ParseVia(vias[0])
	if err != nil {
		return b
	}
	vh.SetParam(name, value)
	b.req.headers.values["via"][0] = vh.String()
	return b
}

func (b *RequestBuilder) From(uri *URI, tag string) *RequestBuilder {
	b.req.headers.Set("From", formatNameAddr(uri, tag))
	return b
}

func (b *RequestBuilder) To(uri *URI, tag string) *RequestBuilder {
	b.req.headers.Set("To", formatNameAddr(uri, tag))
	return b
}

func (b *RequestBuilder) CallID(callID string) *RequestBuilder {
	b.req.headers.Set("Call-ID", callID)
	return b
}

func (b *RequestBuilder) CSeq(seq int, method string) *RequestBuilder {
	b.req.headers.Set("CSeq", fmt.Sprintf("%d %s", seq, strings.ToUpper(method)))
	return b
}

func (b *RequestBuilder) Contact(uri *URI) *RequestBuilder {
	b.req.headers.Set("Contact", fmt.Sprintf("<%s>", uri.String()))
	return b
}

func (b *RequestBuilder) MaxForwards(v int) *RequestBuilder {
	b.maxForwards = v
	return b
}

func (b *RequestBuilder) Header(name, value string) *RequestBuilder {
	b.req.headers.Add(name, value)
	return b
}

func (b *RequestBuilder) Route(uri *URI) *RequestBuilder {
	b.req.headers.Add("Route", fmt.Sprintf("<%s>", uri.String()))
	return b
}

func (b *RequestBuilder) Body(contentType string, body []byte) *RequestBuilder {
	b.req.body = body
	if len(body) > 0 {
		b.req.headers.Set("Content-Type", contentType)
	}
	b.req.headers.Set("Content-Length", strconv.Itoa(len(body)))
	return b
}

func (b *RequestBuilder) Build() *Request {
	if b.req.headers.Get("Max-Forwards") == "" {
		b.req.headers.Set("Max-Forwards", strconv.Itoa(b.maxForwards))
	}
	if b.req.headers.Get("Content-Length") == "" {
		b.req.headers.Set("Content-Length", strconv.Itoa(len(b.req.body)))
	}
	return b.req
}

// ResponseBuilder mirrors RequestBuilder for status-line replies.
type ResponseBuilder struct {
	resp *Response
}

func BuildResponse(status int, reason string) *ResponseBuilder {
	return &ResponseBuilder{resp: NewResponse(status, reason)}
}

// FromRequest copies Via (all entries), From, To, Call-ID and CSeq from the
// request being answered, as every SIP response must, per RFC 3261.
func (b *ResponseBuilder) FromRequest(req *Request) *ResponseBuilder {
	for _, v := range req.headers.GetAll("Via") {
		b.resp.headers.Add("Via", v)
	}
	b.resp.headers.Set("From", req.headers.Get("From"))
	b.resp.headers.Set("To", req.headers.Get("To"))
	b.resp.headers.Set("Call-ID", req.headers.Get("Call-ID"))
	b.resp.headers.Set("CSeq", req.headers.Get("CSeq"))
	return b
}

// ToTag appends ;tag=tag to the To header if it isn't already tagged
// (spec §4.F "Header rules for responses").
func (b *ResponseBuilder) ToTag(tag string) *ResponseBuilder {
	to := b.resp.headers.Get("To")
	if tag == "" || strings.Contains(to, ";tag=") {
		return b
	}
	b.resp.headers.Set("To", to+";tag="+tag)
	return b
}

func (b *ResponseBuilder) Contact(uri *URI) *ResponseBuilder {
	b.resp.headers.Set("Contact", fmt.Sprintf("<%s>", uri.String()))
	return b
}

func (b *ResponseBuilder) Header(name, value string) *ResponseBuilder {
	b.resp.headers.Add(name, value)
	return b
}

func (b *ResponseBuilder) Body(contentType string, body []byte) *ResponseBuilder {
	b.resp.body = body
	if len(body) > 0 {
		b.resp.headers.Set("Content-Type", contentType)
	}
	b.resp.headers.Set("Content-Length", strconv.Itoa(len(body)))
	return b
}

func (b *ResponseBuilder) Build() *Response {
	if b.resp.headers.Get("Content-Length") == "" {
		b.resp.headers.Set("Content-Length", strconv.Itoa(len(b.resp.body)))
	}
	return b.resp
}

func formatNameAddr(uri *URI, tag string) string {
	s := fmt.Sprintf("<%s>", uri.String())
	if tag != "" {
		s += ";tag=" + tag
	}
	return s
}
