package http2

func staticField(k, v string) HeaderField {
	return HeaderField{
		key:   []byte(k),
		value: []byte(v),
	}
}

// staticTable is the static header table defined in RFC 7541
// Appendix A. Indexing starts at 1.
var staticTable = [...]HeaderField{
	staticField(":authority", ""),
	staticField(":method", "GET"),
	staticField(":method", "POST"),
	staticField(":path", "/"),
	staticField(":path", "/index.html"),
	staticField(":scheme", "http"),
	staticField(":scheme", "https"),
	staticField(":status", "200"),
	staticField(":status", "204"),
	staticField(":status", "206"),
	staticField(":status", "304"),
	staticField(":status", "400"),
	staticField(":status", "404"),
	staticField(":status", "500"),
	staticField("accept-charset", ""),
	staticField("accept-encoding", "gzip, deflate"),
	staticField("accept-language", ""),
	staticField("accept-ranges", ""),
	staticField("accept", ""),
	staticField("access-control-allow-origin", ""),
	staticField("age", ""),
	staticField("allow", ""),
	staticField("authorization", ""),
	staticField("cache-control", ""),
	staticField("content-disposition", ""),
	staticField("content-encoding", ""),
	staticField("content-language", ""),
	staticField("content-length", ""),
	staticField("content-location", ""),
	staticField("content-range", ""),
	staticField("content-type", ""),
	staticField("cookie", ""),
	staticField("date", ""),
	staticField("etag", ""),
	staticField("expect", ""),
	staticField("expires", ""),
	staticField("from", ""),
	staticField("host", ""),
	staticField("if-match", ""),
	staticField("if-modified-since", ""),
	staticField("if-none-match", ""),
	staticField("if-range", ""),
	staticField("if-unmodified-since", ""),
	staticField("last-modified", ""),
	staticField("link", ""),
	staticField("location", ""),
	staticField("max-forwards", ""),
	staticField("proxy-authenticate", ""),
	staticField("proxy-authorization", ""),
	staticField("range", ""),
	staticField("referer", ""),
	staticField("refresh", ""),
	staticField("retry-after", ""),
	staticField("server", ""),
	staticField("set-cookie", ""),
	staticField("strict-transport-security", ""),
	staticField("transfer-encoding", ""),
	staticField("user-agent", ""),
	staticField("vary", ""),
	staticField("via", ""),
	staticField("www-authenticate", ""),
}
