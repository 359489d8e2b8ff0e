package preview

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
)

// injectMarker identifies an already-instrumented document. Injection is
// idempotent: a proxied page passing through twice is never double-injected.
const injectMarker = `data-studio-instrument`

// instrumentJS is the console capture bootstrap injected into previewed
// pages. It tees console calls to the real console and posts a serialized
// copy to the console endpoint.
const instrumentJS = `(function(){var L=["log","info","warn","error","debug"];var s=function(v){try{if(v instanceof Error)return{kind:"error",message:v.message,stack:v.stack||"",name:v.name};if(v&&v.tagName)return{kind:"element",tag:v.tagName,id:v.id||"",className:v.className||""};if(v===null||["string","number","boolean"].indexOf(typeof v)>=0)return v;if(typeof v==="function")return{kind:"function",name:v.name||""};return JSON.parse(JSON.stringify(v))}catch(e){return{kind:"circular",preview:String(v)}}};L.forEach(function(l){var o=console[l];console[l]=function(){o.apply(console,arguments);try{var a=Array.prototype.slice.call(arguments).map(s);fetch("/api/console",{method:"POST",headers:{"Content-Type":"application/json"},body:JSON.stringify({type:"console:"+l,level:l,args:a,timestamp:Date.now(),url:location.href,source:"console"})})}catch(e){}}})})();`

// ScriptHash is the precomputed content hash of the instrumentation script,
// for CSP hash mode.
var ScriptHash = fmt.Sprintf("'sha256-%s'", base64.StdEncoding.EncodeToString(sha256Sum(instrumentJS)))

func sha256Sum(s string) []byte {
	sum := sha256.Sum256([]byte(s))
	return sum[:]
}

// NewNonce returns a fresh base64 nonce for one response.
func NewNonce() string {
	b := make([]byte, 16)
	rand.Read(b)
	return base64.StdEncoding.EncodeToString(b)
}

// scriptTag renders the instrumentation tag. The nonce attribute is omitted
// in hash mode (empty nonce).
func scriptTag(nonce string) []byte {
	if nonce == "" {
		return []byte(fmt.Sprintf(`<script %s>%s</script>`, injectMarker, instrumentJS))
	}
	return []byte(fmt.Sprintf(`<script %s nonce=%q>%s</script>`, injectMarker, nonce, instrumentJS))
}

// InjectScript inserts the instrumentation script into an HTML document:
// immediately before a literal </head> when present, otherwise immediately
// after the opening <body> tag, otherwise at the very start. The bytes
// around the insertion point are preserved exactly. Already-instrumented
// documents are returned unchanged.
func InjectScript(body []byte, nonce string) []byte {
	if bytes.Contains(body, []byte(injectMarker)) {
		return body
	}
	tag := scriptTag(nonce)
	lower := bytes.ToLower(body)

	if i := bytes.Index(lower, []byte("</head>")); i >= 0 {
		return spliceAt(body, i, tag)
	}
	if i := bytes.Index(lower, []byte("<body")); i >= 0 {
		if end := bytes.IndexByte(body[i:], '>'); end >= 0 {
			return spliceAt(body, i+end+1, tag)
		}
	}
	return spliceAt(body, 0, tag)
}

// spliceAt inserts tag at offset i without touching any surrounding byte.
func spliceAt(body []byte, i int, tag []byte) []byte {
	out := make([]byte, 0, len(body)+len(tag))
	out = append(out, body[:i]...)
	out = append(out, tag...)
	out = append(out, body[i:]...)
	return out
}

// RewriteCSP adds token (a 'nonce-…' or 'sha256-…' source) to the
// script-src directive of a Content-Security-Policy header value. Other
// directives keep their text and order. When no script-src exists, a new
// directive scoped to 'self' plus the token is appended.
func RewriteCSP(header, token string) string {
	parts := strings.Split(header, ";")
	found := false
	for i, part := range parts {
		name := strings.Fields(strings.TrimSpace(part))
		if len(name) > 0 && strings.EqualFold(name[0], "script-src") {
			parts[i] = strings.TrimRight(part, " ") + " " + token
			found = true
		}
	}
	if !found {
		joined := strings.TrimRight(strings.TrimSpace(header), ";")
		if joined == "" {
			return "script-src 'self' " + token
		}
		return joined + "; script-src 'self' " + token
	}
	return strings.Join(parts, ";")
}
