package preview

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/KostasNoreika/claude-studio/internal/errdefs"
	"github.com/KostasNoreika/claude-studio/internal/session"
)

// CSP rewrite modes.
const (
	ModeNonce = "nonce"
	ModeHash  = "hash"
)

// SessionSource is the slice of the session manager the proxy needs.
type SessionSource interface {
	Get(sessionID string) (session.Info, error)
	SetPreviewPort(sessionID string, port int) error
	ContainerAddress(ctx context.Context, sessionID string) (string, error)
	Touch(sessionID string)
}

// Config tunes the proxy.
type Config struct {
	PublicBase   string // externally visible base URL, e.g. http://localhost:8088
	MaxBodyBytes int64  // HTML bodies above this pass through untransformed
	CSPMode      string // ModeNonce or ModeHash
}

// Proxy forwards preview requests to a session's pinned sandbox target and
// instruments HTML responses on the way back.
type Proxy struct {
	sessions SessionSource
	policy   *PortPolicy
	cfg      Config
	client   *http.Client
}

func NewProxy(sessions SessionSource, policy *PortPolicy, cfg Config) *Proxy {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 2 << 20
	}
	if cfg.CSPMode == "" {
		cfg.CSPMode = ModeNonce
	}
	return &Proxy{
		sessions: sessions,
		policy:   policy,
		cfg:      cfg,
		client: &http.Client{
			Timeout: 30 * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				// Redirects go back to the browser untouched.
				return http.ErrUseLastResponse
			},
		},
	}
}

// ConfigureResult is returned from a successful Configure call.
type ConfigureResult struct {
	PreviewURL string `json:"previewUrl"`
	TargetURL  string `json:"targetUrl"`
}

// Configure validates the requested port and pins the forwarding target to
// the session's own container address. The target can never be an
// externally supplied host: it is resolved through the gateway and checked
// against the internal-network guard before anything is persisted.
func (p *Proxy) Configure(ctx context.Context, sessionID string, port int) (ConfigureResult, error) {
	if err := p.policy.Validate(port); err != nil {
		return ConfigureResult{}, err
	}

	info, err := p.sessions.Get(sessionID)
	if err != nil {
		return ConfigureResult{}, err
	}
	if info.Status != session.StatusRunning {
		return ConfigureResult{}, &errdefs.StateError{
			Msg: fmt.Sprintf("session %s is %s, not running", sessionID, info.Status),
		}
	}

	addr, err := p.sessions.ContainerAddress(ctx, sessionID)
	if err != nil {
		return ConfigureResult{}, err
	}
	if err := ValidateTarget(addr); err != nil {
		return ConfigureResult{}, err
	}

	if err := p.sessions.SetPreviewPort(sessionID, port); err != nil {
		return ConfigureResult{}, err
	}

	log.Printf("[preview] session %s: port %d pinned to %s", sessionID, port, addr)
	return ConfigureResult{
		PreviewURL: fmt.Sprintf("%s/preview/%s/", strings.TrimRight(p.cfg.PublicBase, "/"), sessionID),
		TargetURL:  fmt.Sprintf("http://%s:%d", addr, port),
	}, nil
}

// Forward proxies one request to the session's pinned target. The target
// host and port come exclusively from Configure-time state; only the path,
// query, method, body, and a header subset travel from the caller.
func (p *Proxy) Forward(w http.ResponseWriter, r *http.Request, sessionID, rest string) error {
	info, err := p.sessions.Get(sessionID)
	if err != nil {
		return err
	}
	if info.Status != session.StatusRunning {
		return &errdefs.StateError{
			Msg: fmt.Sprintf("session %s is %s, not running", sessionID, info.Status),
		}
	}
	if info.PreviewPort == 0 {
		return &errdefs.PolicyError{Msg: "preview not configured for this session"}
	}

	addr, err := p.sessions.ContainerAddress(r.Context(), sessionID)
	if err != nil {
		return err
	}

	target := fmt.Sprintf("http://%s:%d/%s", addr, info.PreviewPort, strings.TrimPrefix(rest, "/"))
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	out, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		return fmt.Errorf("build preview request: %w", err)
	}
	copyRequestHeaders(out, r)

	resp, err := p.client.Do(out)
	if err != nil {
		return &errdefs.StateError{Msg: fmt.Sprintf("preview target unreachable: %v", err), CanRetry: true}
	}
	defer resp.Body.Close()

	p.sessions.Touch(sessionID)
	p.writeResponse(w, resp)
	return nil
}

// copyRequestHeaders forwards the caller's headers minus hop-by-hop ones and
// stamps the forwarding chain.
func copyRequestHeaders(out *http.Request, in *http.Request) {
	for k, vals := range in.Header {
		switch http.CanonicalHeaderKey(k) {
		case "Connection", "Keep-Alive", "Transfer-Encoding", "Upgrade",
			"Proxy-Authorization", "Proxy-Connection", "Te", "Trailer":
			continue
		}
		for _, v := range vals {
			out.Header.Add(k, v)
		}
	}

	clientIP := in.RemoteAddr
	if host, _, err := net.SplitHostPort(in.RemoteAddr); err == nil {
		clientIP = host
	}
	if prior := in.Header.Get("X-Forwarded-For"); prior != "" {
		out.Header.Set("X-Forwarded-For", prior+", "+clientIP)
	} else {
		out.Header.Set("X-Forwarded-For", clientIP)
	}
	proto := "http"
	if in.TLS != nil {
		proto = "https"
	}
	out.Header.Set("X-Forwarded-Proto", proto)
	out.Header.Set("X-Real-IP", clientIP)
}

// writeResponse relays the upstream response, instrumenting HTML bodies
// that fit within the transform budget. Oversized or streaming bodies pass
// through byte-for-byte.
func (p *Proxy) writeResponse(w http.ResponseWriter, resp *http.Response) {
	isHTML := strings.Contains(strings.ToLower(resp.Header.Get("Content-Type")), "text/html")
	// Unknown-length (streaming) and oversized bodies are never buffered.
	bypass := resp.ContentLength < 0 || resp.ContentLength > p.cfg.MaxBodyBytes

	if !isHTML || bypass {
		relayHeaders(w, resp, "")
		w.WriteHeader(resp.StatusCode)
		io.Copy(w, resp.Body)
		return
	}

	// Buffer up to the budget plus one byte to detect overflow.
	body, err := io.ReadAll(io.LimitReader(resp.Body, p.cfg.MaxBodyBytes+1))
	if err != nil {
		log.Printf("[preview] read upstream body: %v", err)
		relayHeaders(w, resp, "")
		w.WriteHeader(resp.StatusCode)
		w.Write(body)
		io.Copy(w, resp.Body)
		return
	}
	if int64(len(body)) > p.cfg.MaxBodyBytes {
		relayHeaders(w, resp, "")
		w.WriteHeader(resp.StatusCode)
		w.Write(body)
		io.Copy(w, resp.Body)
		return
	}

	nonce := ""
	token := ScriptHash
	if p.cfg.CSPMode == ModeNonce {
		nonce = NewNonce()
		token = fmt.Sprintf("'nonce-%s'", nonce)
	}

	transformed := InjectScript(body, nonce)
	relayHeaders(w, resp, token)
	w.Header().Set("Content-Length", fmt.Sprint(len(transformed)))
	w.WriteHeader(resp.StatusCode)
	w.Write(transformed)
}

// relayHeaders copies upstream response headers. A non-empty cspToken
// rewrites any Content-Security-Policy to admit the injected script;
// Content-Length is skipped because transformation may change it.
func relayHeaders(w http.ResponseWriter, resp *http.Response, cspToken string) {
	for k, vals := range resp.Header {
		canon := http.CanonicalHeaderKey(k)
		if cspToken != "" && (canon == "Content-Length" || canon == "Content-Security-Policy") {
			continue
		}
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	if cspToken != "" {
		if csp := resp.Header.Get("Content-Security-Policy"); csp != "" {
			w.Header().Set("Content-Security-Policy", RewriteCSP(csp, cspToken))
		}
	}
}
