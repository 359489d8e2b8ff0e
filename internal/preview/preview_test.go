package preview

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"

	"github.com/KostasNoreika/claude-studio/internal/errdefs"
	"github.com/KostasNoreika/claude-studio/internal/session"
)

func TestPolicyBlocksSensitivePorts(t *testing.T) {
	p := DefaultPolicy()

	// Blocked regardless of the numeric range.
	for _, port := range []int{22, 3306, 6379} {
		err := p.Validate(port)
		var pe *errdefs.PolicyError
		if !errors.As(err, &pe) {
			t.Errorf("port %d: expected policy rejection, got %v", port, err)
		}
	}

	if err := p.Validate(80); err == nil {
		t.Error("port below range must be rejected")
	}
	if err := p.Validate(8080); err != nil {
		t.Errorf("port 8080 should pass: %v", err)
	}
}

func TestPolicyLoadsFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ports.yaml")
	data := "min_port: 3000\nmax_port: 3999\nblocked_ports: [3306]\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	p, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := p.Validate(3306); err == nil {
		t.Error("blocked port from file should be rejected")
	}
	if err := p.Validate(8080); err == nil {
		t.Error("port outside file range should be rejected")
	}
	if err := p.Validate(3500); err != nil {
		t.Errorf("in-range port rejected: %v", err)
	}
}

func TestValidateTarget(t *testing.T) {
	if err := ValidateTarget("172.18.0.5"); err != nil {
		t.Errorf("private address rejected: %v", err)
	}
	for _, addr := range []string{"8.8.8.8", "example.com", ""} {
		if err := ValidateTarget(addr); err == nil {
			t.Errorf("target %q should be rejected", addr)
		}
	}
}

func TestInjectBeforeHead(t *testing.T) {
	in := []byte(`<html><head><title>x</title></head><body>hi</body></html>`)
	out := InjectScript(in, "abc")

	s := string(out)
	if !strings.Contains(s, `</head>`) {
		t.Fatal("closing head tag lost")
	}
	idx := strings.Index(s, "</head>")
	if !strings.HasSuffix(s[:idx], "</script>") {
		t.Error("script must sit immediately before </head>")
	}
	// Surrounding markup is byte-identical.
	if !strings.HasPrefix(s, `<html><head><title>x</title>`) {
		t.Error("markup before insertion point changed")
	}
	if !strings.HasSuffix(s, `</head><body>hi</body></html>`) {
		t.Error("markup after insertion point changed")
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		t.Fatal(err)
	}
	sel := doc.Find("head script[" + injectMarker + "]")
	if sel.Length() != 1 {
		t.Fatalf("expected one instrumented script in head, found %d", sel.Length())
	}
	if nonce, _ := sel.Attr("nonce"); nonce != "abc" {
		t.Errorf("nonce attribute = %q, want abc", nonce)
	}
}

func TestInjectAfterBodyWhenNoHead(t *testing.T) {
	in := []byte(`<html><body class="app">content</body></html>`)
	s := string(InjectScript(in, ""))

	if !strings.Contains(s, `<body class="app"><script`) {
		t.Error("script must follow the opening body tag immediately")
	}

	doc, _ := goquery.NewDocumentFromReader(strings.NewReader(s))
	if doc.Find("body script[" + injectMarker + "]").Length() != 1 {
		t.Error("instrumented script missing from body")
	}
}

func TestInjectPrependsAsLastResort(t *testing.T) {
	in := []byte(`<p>fragment</p>`)
	s := string(InjectScript(in, ""))
	if !strings.HasPrefix(s, "<script") {
		t.Error("script must be prepended when no head or body exists")
	}
	if !strings.HasSuffix(s, `<p>fragment</p>`) {
		t.Error("original fragment changed")
	}
}

func TestInjectIsIdempotent(t *testing.T) {
	in := []byte(`<html><head></head><body></body></html>`)
	once := InjectScript(in, "n1")
	twice := InjectScript(once, "n2")
	if string(once) != string(twice) {
		t.Error("second pass must not inject again")
	}
}

func TestRewriteCSPWithExistingScriptSrc(t *testing.T) {
	in := `default-src 'self'; script-src 'self'`
	out := RewriteCSP(in, "'nonce-abc'")
	if out != `default-src 'self'; script-src 'self' 'nonce-abc'` {
		t.Errorf("unexpected rewrite: %q", out)
	}
}

func TestRewriteCSPAppendsWhenMissing(t *testing.T) {
	in := `default-src 'self'; img-src data:`
	out := RewriteCSP(in, "'nonce-abc'")
	if !strings.HasPrefix(out, in) {
		t.Errorf("existing directives disturbed: %q", out)
	}
	if !strings.HasSuffix(out, `script-src 'self' 'nonce-abc'`) {
		t.Errorf("new script-src missing: %q", out)
	}
}

func TestRewriteCSPPreservesDirectiveOrder(t *testing.T) {
	in := `img-src data:; script-src 'self'; style-src 'unsafe-inline'`
	out := RewriteCSP(in, ScriptHash)
	parts := strings.Split(out, ";")
	if len(parts) != 3 {
		t.Fatalf("directive count changed: %q", out)
	}
	if !strings.Contains(parts[0], "img-src") || !strings.Contains(parts[2], "style-src") {
		t.Errorf("directive order changed: %q", out)
	}
	if !strings.Contains(parts[1], "sha256-") {
		t.Errorf("hash token missing from script-src: %q", out)
	}
}

// fakeSessions pins every session to 127.0.0.1 so Forward hits a local
// test upstream.
type fakeSessions struct {
	status  session.Status
	port    int
	addr    string
	touched int
}

func (f *fakeSessions) Get(id string) (session.Info, error) {
	if id != "s1" {
		return session.Info{}, &errdefs.NotFoundError{Resource: "session", ID: id}
	}
	return session.Info{SessionID: id, Status: f.status, PreviewPort: f.port}, nil
}
func (f *fakeSessions) SetPreviewPort(id string, port int) error {
	f.port = port
	return nil
}
func (f *fakeSessions) ContainerAddress(context.Context, string) (string, error) {
	return f.addr, nil
}
func (f *fakeSessions) Touch(string) { f.touched++ }

func upstreamPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	var port int
	fmt.Sscanf(u.Port(), "%d", &port)
	return port
}

func TestForwardInstrumentsHTML(t *testing.T) {
	var gotXFF, gotProto string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotXFF = r.Header.Get("X-Forwarded-For")
		gotProto = r.Header.Get("X-Forwarded-Proto")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Content-Security-Policy", "default-src 'self'; script-src 'self'")
		w.Write([]byte(`<html><head></head><body>app</body></html>`))
	}))
	defer upstream.Close()

	fs := &fakeSessions{status: session.StatusRunning, port: upstreamPort(t, upstream), addr: "127.0.0.1"}
	p := NewProxy(fs, DefaultPolicy(), Config{PublicBase: "http://edge", CSPMode: ModeNonce})

	req := httptest.NewRequest(http.MethodGet, "http://edge/preview/s1/index.html", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	rec := httptest.NewRecorder()
	if err := p.Forward(rec, req, "s1", "index.html"); err != nil {
		t.Fatalf("forward: %v", err)
	}

	body := rec.Body.String()
	if !strings.Contains(body, injectMarker) {
		t.Error("HTML response was not instrumented")
	}
	csp := rec.Header().Get("Content-Security-Policy")
	if !strings.Contains(csp, "'nonce-") {
		t.Errorf("CSP not rewritten with nonce: %q", csp)
	}
	if !strings.HasPrefix(csp, "default-src 'self'") {
		t.Errorf("unrelated directive disturbed: %q", csp)
	}
	if gotXFF != "10.1.2.3" {
		t.Errorf("X-Forwarded-For = %q", gotXFF)
	}
	if gotProto != "http" {
		t.Errorf("X-Forwarded-Proto = %q", gotProto)
	}
	if fs.touched == 0 {
		t.Error("forwarding must count as session activity")
	}
}

func TestForwardPassesNonHTMLThrough(t *testing.T) {
	payload := `{"ok":true}`
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(payload))
	}))
	defer upstream.Close()

	fs := &fakeSessions{status: session.StatusRunning, port: upstreamPort(t, upstream), addr: "127.0.0.1"}
	p := NewProxy(fs, DefaultPolicy(), Config{})

	req := httptest.NewRequest(http.MethodGet, "http://edge/preview/s1/api", nil)
	rec := httptest.NewRecorder()
	if err := p.Forward(rec, req, "s1", "api"); err != nil {
		t.Fatalf("forward: %v", err)
	}
	if rec.Body.String() != payload {
		t.Errorf("non-HTML body changed: %q", rec.Body.String())
	}
}

func TestForwardOversizedHTMLBypassesTransform(t *testing.T) {
	big := strings.Repeat("x", 4096)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html><head></head><body>" + big + "</body></html>"))
	}))
	defer upstream.Close()

	fs := &fakeSessions{status: session.StatusRunning, port: upstreamPort(t, upstream), addr: "127.0.0.1"}
	p := NewProxy(fs, DefaultPolicy(), Config{MaxBodyBytes: 1024})

	req := httptest.NewRequest(http.MethodGet, "http://edge/preview/s1/", nil)
	rec := httptest.NewRecorder()
	if err := p.Forward(rec, req, "s1", ""); err != nil {
		t.Fatalf("forward: %v", err)
	}
	if strings.Contains(rec.Body.String(), injectMarker) {
		t.Error("oversized body must pass through untransformed")
	}
}

func TestForwardRequiresRunningSession(t *testing.T) {
	fs := &fakeSessions{status: session.StatusStopped, port: 8080, addr: "127.0.0.1"}
	p := NewProxy(fs, DefaultPolicy(), Config{})

	req := httptest.NewRequest(http.MethodGet, "http://edge/preview/s1/", nil)
	err := p.Forward(httptest.NewRecorder(), req, "s1", "")
	var se *errdefs.StateError
	if !errors.As(err, &se) {
		t.Errorf("expected state error for non-running session, got %v", err)
	}
}

func TestForwardRequiresConfiguredPort(t *testing.T) {
	fs := &fakeSessions{status: session.StatusRunning, port: 0, addr: "127.0.0.1"}
	p := NewProxy(fs, DefaultPolicy(), Config{})

	req := httptest.NewRequest(http.MethodGet, "http://edge/preview/s1/", nil)
	err := p.Forward(httptest.NewRecorder(), req, "s1", "")
	var pe *errdefs.PolicyError
	if !errors.As(err, &pe) {
		t.Errorf("expected policy error for unconfigured preview, got %v", err)
	}
}

func TestConfigurePinsTargetToContainer(t *testing.T) {
	fs := &fakeSessions{status: session.StatusRunning, addr: "172.18.0.5"}
	p := NewProxy(fs, DefaultPolicy(), Config{PublicBase: "http://edge/"})

	res, err := p.Configure(context.Background(), "s1", 8080)
	if err != nil {
		t.Fatalf("configure: %v", err)
	}
	if res.TargetURL != "http://172.18.0.5:8080" {
		t.Errorf("target = %q", res.TargetURL)
	}
	if res.PreviewURL != "http://edge/preview/s1/" {
		t.Errorf("preview url = %q", res.PreviewURL)
	}
	if fs.port != 8080 {
		t.Error("port not persisted")
	}
}

func TestConfigureRejectsNonInternalTarget(t *testing.T) {
	fs := &fakeSessions{status: session.StatusRunning, addr: "8.8.8.8"}
	p := NewProxy(fs, DefaultPolicy(), Config{})

	_, err := p.Configure(context.Background(), "s1", 8080)
	var pe *errdefs.PolicyError
	if !errors.As(err, &pe) {
		t.Errorf("external target must be rejected, got %v", err)
	}
	if fs.port != 0 {
		t.Error("nothing may be persisted after a rejected configure")
	}
}
