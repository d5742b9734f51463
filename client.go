package main

// SPDX-License-Identifier: GPL-3.0-only

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/proxy"
)

// Rate-limited HTTP client (C1). Single point of contact with the remote
// site: every public method funnels through requestGate, which enforces
// the minimum inter-request delay, and through doRequest, which applies
// the 404-permitted/200-only response-code policy uniformly.
//
// Grounded on furtrap's client.go for the overall struct shape (client +
// state held on one object, context-scoped timeouts per request) and on
// original_source's service/web/WebClient.java for the per-endpoint method
// list and the single-inflight request-delay contract.
const (
	httpTimeout     = 30 * time.Second
	httpUserAgent   = "rippanda/1.0"
	maxMetadataGids = 25
)

// IDToken is an (id, token) pair identifying a gallery, used when batching
// metadata requests.
type IDToken struct {
	ID    uint64
	Token string
}

// FileWriter receives a downloaded file's inferred MIME type, filename, and
// body stream, and reports whether it accepted the content (used by the
// torrent and zip archivers' failAcceptable retry protocols).
type FileWriter func(mimeType, filename string, body io.Reader) (bool, error)

// HTTPClient is the concrete C1 implementation.
type HTTPClient struct {
	logger *slog.Logger
	client *http.Client
	base   *url.URL

	mu             sync.Mutex
	requestDelay   time.Duration
	lastRequestEnd time.Time
}

// NewHTTPClient constructs an HTTPClient against baseURL, with the given
// minimum inter-request delay and optional SOCKS5 proxy address ("" for
// none). The cookie jar is seeded from cookieHeader, a "k=v; k=v" string,
// scoped to baseURL's host.
func NewHTTPClient(logger *slog.Logger, baseURL string, requestDelay time.Duration, proxyAddr string, cookieHeader string) (*HTTPClient, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", baseURL, err)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		fatalInvariant(fmt.Errorf("failed to create cookie jar: %w", err))
	}

	transport, err := buildTransport(proxyAddr)
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{
		Jar:       jar,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return nil // follow redirects; we want the final URL for filename inference
		},
	}

	c := &HTTPClient{
		logger:       logger,
		client:       httpClient,
		base:         base,
		requestDelay: requestDelay,
	}

	if err := c.seedCookies(base, cookieHeader); err != nil {
		return nil, err
	}

	return c, nil
}

// buildTransport constructs an *http.Transport, wiring a SOCKS5 dialer when
// proxyAddr is non-empty. golang.org/x/net/proxy's SOCKS5 dialer sends the
// hostname to the proxy unresolved — local DNS never resolves a request
// host in proxy mode, satisfying §4.1 contract 4 without a separate
// fake-DNS-resolver construct (see DESIGN.md).
func buildTransport(proxyAddr string) (*http.Transport, error) {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
	}

	if proxyAddr == "" {
		return transport, nil
	}

	dialer, err := proxy.SOCKS5("tcp", proxyAddr, nil, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("failed to configure SOCKS5 proxy %q: %w", proxyAddr, err)
	}
	contextDialer, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("SOCKS5 dialer does not support context-aware dialing")
	}
	transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		return contextDialer.DialContext(ctx, network, addr)
	}
	return transport, nil
}

// seedCookies parses a "k=v; k=v" header string, scopes each cookie to
// base's host, adds nw=1, and drops event/__cfduid — matching §6's
// "Required cookie" contract.
func (c *HTTPClient) seedCookies(base *url.URL, header string) error {
	cookies := parseCookieHeader(header)

	delete(cookies, "event")
	delete(cookies, "__cfduid")
	cookies["nw"] = "1"

	if _, ok := cookies["ipb_member_id"]; !ok {
		return ErrNoMemberID
	}

	var httpCookies []*http.Cookie
	for name, value := range cookies {
		httpCookies = append(httpCookies, &http.Cookie{
			Name:   name,
			Value:  value,
			Domain: base.Hostname(),
			Path:   "/",
		})
	}
	c.client.Jar.SetCookies(base, httpCookies)
	return nil
}

func parseCookieHeader(header string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(header, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		out[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}
	return out
}

// MemberID returns the ipb_member_id cookie value, which doubles as the
// success-file id for this user.
func (c *HTTPClient) MemberID() string {
	for _, cookie := range c.client.Jar.Cookies(c.base) {
		if cookie.Name == "ipb_member_id" {
			return cookie.Value
		}
	}
	return ""
}

// requestGate blocks until lastRequestEnd+requestDelay has elapsed,
// honouring ctx cancellation. Call immediately before issuing the request;
// the caller is responsible for calling recordRequestEnd on every exit
// path afterward, including errors.
func (c *HTTPClient) requestGate(ctx context.Context) error {
	c.mu.Lock()
	wait := time.Until(c.lastRequestEnd.Add(c.requestDelay))
	c.mu.Unlock()

	if wait <= 0 {
		return nil
	}
	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *HTTPClient) recordRequestEnd() {
	c.mu.Lock()
	c.lastRequestEnd = time.Now()
	c.mu.Unlock()
}

// allow404 controls whether doRequest treats a 404 response as a
// successful fetch (the caller inspects the body for "Gallery Not
// Available") or as ErrHTTPNotFound.
type responsePolicy int

const (
	policy200Only responsePolicy = iota
	policyAllow404
)

// doRequest is the single choke point through which every HTTP request
// passes: it applies the request gate, executes req, updates
// lastRequestEnd on every exit path, and applies the response-code policy.
func (c *HTTPClient) doRequest(ctx context.Context, req *http.Request, policy responsePolicy) (*http.Response, error) {
	if err := c.requestGate(ctx); err != nil {
		return nil, err
	}

	req.Header.Set("User-Agent", httpUserAgent)
	req = req.WithContext(ctx)

	resp, err := c.client.Do(req)
	c.recordRequestEnd()
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", req.URL, err)
	}

	if resp.StatusCode == http.StatusNotFound && policy == policyAllow404 {
		return resp, nil
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%s: %w", req.URL, ErrHTTPNotFound)
		}
		return nil, fmt.Errorf("%s: %w: %s", req.URL, ErrHTTPStatusNotOK, resp.Status)
	}
	return resp, nil
}

func (c *HTTPClient) newContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), httpTimeout)
}

func (c *HTTPClient) resolve(path string) string {
	ref, err := url.Parse(path)
	if err != nil {
		fatalInvariant(fmt.Errorf("invalid relative path %q: %w", path, err))
	}
	return c.base.ResolveReference(ref).String()
}

// LoadMetadata POSTs to /api.php with the gdata method, returning the
// parsed metadata objects keyed by gallery id. Rejects more than 25 pairs.
func (c *HTTPClient) LoadMetadata(pairs []IDToken) (map[uint64]map[string]any, error) {
	if len(pairs) > maxMetadataGids {
		return nil, ErrTooManyGids
	}

	gidlist := make([][2]string, len(pairs))
	for i, p := range pairs {
		gidlist[i] = [2]string{strconv.FormatUint(p.ID, 10), p.Token}
	}
	body, err := json.Marshal(map[string]any{
		"method":    "gdata",
		"gidlist":   gidlist,
		"namespace": 1,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := c.newContext()
	defer cancel()

	req, err := http.NewRequest(http.MethodPost, c.resolve("/api.php"), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.doRequest(ctx, req, policy200Only)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var parsed struct {
		Gmetadata []map[string]any `json:"gmetadata"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding metadata response: %w", err)
	}

	out := make(map[uint64]map[string]any, len(parsed.Gmetadata))
	for _, m := range parsed.Gmetadata {
		idF, ok := m["gid"].(float64)
		if !ok {
			continue
		}
		out[uint64(idF)] = m
	}
	return out, nil
}

// LoadPage fetches /g/<id>/<token>. A 404 is a successful fetch — the
// caller inspects the returned document for the "Gallery Not Available"
// title.
func (c *HTTPClient) LoadPage(id uint64, token string) (*goquery.Document, error) {
	return c.getDocument(fmt.Sprintf("/g/%d/%s", id, token), policyAllow404)
}

// LoadMpvPage fetches /mpv/<id>/<token>.
func (c *HTTPClient) LoadMpvPage(id uint64, token string) (*goquery.Document, error) {
	return c.getDocument(fmt.Sprintf("/mpv/%d/%s", id, token), policyAllow404)
}

// LoadTorrentPage fetches /gallerytorrents.php?gid=<id>&t=<token>.
func (c *HTTPClient) LoadTorrentPage(id uint64, token string) (*goquery.Document, error) {
	return c.getDocument(fmt.Sprintf("/gallerytorrents.php?gid=%d&t=%s", id, token), policyAllow404)
}

// LoadExpungeLogPage fetches /g/<id>/<token>?act=expunge.
func (c *HTTPClient) LoadExpungeLogPage(id uint64, token string) (*goquery.Document, error) {
	return c.getDocument(fmt.Sprintf("/g/%d/%s?act=expunge", id, token), policyAllow404)
}

// LoadArchivePreparationPage POSTs to the site-provided archiver URL with
// the "download original archive" form body.
func (c *HTTPClient) LoadArchivePreparationPage(archiverURL string) (*goquery.Document, error) {
	ctx, cancel := c.newContext()
	defer cancel()

	form := strings.NewReader("dltype=org&dlcheck=Download+Original+Archive")
	req, err := http.NewRequest(http.MethodPost, archiverURL, form)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.doRequest(ctx, req, policyAllow404)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	return goquery.NewDocumentFromReader(resp.Body)
}

// LoadDocument GETs an arbitrary absolute URL (200-only).
func (c *HTTPClient) LoadDocument(rawURL string) (*goquery.Document, error) {
	ctx, cancel := c.newContext()
	defer cancel()

	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.doRequest(ctx, req, policy200Only)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	return goquery.NewDocumentFromReader(resp.Body)
}

// LoadLocalDocument parses an on-disk HTML file with the site's base URI
// set as the document base, so relative links resolve the same way a
// freshly fetched page's links would.
func (c *HTTPClient) LoadLocalDocument(path string) (*goquery.Document, error) {
	//#nosec G304: path comes from a directory walk over configured archive roots
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening local document %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	doc, err := goquery.NewDocumentFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("parsing local document %s: %w", path, err)
	}
	doc.Url = c.base
	return doc, nil
}

func (c *HTTPClient) getDocument(path string, policy responsePolicy) (*goquery.Document, error) {
	ctx, cancel := c.newContext()
	defer cancel()

	req, err := http.NewRequest(http.MethodGet, c.resolve(path), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.doRequest(ctx, req, policy)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parsing document from %s: %w", path, err)
	}
	doc.Url = resp.Request.URL
	return doc, nil
}

// DownloadFile GETs url and hands the response's inferred filename, MIME
// type, and body stream to writer, returning writer's reported acceptance.
func (c *HTTPClient) DownloadFile(rawURL string, writer FileWriter) (bool, error) {
	ctx, cancel := c.newContext()
	defer cancel()

	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return false, err
	}
	resp, err := c.doRequest(ctx, req, policy200Only)
	if err != nil {
		return false, err
	}
	defer func() { _ = resp.Body.Close() }()

	filename := inferFilename(resp)
	mimeType := resp.Header.Get("Content-Type")
	if mt, _, err := mime.ParseMediaType(mimeType); err == nil {
		mimeType = mt
	}

	return writer(mimeType, filename, resp.Body)
}

// inferFilename prefers Content-Disposition's filename parameter, decoded
// from ISO-8859-1 to UTF-8 with HTML entities unescaped, falling back to
// the last path segment of the final (post-redirect) URL. Go's http.Client
// already exposes resp.Request.URL as the final request URL after
// following redirects, so no manual Location-header chasing is required.
func inferFilename(resp *http.Response) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if fn, ok := params["filename"]; ok && fn != "" {
				return html.UnescapeString(decodeLatin1(fn))
			}
		}
	}
	finalURL := resp.Request.URL
	segments := strings.Split(finalURL.Path, "/")
	return segments[len(segments)-1]
}

func decodeLatin1(s string) string {
	runes := make([]rune, 0, len(s))
	for i := 0; i < len(s); i++ {
		runes = append(runes, rune(s[i]))
	}
	return string(runes)
}
