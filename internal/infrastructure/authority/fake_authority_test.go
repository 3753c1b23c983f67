package authority

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/erp/dte/internal/infrastructure/xmlsig"
	"github.com/erp/dte/tests/testutil"
	"github.com/stretchr/testify/require"
)

const testSenderRUT = "12345678-5"

// fakeAuthority imitates the authority's seed, token, upload, lookup and
// status services closely enough to drive every client path
type fakeAuthority struct {
	t   *testing.T
	srv *httptest.Server

	mu        sync.Mutex
	seeds     int
	tokens    int
	uploads   int
	lookups   int
	polls     int
	received  map[string]string // set id -> track id
	statuses  map[string]string // track id -> RESPUESTA body
	nextTrack int
	validTok  string
	lastForm  map[string]string

	// uploadHook runs before the upload is processed. It returns true
	// when it has fully handled the request.
	uploadHook func(n int, w http.ResponseWriter, r *http.Request) bool
	// afterReceive runs once the envelope is registered and may replace
	// the normal receipt
	afterReceive func(n int, w http.ResponseWriter) bool
	lookupHook   func(n int, w http.ResponseWriter) bool
}

func newFakeAuthority(t *testing.T) *fakeAuthority {
	f := &fakeAuthority{
		t:         t,
		received:  make(map[string]string),
		statuses:  make(map[string]string),
		nextTrack: 7000,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /seed", f.handleSeed)
	mux.HandleFunc("POST /token", f.handleToken)
	mux.HandleFunc("POST /upload", f.handleUpload)
	mux.HandleFunc("GET /upload/lookup", f.handleLookup)
	mux.HandleFunc("GET /status", f.handleStatus)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeAuthority) count(field *int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *field
}

func (f *fakeAuthority) form() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastForm
}

func (f *fakeAuthority) setStatus(trackID, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[trackID] = body
}

func (f *fakeAuthority) handleSeed(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	f.seeds++
	f.mu.Unlock()
	writeXML(w, `<?xml version="1.0" encoding="UTF-8"?>`+
		`<SII:RESPUESTA xmlns:SII="http://www.sii.cl/XMLSchema">`+
		`<SII:RESP_BODY><SEMILLA>033495028213</SEMILLA></SII:RESP_BODY>`+
		`<SII:RESP_HDR><ESTADO>00</ESTADO></SII:RESP_HDR></SII:RESPUESTA>`)
}

func (f *fakeAuthority) handleToken(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	require.NoError(f.t, err)
	doc, err := xmlsig.ReadDocument(body)
	require.NoError(f.t, err)
	root := doc.Root()
	if _, err := xmlsig.VerifyEnveloped(root, root, ""); err != nil {
		writeXML(w, `<RESPUESTA><RESP_HDR><ESTADO>-07</ESTADO><GLOSA>Firma invalida</GLOSA></RESP_HDR></RESPUESTA>`)
		return
	}
	if seed := root.FindElement("./item/Semilla"); seed == nil || seed.Text() != "033495028213" {
		writeXML(w, `<RESPUESTA><RESP_HDR><ESTADO>10</ESTADO><GLOSA>Semilla invalida</GLOSA></RESP_HDR></RESPUESTA>`)
		return
	}

	f.mu.Lock()
	f.tokens++
	f.validTok = fmt.Sprintf("TKN%d", f.tokens)
	tok := f.validTok
	f.mu.Unlock()
	writeXML(w, `<SII:RESPUESTA xmlns:SII="http://www.sii.cl/XMLSchema"><SII:RESP_BODY><TOKEN>`+tok+
		`</TOKEN></SII:RESP_BODY><SII:RESP_HDR><ESTADO>00</ESTADO><GLOSA>Token Creado</GLOSA></SII:RESP_HDR></SII:RESPUESTA>`)
}

func (f *fakeAuthority) authorized(r *http.Request) bool {
	c, err := r.Cookie("TOKEN")
	f.mu.Lock()
	defer f.mu.Unlock()
	return err == nil && c.Value == f.validTok
}

func (f *fakeAuthority) handleUpload(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.uploads++
	n := f.uploads
	f.mu.Unlock()

	if f.uploadHook != nil && f.uploadHook(n, w, r) {
		return
	}
	if !f.authorized(r) {
		writeXML(w, receipt("5", ""))
		return
	}

	require.NoError(f.t, r.ParseMultipartForm(1<<20))
	form := map[string]string{}
	for _, k := range []string{"rutSender", "dvSender", "rutCompany", "dvCompany"} {
		form[k] = r.FormValue(k)
	}
	file, _, err := r.FormFile("archivo")
	require.NoError(f.t, err)
	data, err := io.ReadAll(file)
	require.NoError(f.t, err)
	doc, err := xmlsig.ReadDocument(data)
	require.NoError(f.t, err)
	setID := doc.FindElement("//SetDTE").SelectAttrValue("ID", "")

	f.mu.Lock()
	f.lastForm = form
	f.nextTrack++
	trackID := fmt.Sprint(f.nextTrack)
	f.received[setID] = trackID
	f.mu.Unlock()

	if f.afterReceive != nil && f.afterReceive(n, w) {
		return
	}
	writeXML(w, receipt("0", trackID))
}

func (f *fakeAuthority) handleLookup(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.lookups++
	n := f.lookups
	trackID, ok := f.received[r.URL.Query().Get("setId")]
	f.mu.Unlock()

	if f.lookupHook != nil && f.lookupHook(n, w) {
		return
	}
	if !ok {
		writeXML(w, `<RESPUESTA><RESP_HDR><ESTADO>-11</ESTADO><GLOSA>No existe</GLOSA></RESP_HDR></RESPUESTA>`)
		return
	}
	writeXML(w, `<RESPUESTA><RESP_HDR><ESTADO>0</ESTADO></RESP_HDR><RESP_BODY><TRACKID>`+trackID+`</TRACKID></RESP_BODY></RESPUESTA>`)
}

func (f *fakeAuthority) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !f.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	f.mu.Lock()
	f.polls++
	body, ok := f.statuses[r.URL.Query().Get("trackId")]
	f.mu.Unlock()
	if !ok {
		body = statusBody("REC", "Envio recibido")
	}
	writeXML(w, body)
}

func writeXML(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/xml")
	_, _ = io.WriteString(w, body)
}

func receipt(status, trackID string) string {
	return `<?xml version="1.0"?><RECEPCIONDTE><RUTSENDER>12345678-5</RUTSENDER>` +
		`<RUTCOMPANY>76543210-3</RUTCOMPANY><FILE>envio.xml</FILE>` +
		`<TIMESTAMP>2026-03-10 12:00:01</TIMESTAMP><STATUS>` + status + `</STATUS>` +
		`<TRACKID>` + trackID + `</TRACKID></RECEPCIONDTE>`
}

func statusBody(state, glosa string, details ...string) string {
	var b strings.Builder
	b.WriteString(`<SII:RESPUESTA xmlns:SII="http://www.sii.cl/XMLSchema"><SII:RESP_HDR><ESTADO>`)
	b.WriteString(state)
	b.WriteString(`</ESTADO><GLOSA>`)
	b.WriteString(glosa)
	b.WriteString(`</GLOSA></SII:RESP_HDR><SII:RESP_BODY>`)
	for _, d := range details {
		b.WriteString(d)
	}
	b.WriteString(`</SII:RESP_BODY></SII:RESPUESTA>`)
	return b.String()
}

func detail(tipo, folio int, state, glosa string) string {
	return fmt.Sprintf(`<DETALLE><TIPO>%d</TIPO><FOLIO>%d</FOLIO><ESTADO>%s</ESTADO><GLOSA>%s</GLOSA></DETALLE>`,
		tipo, folio, state, glosa)
}

// dropConnection closes the connection without answering, as when the
// authority's response never arrives
func dropConnection(t *testing.T, w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	require.True(t, ok)
	conn, _, err := hj.Hijack()
	require.NoError(t, err)
	_ = conn.Close()
}

func envelopePayload(setID string) []byte {
	return []byte(`<?xml version="1.0" encoding="ISO-8859-1"?><EnvioDTE xmlns="http://www.sii.cl/SiiDte" version="1.0"><SetDTE ID="` +
		setID + `"><Caratula version="1.0"/></SetDTE></EnvioDTE>`)
}

// refusingDialer fails the first n dials as if the authority refused the connection
type refusingDialer struct {
	remaining atomic.Int32
	dialer    net.Dialer
}

func (d *refusingDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if d.remaining.Add(-1) >= 0 {
		return nil, &net.OpError{Op: "dial", Net: network, Err: errors.New("connection refused")}
	}
	return d.dialer.DialContext(ctx, network, addr)
}

func newTestClient(t *testing.T, f *fakeAuthority, mutate func(*Config), opts ...Option) *Client {
	t.Helper()
	cfg := Config{
		BaseURL:        f.srv.URL,
		RequestTimeout: 2 * time.Second,
		MaxAttempts:    4,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     4 * time.Millisecond,
		RetryWindow:    5 * time.Second,
		TokenTTL:       time.Hour,
		SenderRUT:      testSenderRUT,
		CompanyRUT:     testutil.IssuerRUT,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := NewClient(cfg, testutil.CompanyKey(t, testutil.Now), opts...)
	require.NoError(t, err)
	return c
}
