package httpmw

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
)

const sampleJS = "function add ( first , second ) {\n  // sum\n  return first + second ;\n}\n"

func jsHandler(status int, body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	})
}

type failingMinifier struct{}

func (failingMinifier) Bytes(string, []byte) ([]byte, error) { return nil, errors.New("parse error") }

func TestMinifyScripts_MinifiesJavaScript(t *testing.T) {
	h := MinifyScripts(NewScriptMinifier())(jsHandler(http.StatusOK, sampleJS))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/static/js/app.js", http.NoBody))

	body := rec.Body.String()
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(body) >= len(sampleJS) {
		t.Fatalf("body not minified: %q", body)
	}
	if strings.Contains(body, "// sum") {
		t.Fatalf("comment survived minification: %q", body)
	}
	if got := rec.Header().Get("Content-Length"); got != strconv.Itoa(len(body)) {
		t.Fatalf("Content-Length = %s, want %d", got, len(body))
	}
}

func TestMinifyScripts_ErrorSendsOriginal(t *testing.T) {
	h := MinifyScripts(failingMinifier{})(jsHandler(http.StatusOK, sampleJS))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sw.js", http.NoBody))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != sampleJS {
		t.Fatalf("body = %q, want original", rec.Body.String())
	}
}

func TestMinifyScripts_PassThrough(t *testing.T) {
	html := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<p>  keep   spacing </p>"))
	})

	cases := []struct {
		name   string
		h      http.Handler
		method string
		rng    bool
		want   string
		code   int
	}{
		{"html", html, http.MethodGet, false, "<p>  keep   spacing </p>", 200},
		{"not ok status", jsHandler(http.StatusNotFound, sampleJS), http.MethodGet, false, sampleJS, 404},
		{"post", jsHandler(http.StatusOK, sampleJS), http.MethodPost, false, sampleJS, 200},
		{"range", jsHandler(http.StatusOK, sampleJS), http.MethodGet, true, sampleJS, 200},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, "/x", http.NoBody)
			if tc.rng {
				req.Header.Set("Range", "bytes=0-10")
			}
			rec := httptest.NewRecorder()
			MinifyScripts(NewScriptMinifier())(tc.h).ServeHTTP(rec, req)
			if rec.Code != tc.code {
				t.Fatalf("status = %d, want %d", rec.Code, tc.code)
			}
			if rec.Body.String() != tc.want {
				t.Fatalf("body = %q, want %q", rec.Body.String(), tc.want)
			}
		})
	}
}

func TestMinifyScripts_NilMinifierDisabled(t *testing.T) {
	h := MinifyScripts(nil)(jsHandler(http.StatusOK, sampleJS))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/app.js", http.NoBody))
	if rec.Body.String() != sampleJS {
		t.Fatalf("dev mode must not minify, got %q", rec.Body.String())
	}
}

func TestMinifyScripts_ImplicitHeader(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript")
		_, _ = w.Write([]byte("var  a  =  1 ;"))
		_, _ = w.Write([]byte("\nvar  b  =  2 ;"))
	})
	rec := httptest.NewRecorder()
	MinifyScripts(NewScriptMinifier())(h).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/a.js", http.NoBody))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "  ") {
		t.Fatalf("body not minified: %q", rec.Body.String())
	}
}
