package fwstore_test

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/relabs-tech/fleetcontrol/iot/fwstore"
)

func newTestFilesystem(t *testing.T) (*fwstore.LocalFilesystem, *mux.Router) {
	t.Helper()
	router := mux.NewRouter()
	u, err := url.Parse("https://localhost")
	if err != nil {
		t.Fatal(err)
	}
	dir, err := os.MkdirTemp("", "fwstore")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	f, err := fwstore.NewLocalFilesystem(router, dir, *u, nil)
	if err != nil {
		t.Fatal(err)
	}
	return f, router
}

func do(t *testing.T, router *mux.Router, method, rawURL string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatal(err)
	}
	r := httptest.NewRequest(method, u.RequestURI(), bytes.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)
	return w
}

func TestLocalSignedURLPutGet(t *testing.T) {
	f, router := newTestFilesystem(t)

	putURL, err := f.SignedURL(fwstore.Put, "sensor-v7/2.1.0", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	image := []byte("firmware image bytes")
	if w := do(t, router, http.MethodPut, putURL, image); w.Code != http.StatusOK {
		t.Fatalf("upload failed with status %d", w.Code)
	}

	getURL, err := f.SignedURL(fwstore.Get, "sensor-v7/2.1.0", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	w := do(t, router, http.MethodGet, getURL, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("download failed with status %d", w.Code)
	}
	downloaded, _ := io.ReadAll(w.Body)
	if !bytes.Equal(downloaded, image) {
		t.Fatal("downloaded image differs from uploaded image")
	}
}

func TestLocalSignedURLWrongMethod(t *testing.T) {
	f, router := newTestFilesystem(t)

	if err := f.Upload("cam/1.0.0", []byte("image")); err != nil {
		t.Fatal(err)
	}
	getURL, err := f.SignedURL(fwstore.Get, "cam/1.0.0", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if w := do(t, router, http.MethodPut, getURL, []byte("x")); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for method mismatch, got %d", w.Code)
	}
}

func TestLocalSignedURLTampered(t *testing.T) {
	f, router := newTestFilesystem(t)

	if err := f.Upload("cam/1.0.0", []byte("image")); err != nil {
		t.Fatal(err)
	}
	getURL, err := f.SignedURL(fwstore.Get, "cam/1.0.0", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	tampered := strings.Replace(getURL, "key=cam", "key=other", 1)
	if w := do(t, router, http.MethodGet, tampered, nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for tampered URL, got %d", w.Code)
	}
}

func TestLocalSignedURLExpired(t *testing.T) {
	f, router := newTestFilesystem(t)

	if err := f.Upload("cam/1.0.0", []byte("image")); err != nil {
		t.Fatal(err)
	}
	getURL, err := f.SignedURL(fwstore.Get, "cam/1.0.0", -time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if w := do(t, router, http.MethodGet, getURL, nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired URL, got %d", w.Code)
	}
}

func TestLocalDelete(t *testing.T) {
	f, router := newTestFilesystem(t)

	if err := f.Upload("cam/1.0.0", []byte("image")); err != nil {
		t.Fatal(err)
	}
	if err := f.Delete("cam/1.0.0"); err != nil {
		t.Fatal(err)
	}
	getURL, err := f.SignedURL(fwstore.Get, "cam/1.0.0", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if w := do(t, router, http.MethodGet, getURL, nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", w.Code)
	}
}

func TestRejectsDotDotKeys(t *testing.T) {
	f, _ := newTestFilesystem(t)

	if _, err := f.SignedURL(fwstore.Get, "../../etc/passwd", time.Minute); err == nil {
		t.Fatal("expected error for key with ..")
	}
	if err := f.Upload("../escape", []byte("x")); err == nil {
		t.Fatal("expected error for upload key with ..")
	}
}
