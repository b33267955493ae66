package fwstore

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/fleetcontrol/core/logger"
)

// LocalFilesystem serves firmware images from a local folder. URLs are
// RSA signed so the serving route needs no further authorization.
type LocalFilesystem struct {
	router     *mux.Router
	baseFolder string
	publicURL  url.URL
	privateKey *rsa.PrivateKey
}

// NewLocalFilesystem returns a new LocalFilesystem and mounts its
// serving route on the router.
func NewLocalFilesystem(router *mux.Router, baseFolder string, publicURL url.URL, privateKey *rsa.PrivateKey) (*LocalFilesystem, error) {
	if privateKey == nil {
		logger.Default().Warn("No private key provided to sign firmware URLs, a random one will be generated")
		logger.Default().Warn("This can only work when running in a single instance configuration")

		var err error
		privateKey, err = rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, err
		}
	}
	f := LocalFilesystem{router: router, baseFolder: baseFolder, publicURL: publicURL, privateKey: privateKey}
	f.handleRoutes()
	return &f, nil
}

func (f LocalFilesystem) handleRoutes() {
	logger.Default().Debugln("firmware filesystem routes enabled")
	logger.Default().Debugln("  handle firmware route: /fleetcontrol/firmware GET PUT")

	f.router.Handle("/fleetcontrol/firmware", http.HandlerFunc(f.handler)).Methods(http.MethodOptions, http.MethodGet, http.MethodPut)
}

func (f LocalFilesystem) handler(w http.ResponseWriter, r *http.Request) {
	v := r.URL.Query()
	u := r.URL
	if u.Scheme == "" && u.Host == "" {
		u.Scheme = f.publicURL.Scheme
		u.Host = f.publicURL.Host
	}

	if !f.isValid(u.String()) {
		logger.Default().Errorf("invalid signature for %s", u.String())
		http.Error(w, "not authorized", http.StatusUnauthorized)
		return
	}

	key := v.Get("key")
	method := v.Get("method")

	if r.Method != method {
		logger.Default().Errorf("signature valid for %s, but was used for %s in %s", method, r.Method, r.URL.String())
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if strings.Contains(key, "..") {
		http.Error(w, ".. not authorized in keys", http.StatusBadRequest)
		return
	}
	filePath := filepath.Join(f.baseFolder, key, "image")

	logger.Default().Infof("firmware filesystem: [%s] key: '%s'", r.Method, key)
	if r.Method == http.MethodGet {
		http.ServeFile(w, r, filePath)
		return
	}
	if r.Method == http.MethodPut {
		err := os.MkdirAll(filepath.Join(f.baseFolder, key), 0700)
		if err != nil {
			logger.Default().WithError(err).Errorf("could not create folder for key '%s'", key)
			http.Error(w, "cannot store image", http.StatusInternalServerError)
			return
		}
		dstFile, err := os.Create(filePath)
		if err != nil {
			logger.Default().WithError(err).Errorf("could not create image for key '%s'", key)
			http.Error(w, "cannot store image", http.StatusInternalServerError)
			return
		}
		defer dstFile.Close()
		_, err = io.Copy(dstFile, r.Body)
		if err != nil {
			logger.Default().WithError(err).Errorf("could not write image for key '%s'", key)
			http.Error(w, "cannot store image", http.StatusInternalServerError)
		}
		return
	}
	w.WriteHeader(http.StatusMethodNotAllowed)
}

// Upload stores data under key without going through a signed URL.
func (f LocalFilesystem) Upload(key string, data []byte) error {
	if strings.Contains(key, "..") {
		return fmt.Errorf("'..' is not allowed in a key")
	}
	err := os.MkdirAll(filepath.Join(f.baseFolder, key), 0700)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(f.baseFolder, key, "image"), data, 0600)
}

// Delete deletes the key and its image.
func (f LocalFilesystem) Delete(key string) error {
	filePath := filepath.Join(f.baseFolder, key)
	return os.RemoveAll(filePath)
}

// SignedURL returns a signed URL that can be used with the given method
// until expireIn has passed. key must be a valid file name.
func (f LocalFilesystem) SignedURL(method Method, key string, expireIn time.Duration) (URL string, err error) {
	if strings.Contains(key, "..") {
		err = fmt.Errorf("'..' is not allowed in a key")
		return
	}
	v := url.Values{}
	v.Set("key", key)
	v.Set("expiry", time.Now().Add(expireIn).UTC().Format(time.RFC3339))
	v.Set("method", string(method))
	u := url.URL{
		Scheme:   f.publicURL.Scheme,
		Host:     f.publicURL.Host,
		Path:     f.publicURL.Path + "/fleetcontrol/firmware",
		RawQuery: v.Encode(),
	}

	data, err := json.Marshal(u)
	if err != nil {
		return
	}
	hashed := sha256.Sum256(data)

	signature, err := rsa.SignPKCS1v15(rand.Reader, f.privateKey, crypto.SHA256, hashed[:])
	if err != nil {
		return
	}

	v.Set("signature", base64.RawURLEncoding.EncodeToString(signature))
	u.RawQuery = v.Encode()
	URL = u.String()
	return
}

// isValid tells whether or not this url carries a valid, unexpired signature
func (f LocalFilesystem) isValid(URL string) bool {
	u, err := url.Parse(URL)
	if err != nil {
		return false
	}
	v := u.Query()
	key := v.Get("key")
	if key == "" || strings.Contains(key, "..") {
		return false
	}
	timeStr := v.Get("expiry")
	if timeStr == "" {
		return false
	}
	t, err := time.Parse(time.RFC3339, timeStr)
	if err != nil || t.Before(time.Now()) {
		return false
	}

	signature, err := base64.RawURLEncoding.DecodeString(v.Get("signature"))
	if err != nil {
		return false
	}
	v.Del("signature")
	u.RawQuery = v.Encode()

	data, err := json.Marshal(u)
	if err != nil {
		return false
	}
	hashed := sha256.Sum256(data)
	err = rsa.VerifyPKCS1v15(&f.privateKey.PublicKey, crypto.SHA256, hashed[:], signature)
	return err == nil
}
