package cloud_test

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/kanan/pkg/provider/detector/cloud"
)

func TestNew_EmptyEndpoint(t *testing.T) {
	if _, err := cloud.New(""); err == nil {
		t.Fatal("expected error for empty endpoint")
	}
}

func TestDetect_UploadsMultipartFrame(t *testing.T) {
	t.Parallel()

	var gotBody []byte
	var gotName, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		gotAuth = r.Header.Get("Authorization")
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("FormFile: %v", err)
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		defer f.Close()
		gotName = hdr.Filename
		gotBody, _ = io.ReadAll(f)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"objects": ["cup (0.91)", "person"], "text": "EXIT\nhere"}`)
	}))
	defer srv.Close()

	p, err := cloud.New(srv.URL, cloud.WithAPIKey("secret"))
	if err != nil {
		t.Fatal(err)
	}
	res, err := p.Detect(t.Context(), []byte("jpegbytes"))
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}

	if string(gotBody) != "jpegbytes" {
		t.Errorf("uploaded body = %q", gotBody)
	}
	if gotName != "frame.jpg" {
		t.Errorf("filename = %q, want frame.jpg", gotName)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if !slices.Equal(res.Objects, []string{"cup (0.91)", "person"}) {
		t.Errorf("objects = %v", res.Objects)
	}
	if res.Text != "EXIT\nhere" {
		t.Errorf("text = %q", res.Text)
	}
}

func TestDetect_NonOKIsStatusError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p, _ := cloud.New(srv.URL)
	_, err := p.Detect(t.Context(), []byte("x"))
	var se *cloud.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if se.StatusCode != http.StatusServiceUnavailable || se.Body != "overloaded" {
		t.Errorf("StatusError = %+v", se)
	}
}

func TestDetect_Timeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	p, _ := cloud.New(srv.URL, cloud.WithTimeout(50*time.Millisecond))
	if _, err := p.Detect(t.Context(), []byte("x")); err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestDetect_BadJSON(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "{not json")
	}))
	defer srv.Close()

	p, _ := cloud.New(srv.URL)
	if _, err := p.Detect(t.Context(), []byte("x")); err == nil {
		t.Fatal("expected decode error")
	}
}
