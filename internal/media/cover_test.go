package media

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"content-pipeline/internal/config"
)

func TestRenderCoverLocal(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 40, 20))
	for y := 0; y < 20; y++ {
		for x := 0; x < 40; x++ {
			img.Set(x, y, color.RGBA{R: 255, G: 0, B: 0, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()

	tempDir := t.TempDir()
	renderer, err := NewCoverRenderer(context.Background(), config.CoverConfig{
		Width:           9,
		Height:          16,
		MaxBytes:        2 * 1024 * 1024,
		DownloadTimeout: 2 * time.Second,
		OutputDir:       tempDir,
		PublicURL:       "https://cdn.example/media/",
	})
	if err != nil {
		t.Fatalf("new renderer: %v", err)
	}

	url, err := renderer.RenderCover(context.Background(), "item-1", srv.URL)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if url != "https://cdn.example/media/covers/item-1.jpg" {
		t.Fatalf("unexpected url %s", url)
	}

	data, err := os.ReadFile(filepath.Join(tempDir, "covers", "item-1.jpg"))
	if err != nil {
		t.Fatalf("output not written: %v", err)
	}
	out, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if format != "jpeg" {
		t.Fatalf("expected jpeg, got %s", format)
	}
	if out.Bounds().Dx() != 9 || out.Bounds().Dy() != 16 {
		t.Fatalf("expected 9x16 cover, got %v", out.Bounds())
	}
}

func TestRenderCoverRejectsOversizedImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte{1}, 64))
	}))
	defer srv.Close()

	renderer, err := NewCoverRenderer(context.Background(), config.CoverConfig{MaxBytes: 16, OutputDir: t.TempDir()})
	if err != nil {
		t.Fatalf("new renderer: %v", err)
	}
	if _, err := renderer.RenderCover(context.Background(), "item-2", srv.URL); err == nil {
		t.Fatal("expected size limit error")
	}
}

func TestRenderCoverDownloadFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	renderer, err := NewCoverRenderer(context.Background(), config.CoverConfig{OutputDir: t.TempDir()})
	if err != nil {
		t.Fatalf("new renderer: %v", err)
	}
	if _, err := renderer.RenderCover(context.Background(), "item-3", srv.URL); err == nil {
		t.Fatal("expected download error")
	}
}
