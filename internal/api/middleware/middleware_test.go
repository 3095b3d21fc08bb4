package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"signaltrader/pkg/crypto"
)

func TestRecovery(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	handler := Recovery(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/traders", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	if logs.FilterMessage("panic in http handler").Len() != 1 {
		t.Error("panic not logged")
	}
}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	handler := Logging(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short and stout"))
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/signals/BTCUSDT", nil))

	entries := logs.FilterMessage("http request").All()
	if len(entries) != 1 {
		t.Fatalf("logged %d entries, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["status"] != int64(http.StatusTeapot) || fields["bytes"] != int64(15) || fields["method"] != "POST" {
		t.Errorf("fields = %v", fields)
	}
}

func TestTokenAuth(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	hash, err := crypto.HashToken("s3cret", 4)
	if err != nil {
		t.Fatalf("HashToken: %v", err)
	}

	tests := []struct {
		name   string
		token  string
		header string
		value  string
		want   int
	}{
		{"disabled", "", "", "", http.StatusOK},
		{"api key", "s3cret", "X-API-Key", "s3cret", http.StatusOK},
		{"bearer", "s3cret", "Authorization", "Bearer s3cret", http.StatusOK},
		{"missing", "s3cret", "", "", http.StatusUnauthorized},
		{"wrong", "s3cret", "X-API-Key", "guess", http.StatusUnauthorized},
		{"hashed ok", hash, "Authorization", "Bearer s3cret", http.StatusOK},
		{"hashed wrong", hash, "X-API-Key", "guess", http.StatusUnauthorized},
		{"hash itself is not a token", hash, "X-API-Key", hash, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			w := httptest.NewRecorder()
			TokenAuth(tt.token)(ok).ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}
