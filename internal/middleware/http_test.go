package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"postingrelay/internal/service"
	"postingrelay/pkg/constraints"

	"github.com/gin-gonic/gin"
)

func TestHttpMiddleware(t *testing.T) {
	r := gin.New()
	r.Use(HttpMiddleware())
	r.GET("/test", func(c *gin.Context) {
		c.Status(200)
	})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/test", nil)
	r.ServeHTTP(w, req)

	if w.Code != 200 {
		t.Errorf("expected 200, got %d", w.Code)
	}
}

func TestRequestIDAndTrace(t *testing.T) {
	r := gin.New()
	r.Use(RequestID(), TraceMiddleware())
	r.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/test", nil)
	req.Header.Set("X-Request-ID", "req-1")
	r.ServeHTTP(w, req)

	if got := w.Header().Get("X-Request-ID"); got != "req-1" {
		t.Errorf("expected caller request id, got %q", got)
	}
	if w.Header().Get(constraints.HeaderTraceID) == "" {
		t.Error("expected a trace id header")
	}
}

func TestJWTMiddleware(t *testing.T) {
	secret := []byte("unit-secret")
	valid, err := service.IssueToken(secret, service.OperatorInfo{UserID: "1", Name: "ops", Role: "admin"}, time.Minute)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	forged, _ := service.IssueToken([]byte("other"), service.OperatorInfo{Name: "ops"}, time.Minute)

	tests := []struct {
		name     string
		header   map[string]string
		devMode  bool
		wantCode int
		wantOp   string
	}{
		{name: "missing header", wantCode: http.StatusUnauthorized},
		{name: "malformed header", header: map[string]string{"Authorization": "Token abc"}, wantCode: http.StatusUnauthorized},
		{name: "wrong secret", header: map[string]string{"Authorization": "Bearer " + forged}, wantCode: http.StatusUnauthorized},
		{name: "valid token", header: map[string]string{"Authorization": "Bearer " + valid}, wantCode: http.StatusOK, wantOp: "ops"},
		{name: "dev pass", header: map[string]string{"X-Dev-Pass": "true"}, devMode: true, wantCode: http.StatusOK, wantOp: "dev-admin"},
		{name: "dev pass outside dev mode", header: map[string]string{"X-Dev-Pass": "true"}, wantCode: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotOp string
			r := gin.New()
			r.Use(JWTMiddleware(secret, tt.devMode))
			r.GET("/test", func(c *gin.Context) {
				gotOp = service.GetOperator(c.Request.Context())
				c.Status(http.StatusOK)
			})

			w := httptest.NewRecorder()
			req, _ := http.NewRequest("GET", "/test", nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			r.ServeHTTP(w, req)

			if w.Code != tt.wantCode {
				t.Fatalf("expected %d, got %d", tt.wantCode, w.Code)
			}
			if tt.wantOp != "" && gotOp != tt.wantOp {
				t.Errorf("expected operator %s, got %s", tt.wantOp, gotOp)
			}
		})
	}
}
