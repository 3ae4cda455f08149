package middlewares

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/costing_backend/utils"
)

func newAuthRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/admin/ping", AdminAuthMiddleware(), func(c *gin.Context) {
		claim := CtxValue(c.Request.Context())
		name, _ := utils.GetUserNameFromContext(c.Request.Context())
		if claim == nil || name != claim.Name {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.String(http.StatusOK, name)
	})
	return r
}

func TestAdminAuthMiddleware(t *testing.T) {
	t.Setenv("API_SECRET", "test-secret")
	adminToken, err := utils.JwtGenerate(7, "ops", utils.RoleAdmin)
	if err != nil {
		t.Fatalf("JwtGenerate error: %v", err)
	}
	viewerToken, err := utils.JwtGenerate(8, "viewer", "viewer")
	if err != nil {
		t.Fatalf("JwtGenerate error: %v", err)
	}

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"missing token", "", http.StatusUnauthorized},
		{"garbage token", "Bearer not-a-jwt", http.StatusUnauthorized},
		{"wrong role", "Bearer " + viewerToken, http.StatusForbidden},
		{"admin", "Bearer " + adminToken, http.StatusOK},
	}
	r := newAuthRouter()
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/admin/ping", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != tc.want {
			t.Fatalf("%s: expected %d, got %d", tc.name, tc.want, w.Code)
		}
	}
}
