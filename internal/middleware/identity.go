package middleware

import (
	"net/http"
	"time"

	"github.com/google/uuid"
)

const (
	cookieName   = "userId"
	cookieMaxAge = 365 * 24 * 60 * 60

	// HeaderUserID 下游 handler 讀取身份的 header。handler 信任此 header，不處理 Cookie。
	HeaderUserID = "X-User-Id"
)

// UserIdentity 為每個請求確保一個穩定的匿名身份。
// 首次來訪核發 UUID 並寫入長效 Cookie，之後的請求沿用同一識別，
// 識別一律以 X-User-Id header 傳遞給下游。
func UserIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := identityFrom(r)
		if userID == "" {
			userID = uuid.New().String()
			issueCookie(w, userID)
		}

		r.Header.Set(HeaderUserID, userID)
		next.ServeHTTP(w, r)
	})
}

// identityFrom 讀取請求攜帶的身份 Cookie，沒有則回空字串。
func identityFrom(r *http.Request) string {
	cookie, err := r.Cookie(cookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// issueCookie 核發為期一年的身份 Cookie。
func issueCookie(w http.ResponseWriter, userID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    userID,
		Path:     "/",
		HttpOnly: true,
		MaxAge:   cookieMaxAge,
		Expires:  time.Now().Add(cookieMaxAge * time.Second),
	})
}
