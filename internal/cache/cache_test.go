package cache

// testRecord mirrors the shape of a cached access token without importing the
// token package.
type testRecord struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expiresAt"`
}
