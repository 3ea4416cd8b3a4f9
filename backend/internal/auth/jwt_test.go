package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestJoinToken_RoundTrip(t *testing.T) {
	id := Identity{SubjectID: "user-1", DisplayName: "Alice"}
	token, err := SignJoinToken(id, "room-1", time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("SignJoinToken error: %v", err)
	}

	claims, err := ParseToken(token)
	if err != nil {
		t.Fatalf("ParseToken error: %v", err)
	}
	if claims.SubjectID != "user-1" || claims.DisplayName != "Alice" {
		t.Fatalf("claims = %+v", claims)
	}
	if claims.RoomID != "room-1" || claims.Type != "join" {
		t.Fatalf("claims = %+v", claims)
	}
	if got := claims.Identity(); got != id {
		t.Fatalf("Identity() = %+v, want %+v", got, id)
	}
}

func TestJoinToken_Expired(t *testing.T) {
	token, err := SignJoinToken(Identity{SubjectID: "user-1"}, "room-1", time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("SignJoinToken error: %v", err)
	}
	if _, err := ParseToken(token); err == nil {
		t.Fatalf("过期 token 应解析失败")
	}
}

func TestParseToken_Garbage(t *testing.T) {
	if _, err := ParseToken("not-a-jwt"); err == nil {
		t.Fatalf("非法 token 应解析失败")
	}
}

func TestParseToken_WrongSignature(t *testing.T) {
	claims := &Claims{SubjectID: "user-1", Type: "join",
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}}
	bad, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("other-secret"))
	if err != nil {
		t.Fatalf("sign error: %v", err)
	}
	if _, err := ParseToken(bad); err == nil {
		t.Fatalf("签名不匹配的 token 应解析失败")
	}
}

func TestExtractBearer(t *testing.T) {
	if got := ExtractBearer("Bearer abc"); got != "abc" {
		t.Fatalf("got %q", got)
	}
	if got := ExtractBearer("bearer abc"); got != "abc" {
		t.Fatalf("大小写不敏感: got %q", got)
	}
	if got := ExtractBearer("abc"); got != "" {
		t.Fatalf("缺前缀应返回空: got %q", got)
	}
	if got := ExtractBearer(""); got != "" {
		t.Fatalf("got %q", got)
	}
}
