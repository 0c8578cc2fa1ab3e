package auth

import (
	"testing"
	"time"
)

func TestIssueAndParse(t *testing.T) {
	pair, err := Issue("device-1", RoleStudent, "checkin-api", "test-key", time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	claims, err := Parse(pair.AccessToken, "test-key", "checkin-api")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "device-1" || claims.Role != RoleStudent {
		t.Errorf("claims = %+v", claims)
	}
}

func TestParseRejectsWrongKey(t *testing.T) {
	pair, _ := Issue("device-1", RoleStudent, "checkin-api", "test-key", time.Minute, time.Hour)
	if _, err := Parse(pair.AccessToken, "other-key", "checkin-api"); err == nil {
		t.Fatal("token signed with another key accepted")
	}
}

func TestParseRejectsWrongIssuer(t *testing.T) {
	pair, _ := Issue("device-1", RoleInstructor, "someone-else", "test-key", time.Minute, time.Hour)
	if _, err := Parse(pair.AccessToken, "test-key", "checkin-api"); err == nil {
		t.Fatal("token from another issuer accepted")
	}
}
