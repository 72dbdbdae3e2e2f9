package auth

import "testing"

func TestTokenRoundTrip(t *testing.T) {
	t.Parallel()

	token, err := GenerateToken(12, "doc-uuid-12")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	claims, err := ValidateToken(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.DoctorUserID != 12 || claims.DoctorUserUUID != "doc-uuid-12" {
		t.Fatalf("claims mismatch: %+v", claims)
	}
}

func TestValidateRejectsGarbage(t *testing.T) {
	t.Parallel()

	if _, err := ValidateToken("not.a.token"); err == nil {
		t.Fatal("garbage token must not validate")
	}
}
