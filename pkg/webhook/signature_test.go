package webhook

import "testing"

func TestSignKnownVector(t *testing.T) {
	// RFC 4231 test case 2.
	got := Sign("Jefe", []byte("what do ya want for nothing?"))
	want := "5bdcc146bf60754e6a042426089575c75a003f089d2739839dec58b964ec3843"
	if got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestVerify(t *testing.T) {
	body := []byte(`{"event":"payment.paid","sessionId":"cs_1"}`)
	signature := Sign("whsec_1", body)

	if !Verify("whsec_1", body, signature) {
		t.Fatal("expected signature to verify")
	}
	if Verify("whsec_2", body, signature) {
		t.Fatal("expected wrong secret to fail")
	}
	if Verify("whsec_1", append(body, ' '), signature) {
		t.Fatal("expected modified body to fail")
	}
	if Verify("whsec_1", body, "not-hex") {
		t.Fatal("expected malformed signature to fail")
	}
}
