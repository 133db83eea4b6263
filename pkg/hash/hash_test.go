package hash

import "testing"

func TestHashAndCheck(t *testing.T) {
	h, err := HashPassword("s3cret")
	if err != nil {
		t.Fatal(err)
	}
	if h == "s3cret" {
		t.Fatal("hash equals plaintext")
	}
	if !CheckPasswordHash("s3cret", h) {
		t.Fatal("correct secret rejected")
	}
	if CheckPasswordHash("wrong", h) {
		t.Fatal("wrong secret accepted")
	}
	if CheckPasswordHash("s3cret", "not-a-hash") {
		t.Fatal("garbage hash accepted")
	}
}
