package obfuscate

import "testing"

func TestGeneric(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "empty", in: "", want: ""},
		{name: "len_le_4_len1", in: "a", want: "*"},
		{name: "len_le_4_len4", in: "abcd", want: "****"},
		{name: "len_5_to_12_len5", in: "abcde", want: "ab***"},
		{name: "len_5_to_12_len12", in: "abcdefghijkl", want: "ab**********"},
		{name: ">12", in: "abcdefghijklmnop", want: "abcdefgh...mnop"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Generic(tt.in); got != tt.want {
				t.Fatalf("Generic(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestToken(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "empty", in: "", want: ""},
		{name: "api key", in: "ek_alpha_0123456789abcdef0123456789abcdef", want: "ek_alpha_0123************************cdef"},
		{name: "api key hyphenated slug", in: "ek_alphaorg-research_00112233445566778899aabbccddeeff", want: "ek_alphaorg-research_0011************************eeff"},
		{name: "setup token", in: "st_0123456789abcdef01234567", want: "st_0123****************4567"},
		{name: "invite token", in: "inv_0123456789abcdef01234567", want: "inv_0123****************4567"},
		{name: "short secret", in: "st_abc", want: "st_***"},
		{name: "unknown", in: "abcdefghijklmnop", want: "abcdefgh...mnop"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Token(tt.in); got != tt.want {
				t.Fatalf("Token(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSecret(t *testing.T) {
	if Secret("") != "" {
		t.Fatal("empty secret should stay empty")
	}
	if Secret("hunter2") != "****" {
		t.Fatal("secret should be fully masked")
	}
}
