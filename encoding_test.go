package realm

import (
	"testing"
)

func TestEncoding_BtoaAtobRoundTrip(t *testing.T) {
	r, _ := newTestRealm(t, nil)

	if got := evalString(t, r, `btoa("Hello, World!")`); got != "SGVsbG8sIFdvcmxkIQ==" {
		t.Errorf("btoa = %q, want SGVsbG8sIFdvcmxkIQ==", got)
	}
	if got := evalString(t, r, `atob("SGVsbG8sIFdvcmxkIQ==")`); got != "Hello, World!" {
		t.Errorf("atob = %q, want Hello, World!", got)
	}
}

func TestEncoding_BtoaFullLatin1Range(t *testing.T) {
	r, _ := newTestRealm(t, nil)

	got := evalString(t, r, `(function() {
		var bin = '';
		for (var i = 0; i < 256; i++) bin += String.fromCharCode(i);
		var decoded = atob(btoa(bin));
		return decoded.length + ':' + String(decoded === bin);
	})()`)
	if got != "256:true" {
		t.Errorf("full-range round trip = %q, want 256:true", got)
	}
}

func TestEncoding_AtobEmptyString(t *testing.T) {
	r, _ := newTestRealm(t, nil)

	if got := evalString(t, r, `'<' + atob('') + '>'`); got != "<>" {
		t.Errorf("atob('') = %q, want empty", got)
	}
}

func TestEncoding_ErrorsAreTypeErrors(t *testing.T) {
	r, _ := newTestRealm(t, nil)

	cases := []struct {
		name string
		js   string
		want string
	}{
		{"btoa no args", `btoa()`, "btoa requires at least 1 argument"},
		{"btoa non-latin1", `btoa('Ā')`, "btoa: string contains characters outside of the Latin1 range"},
		{"atob no args", `atob()`, "atob requires at least 1 argument"},
		{"atob bad chars", `atob('!!!')`, "atob: invalid base64 string"},
		{"atob bad padding", `atob('ab=c')`, "atob: invalid base64 string"},
	}
	for _, tc := range cases {
		got := evalString(t, r, `(function() {
			try {
				`+tc.js+`;
				return 'no-throw';
			} catch (e) {
				return (e instanceof TypeError) + ':' + e.message;
			}
		})()`)
		if got != "true:"+tc.want {
			t.Errorf("%s: got %q, want TypeError %q", tc.name, got, tc.want)
		}
	}
}

func TestEncoding_TextEncoderDecoderRoundTrip(t *testing.T) {
	r, _ := newTestRealm(t, nil)

	got := evalString(t, r, `(function() {
		var enc = new TextEncoder();
		var bytes = enc.encode('héllo €');
		var dec = new TextDecoder();
		return enc.encoding + '|' + bytes.length + '|' + dec.decode(bytes);
	})()`)
	if got != "utf-8|10|héllo €" {
		t.Errorf("encoder round trip = %q", got)
	}
}

func TestEncoding_TextDecoderRejectsUnknownLabel(t *testing.T) {
	r, _ := newTestRealm(t, nil)

	got := evalString(t, r, `(function() {
		try {
			new TextDecoder('shift_jis');
			return 'no-throw';
		} catch (e) {
			return String(e instanceof RangeError);
		}
	})()`)
	if got != "true" {
		t.Errorf("TextDecoder('shift_jis'): got %q, want RangeError", got)
	}
}
