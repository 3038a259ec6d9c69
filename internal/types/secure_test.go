package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
)

const testSecret = "whsec_signing-secret-12345"

func TestSecretString_FmtVerbs(t *testing.T) {
	s := SecretString(testSecret)

	for _, verb := range []string{"%s", "%v", "%+v", "%#v"} {
		result := fmt.Sprintf(verb, s)
		if strings.Contains(result, testSecret) {
			t.Errorf("fmt.Sprintf(%s) leaked the raw secret: %s", verb, result)
		}
	}
}

func TestSecretString_MarshalJSON(t *testing.T) {
	payload := struct {
		Secret SecretString `json:"secret"`
	}{Secret: SecretString(testSecret)}

	out, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}
	if strings.Contains(string(out), testSecret) {
		t.Errorf("json output leaked the raw secret: %s", out)
	}
	if string(out) != `{"secret":"`+redactedPlaceholder+`"}` {
		t.Errorf("json output = %s", out)
	}
}

func TestSecretString_Unmask(t *testing.T) {
	if got := SecretString(testSecret).Unmask(); got != testSecret {
		t.Errorf("Unmask() = %q, want %q", got, testSecret)
	}
}
