package types

// redactedPlaceholder is the string used in place of secret values in logs
// and serialized output.
const redactedPlaceholder = "***REDACTED***"

// redactedJSON is the pre-computed JSON encoding of the redacted placeholder.
var redactedJSON = []byte(`"` + redactedPlaceholder + `"`)

// SecretString is a string type that keeps sensitive values out of logs and
// serialized output. It overrides String(), GoString() and MarshalJSON() to
// return a redacted placeholder, so a secret that ends up in a slog
// attribute, a fmt verb or a JSON config dump never shows its value.
//
// The engine uses it for the database URL, the Stripe webhook signing secret
// and the bcrypt hashes of API keys. Use Unmask() to get the plaintext when
// it is genuinely needed.
type SecretString string

// String returns a redacted placeholder instead of the raw value.
// It is invoked by fmt.Sprintf, fmt.Println and every other function that
// goes through the fmt.Stringer interface, including slog text output.
func (s SecretString) String() string {
	return redactedPlaceholder
}

// GoString returns the redacted placeholder for the %#v verb, which
// bypasses String().
func (s SecretString) GoString() string {
	return redactedPlaceholder
}

// MarshalJSON returns the redacted placeholder as a JSON string.
// This keeps secret values out of JSON-serialized config dumps, API
// responses and structured (JSON handler) log entries.
func (s SecretString) MarshalJSON() ([]byte, error) {
	return redactedJSON, nil
}

// Unmask returns the raw plaintext value of the secret.
// Calls should stay limited to the points where the value is handed to a
// driver or verifier (the pgx pool config, the Stripe signature check, the
// bcrypt comparison) and be easy to audit.
func (s SecretString) Unmask() string {
	return string(s)
}
