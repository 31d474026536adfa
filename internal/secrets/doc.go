// Package secrets detects and redacts credentials in text using the
// Gitleaks rule set.
//
// The path guard uses it to block writes that would commit a secret to
// the working tree, and the gate runner uses it to redact gate output
// before it reaches the session record or the logs.
package secrets
