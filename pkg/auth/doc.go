// Package auth gates tool access on the identity reported by the remote
// backend.
//
// The gate probes the well-known whoami tool. When the backend reports
// login_required, the login URL is handed to a Prompter and the gate blocks
// on a Confirmer until the user says the login is done, then probes again.
// Any other status resolves the user's identity, which is cached on the
// Session for the rest of its life.
package auth
