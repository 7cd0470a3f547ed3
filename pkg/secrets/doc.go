// Package secrets holds the secret registry and the validation engine.
//
// Build turns a configuration of named secrets and named groups of secrets
// into an immutable Registry in which every plaintext has been replaced by a
// salted slow hash. An Engine answers whether a candidate value matches the
// secret or any member of the group registered under a name, and never says
// why a check failed. Reloads build a fresh Registry and publish it through a
// Store in one atomic swap.
package secrets
