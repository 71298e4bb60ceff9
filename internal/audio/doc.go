// Package audio accumulates ordered audio fragments per participant until a
// flush threshold is reached. Payloads are opaque bytes: assembly is the
// byte-exact concatenation of fragment payloads in sequence order, with no
// re-encoding.
package audio
