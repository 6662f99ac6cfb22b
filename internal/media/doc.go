// Package media moves track bytes: segment download, init segment
// inspection, and decryption through an external tool.
package media
