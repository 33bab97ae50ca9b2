/*
Package credentials manages connected-system secrets for AppOS.

Credential mappings are canonicalised (sorted-key JSON), sealed with
AES-256-GCM under a key derived by SHA-256 from the master secret, and stored
as opaque bytes on the connected_systems row. The ciphertext wire format is
self-describing:

	byte 0      version (0x01)
	bytes 1-12  GCM nonce
	rest        sealed payload + auth tag

so a key rotation rewrites rows without any external schema change. Rotation
decrypts every row under the current key, re-encrypts under the new one and
commits the whole set in a single store transaction; a failure on any row
aborts the rotation entirely.

The master secret comes from, in order: an explicit constructor argument, the
APPOS_SECRET_KEY environment variable, or an insecure development default that
is loudly warned about. Plaintext is never cached between operations.

GetAuthHeaders turns the stored secret plus a per-system auth config into the
common HTTP auth header styles (basic, api_key, oauth2); missing secrets yield
empty headers and a warning rather than an error, so the downstream HTTP call
reports the authentication failure through its own channel.
*/
package credentials
