/*
Package session manages authenticated client sessions.

Sessions are persisted in the KV store as hashes with two reverse
indexes (secret to id, user to id) so the request handler can resolve a
session from whichever identifier a message carries. Session ids come
from a watched counter and are never reused; creating a session for a
user removes any session that user already holds.
*/
package session
