// Package policy holds the operator-controlled relay policy: a global and
// per-chat pause switch plus chat whitelist/blacklist rules. The store lives
// in the control-plane database; workers consult it read-only through Gate.
package policy
