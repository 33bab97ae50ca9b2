package policy

import (
	"sync"
)

// Decision is the oracle's answer for one (principal, object, action) triple
type Decision struct {
	Allowed bool
	Reason  string
}

// Allow is the affirmative decision
var Allow = Decision{Allowed: true}

// Deny builds a negative decision with a reason
func Deny(reason string) Decision {
	return Decision{Allowed: false, Reason: reason}
}

// Oracle answers whether a principal may invoke an object. Implementations
// live outside the engine core; the executor only consumes the interface.
type Oracle interface {
	Check(principal, objectRef, action string) Decision
}

// AllowAll permits everything. Used in development and tests.
type AllowAll struct{}

func (AllowAll) Check(principal, objectRef, action string) Decision {
	return Allow
}

// DenyList permits everything except explicitly blocked (principal, ref)
// pairs. A minimal stand-in for the platform's real permission service.
type DenyList struct {
	mu      sync.RWMutex
	blocked map[string]string
}

// NewDenyList creates an empty deny list
func NewDenyList() *DenyList {
	return &DenyList{blocked: make(map[string]string)}
}

// Block denies principal access to objectRef with the given reason
func (d *DenyList) Block(principal, objectRef, reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.blocked[principal+"\x00"+objectRef] = reason
}

func (d *DenyList) Check(principal, objectRef, action string) Decision {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if reason, ok := d.blocked[principal+"\x00"+objectRef]; ok {
		return Deny(reason)
	}
	return Allow
}
