// Package policy is the permission seam between the executor and the
// platform's access control: a Check per rule invocation, answered by an
// Oracle implementation supplied at composition time.
package policy
