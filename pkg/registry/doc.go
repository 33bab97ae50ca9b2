// Package registry resolves fully-qualified references to rule and process
// handlers. The executor only consumes the Resolve interface; MemoryRegistry
// backs the single-node platform and tests.
package registry
