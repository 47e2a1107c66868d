// Package repomanager maintains the registry of tracked repositories.
//
// A repository is either cloned into the configured repositories base path
// or registered in place from an existing local directory. Directories
// registered in place are never deleted or recloned. Every mutation of the
// registry is written back to the config file.
//
// The package also reconciles the base path with the registry: directories
// nobody points at are reported as orphans, registered repositories whose
// working tree vanished are reported as missing.
package repomanager
