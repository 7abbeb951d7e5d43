// Package workspace allocates per-story working directories for isolated
// builds. Each allocation is a timestamped directory (e.g. S-12-20260102-150405.000)
// below a shared base directory; Remove refuses anything outside that base.
package workspace
